/*
 *     Copyright 2024 The smpd Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package storage

import (
	"archive/zip"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-http-utils/headers"
	"github.com/pkg/errors"

	"github.com/smpkit/smpd/internal/smperrors"
)

// StyleFileName is the style document entry at the package root.
const StyleFileName = "style.json"

// resourceScheme prefixes in-package resource references inside the style
// document. GetStyle rewrites them against the serving base URL.
const resourceScheme = "smp://"

var contentTypes = map[string]string{
	".json":  "application/json",
	".pbf":   "application/x-protobuf",
	".mvt":   "application/x-protobuf",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".webp":  "image/webp",
	".svg":   "image/svg+xml",
	".txt":   "text/plain; charset=utf-8",
	".html":  "text/html; charset=utf-8",
}

// Reader serves resources out of one styled-map package file. A Reader stays
// usable for streams acquired before it was superseded; the underlying file
// handle is released once the last stream ends.
type Reader struct {
	path string

	file    *os.File
	archive *zip.Reader
	entries map[string]*zip.File

	styleRaw []byte
	style    map[string]any

	mu     sync.Mutex
	refs   int
	closed bool
}

// OpenReader opens and structurally validates the package at path. A package
// that is not a readable zip with a parseable root style document fails with
// INVALID_MAP_FILE.
func OpenReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	archive, err := zip.NewReader(file, info.Size())
	if err != nil {
		file.Close()
		return nil, smperrors.Newf(smperrors.CodeInvalidMapFile, "not a map package: %s", err)
	}

	r := &Reader{
		path:    path,
		file:    file,
		archive: archive,
		entries: make(map[string]*zip.File, len(archive.File)),
	}
	for _, entry := range archive.File {
		r.entries[entry.Name] = entry
	}

	styleEntry, ok := r.entries[StyleFileName]
	if !ok {
		file.Close()
		return nil, smperrors.Newf(smperrors.CodeInvalidMapFile, "package has no %s", StyleFileName)
	}

	styleReader, err := styleEntry.Open()
	if err != nil {
		file.Close()
		return nil, smperrors.Newf(smperrors.CodeInvalidMapFile, "open %s: %s", StyleFileName, err)
	}
	defer styleReader.Close()

	r.styleRaw, err = io.ReadAll(styleReader)
	if err != nil {
		file.Close()
		return nil, smperrors.Newf(smperrors.CodeInvalidMapFile, "read %s: %s", StyleFileName, err)
	}
	if err := json.Unmarshal(r.styleRaw, &r.style); err != nil {
		file.Close()
		return nil, smperrors.Newf(smperrors.CodeInvalidMapFile, "parse %s: %s", StyleFileName, err)
	}

	return r, nil
}

// Acquire takes a stream reference. It fails once the reader is closed.
func (r *Reader) Acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("reader is closed")
	}
	r.refs++
	return nil
}

// Release drops a stream reference taken with Acquire.
func (r *Reader) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs--
	if r.closed && r.refs == 0 {
		r.file.Close()
	}
}

// Close marks the reader superseded. The file handle is released when the
// last in-flight stream ends.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.refs == 0 {
		return r.file.Close()
	}
	return nil
}

// GetStyle returns the style document with every in-package resource
// reference rewritten against baseURL.
func (r *Reader) GetStyle(baseURL string) ([]byte, error) {
	rewritten := rewriteResourceURLs(cloneJSONValue(r.style), strings.TrimRight(baseURL, "/"))
	return json.Marshal(rewritten)
}

// ServeResource writes the archive entry at resourcePath to w. Stored
// entries honor Range requests; entries carrying the gzip magic are served
// with Content-Encoding: gzip unchanged.
func (r *Reader) ServeResource(w http.ResponseWriter, req *http.Request, resourcePath string) error {
	name := strings.TrimPrefix(path.Clean(resourcePath), "/")
	entry, ok := r.entries[name]
	if !ok {
		return smperrors.Newf(smperrors.CodeResourceNotFound, "no resource %s in package", name)
	}

	if err := r.Acquire(); err != nil {
		return errors.Wrap(err, "acquire reader")
	}
	defer r.Release()

	contentType := contentTypes[strings.ToLower(path.Ext(name))]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set(headers.ContentType, contentType)

	if entry.Method == zip.Store {
		offset, err := entry.DataOffset()
		if err != nil {
			return errors.Wrap(err, "locate entry data")
		}
		section := io.NewSectionReader(r.file, offset, int64(entry.CompressedSize64))

		var magic [2]byte
		if n, _ := section.ReadAt(magic[:], 0); n == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
			w.Header().Set(headers.ContentEncoding, "gzip")
		}

		http.ServeContent(w, req, "", entry.Modified, section)
		return nil
	}

	rc, err := entry.Open()
	if err != nil {
		return errors.Wrap(err, "open entry")
	}
	defer rc.Close()

	var magic [2]byte
	n, err := io.ReadFull(rc, magic[:])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return errors.Wrap(err, "read entry")
	}
	if n == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		w.Header().Set(headers.ContentEncoding, "gzip")
	}

	w.Header().Set(headers.ContentLength, strconv.FormatUint(entry.UncompressedSize64, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(magic[:n]); err != nil {
		return err
	}
	_, err = io.Copy(w, rc)
	return err
}

// Info projects the package metadata. The name falls back to stem when the
// style document does not carry one.
func (r *Reader) Info(slotID SlotID, stem string, size int64, modTime time.Time) *MapInfo {
	info := &MapInfo{
		SlotID:             slotID,
		Name:               stem,
		EstimatedSizeBytes: size,
		Bounds:             worldBounds,
		MinZoom:            defaultMinZoom,
		MaxZoom:            defaultMaxZoom,
		CreatedAtMs:        modTime.UnixMilli(),
	}

	if name, ok := r.style["name"].(string); ok && name != "" {
		info.Name = name
	}

	sources, _ := r.style["sources"].(map[string]any)
	var (
		bounds     [4]float64
		haveBounds bool
		minZoom    = -1
		maxZoom    = -1
	)
	for _, rawSource := range sources {
		source, ok := rawSource.(map[string]any)
		if !ok {
			continue
		}
		if b, ok := boundsOf(source); ok {
			if !haveBounds {
				bounds = b
				haveBounds = true
			} else {
				bounds[0] = min(bounds[0], b[0])
				bounds[1] = min(bounds[1], b[1])
				bounds[2] = max(bounds[2], b[2])
				bounds[3] = max(bounds[3], b[3])
			}
		}
		if z, ok := intOf(source["minzoom"]); ok && (minZoom < 0 || z < minZoom) {
			minZoom = z
		}
		if z, ok := intOf(source["maxzoom"]); ok && z > maxZoom {
			maxZoom = z
		}
	}
	if haveBounds {
		info.Bounds = bounds
	}
	if minZoom >= 0 {
		info.MinZoom = minZoom
	}
	if maxZoom >= 0 {
		info.MaxZoom = maxZoom
	}

	return info
}

func boundsOf(source map[string]any) ([4]float64, bool) {
	raw, ok := source["bounds"].([]any)
	if !ok || len(raw) != 4 {
		return [4]float64{}, false
	}
	var bounds [4]float64
	for i, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return [4]float64{}, false
		}
		bounds[i] = f
	}
	return bounds, true
}

func intOf(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// rewriteResourceURLs replaces every smp:// reference in the style tree with
// an absolute URL under base.
func rewriteResourceURLs(v any, base string) any {
	switch value := v.(type) {
	case string:
		if strings.HasPrefix(value, resourceScheme) {
			return base + "/" + strings.TrimPrefix(value, resourceScheme)
		}
		return value
	case []any:
		for i := range value {
			value[i] = rewriteResourceURLs(value[i], base)
		}
		return value
	case map[string]any:
		for k := range value {
			value[k] = rewriteResourceURLs(value[k], base)
		}
		return value
	default:
		return value
	}
}

func cloneJSONValue(v any) any {
	switch value := v.(type) {
	case []any:
		out := make([]any, len(value))
		for i := range value {
			out[i] = cloneJSONValue(value[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(value))
		for k := range value {
			out[k] = cloneJSONValue(value[k])
		}
		return out
	default:
		return value
	}
}
