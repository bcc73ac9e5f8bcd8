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
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smpkit/smpd/internal/smperrors"
)

// buildPackage assembles a package zip in memory. Entries named in stored
// are written uncompressed.
func buildPackage(t *testing.T, entries map[string][]byte, stored ...string) []byte {
	t.Helper()

	storedSet := map[string]bool{}
	for _, name := range stored {
		storedSet[name] = true
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range entries {
		method := zip.Deflate
		if storedSet[name] {
			method = zip.Store
		}
		fw, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func defaultStyle(t *testing.T) []byte {
	t.Helper()
	style := map[string]any{
		"version": 8,
		"name":    "Coastal Atlas",
		"sources": map[string]any{
			"land": map[string]any{
				"type":    "vector",
				"url":     "smp://sources/land.json",
				"bounds":  []float64{-10, -20, 30, 40},
				"minzoom": 2,
				"maxzoom": 12,
			},
			"sea": map[string]any{
				"type":   "vector",
				"tiles":  []string{"smp://tiles/sea/{z}/{x}/{y}.mvt"},
				"bounds": []float64{-50, -5, 10, 15},
			},
		},
		"glyphs": "smp://glyphs/{fontstack}/{range}.pbf",
		"layers": []any{},
	}
	raw, err := json.Marshal(style)
	require.NoError(t, err)
	return raw
}

func writePackage(t *testing.T, path string, raw []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, raw, 0644))
}

func newTestStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	dir := t.TempDir()
	customPath := filepath.Join(dir, "custom.smp")
	fallbackPath := filepath.Join(dir, "fallback.smp")
	writePackage(t, fallbackPath, buildPackage(t, map[string][]byte{
		StyleFileName: defaultStyle(t),
	}))
	return New(customPath, fallbackPath), customPath, fallbackPath
}

func TestStore_GetInfo(t *testing.T) {
	assert := assert.New(t)
	store, customPath, _ := newTestStore(t)

	// Empty custom slot.
	_, err := store.GetInfo(SlotCustom)
	require.Error(t, err)
	smpErr, ok := smperrors.As(err)
	require.True(t, ok)
	assert.Equal(smperrors.CodeMapNotFound, smpErr.Code)

	// Unknown slot.
	_, err = store.GetInfo(SlotID("bogus"))
	require.Error(t, err)

	raw := buildPackage(t, map[string][]byte{StyleFileName: defaultStyle(t)})
	writePackage(t, customPath, raw)

	info, err := store.GetInfo(SlotCustom)
	require.NoError(t, err)
	assert.Equal(SlotCustom, info.SlotID)
	assert.Equal("Coastal Atlas", info.Name)
	assert.Equal(int64(len(raw)), info.EstimatedSizeBytes)
	// Union of the two source bounds.
	assert.Equal([4]float64{-50, -20, 30, 40}, info.Bounds)
	assert.Equal(2, info.MinZoom)
	assert.Equal(12, info.MaxZoom)
	assert.NotZero(info.CreatedAtMs)
}

func TestStore_GetInfoDefaults(t *testing.T) {
	assert := assert.New(t)
	store, customPath, _ := newTestStore(t)

	style, err := json.Marshal(map[string]any{
		"version": 8,
		"sources": map[string]any{"base": map[string]any{"type": "vector"}},
		"layers":  []any{},
	})
	require.NoError(t, err)
	writePackage(t, customPath, buildPackage(t, map[string][]byte{StyleFileName: style}))

	info, err := store.GetInfo(SlotCustom)
	require.NoError(t, err)
	// Name falls back to the filename stem, bounds to the Mercator-safe
	// world, zooms to 0..22.
	assert.Equal("custom", info.Name)
	assert.Equal([4]float64{-180, -85.0511, 180, 85.0511}, info.Bounds)
	assert.Equal(0, info.MinZoom)
	assert.Equal(22, info.MaxZoom)
}

func TestStore_WriteThrough(t *testing.T) {
	assert := assert.New(t)
	store, customPath, _ := newTestStore(t)

	raw := buildPackage(t, map[string][]byte{StyleFileName: defaultStyle(t)})
	sink, err := store.OpenWrite(SlotCustom)
	require.NoError(t, err)
	_, err = sink.Write(raw)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	onDisk, err := os.ReadFile(customPath)
	require.NoError(t, err)
	assert.Equal(raw, onDisk)
	assertNoTempFiles(t, customPath)

	reader, err := store.GetReader(SlotCustom)
	require.NoError(t, err)
	assert.NotNil(reader)
}

func TestStore_WriteInvalidPackage(t *testing.T) {
	assert := assert.New(t)
	store, customPath, _ := newTestStore(t)

	// Seed a valid package first.
	valid := buildPackage(t, map[string][]byte{StyleFileName: defaultStyle(t)})
	writePackage(t, customPath, valid)

	sink, err := store.OpenWrite(SlotCustom)
	require.NoError(t, err)
	_, err = sink.Write([]byte("this is not a zip archive"))
	require.NoError(t, err)

	err = sink.Close()
	require.Error(t, err)
	smpErr, ok := smperrors.As(err)
	require.True(t, ok)
	assert.Equal(smperrors.CodeInvalidMapFile, smpErr.Code)

	// The original is untouched and no temp file remains.
	onDisk, err := os.ReadFile(customPath)
	require.NoError(t, err)
	assert.Equal(valid, onDisk)
	assertNoTempFiles(t, customPath)
}

func TestStore_WriteMissingStyle(t *testing.T) {
	store, customPath, _ := newTestStore(t)

	sink, err := store.OpenWrite(SlotCustom)
	require.NoError(t, err)
	_, err = sink.Write(buildPackage(t, map[string][]byte{"tiles/0.mvt": {0x1}}))
	require.NoError(t, err)

	err = sink.Close()
	require.Error(t, err)
	smpErr, ok := smperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, smperrors.CodeInvalidMapFile, smpErr.Code)

	_, statErr := os.Stat(customPath)
	assert.True(t, os.IsNotExist(statErr))
	assertNoTempFiles(t, customPath)
}

func TestStore_WriteAbort(t *testing.T) {
	assert := assert.New(t)
	store, customPath, _ := newTestStore(t)

	valid := buildPackage(t, map[string][]byte{StyleFileName: defaultStyle(t)})
	writePackage(t, customPath, valid)

	sink, err := store.OpenWrite(SlotCustom)
	require.NoError(t, err)
	_, err = sink.Write([]byte("partial bytes"))
	require.NoError(t, err)
	sink.Abort()

	onDisk, err := os.ReadFile(customPath)
	require.NoError(t, err)
	assert.Equal(valid, onDisk)
	assertNoTempFiles(t, customPath)

	// The slot lock is released; a new write proceeds.
	sink, err = store.OpenWrite(SlotCustom)
	require.NoError(t, err)
	sink.Abort()
}

func TestStore_ConcurrentWritesSerialized(t *testing.T) {
	assert := assert.New(t)
	store, customPath, _ := newTestStore(t)

	styleA, _ := json.Marshal(map[string]any{"version": 8, "name": "A", "sources": map[string]any{}, "layers": []any{}})
	styleB, _ := json.Marshal(map[string]any{"version": 8, "name": "B", "sources": map[string]any{}, "layers": []any{}})
	rawA := buildPackage(t, map[string][]byte{StyleFileName: styleA})
	rawB := buildPackage(t, map[string][]byte{StyleFileName: styleB})

	var wg sync.WaitGroup
	for _, raw := range [][]byte{rawA, rawB} {
		wg.Add(1)
		go func(raw []byte) {
			defer wg.Done()
			sink, err := store.OpenWrite(SlotCustom)
			require.NoError(t, err)
			_, err = sink.Write(raw)
			require.NoError(t, err)
			require.NoError(t, sink.Close())
		}(raw)
	}
	wg.Wait()

	onDisk, err := os.ReadFile(customPath)
	require.NoError(t, err)
	assert.True(bytes.Equal(onDisk, rawA) || bytes.Equal(onDisk, rawB))
	assertNoTempFiles(t, customPath)
}

func TestStore_OpenReadSurvivesSwap(t *testing.T) {
	assert := assert.New(t)
	store, customPath, _ := newTestStore(t)

	before := buildPackage(t, map[string][]byte{StyleFileName: defaultStyle(t)})
	writePackage(t, customPath, before)

	stream, size, err := store.OpenRead(SlotCustom)
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(int64(len(before)), size)

	// Swap the slot underneath the open stream.
	style, _ := json.Marshal(map[string]any{"version": 8, "name": "new", "sources": map[string]any{}, "layers": []any{}})
	after := buildPackage(t, map[string][]byte{StyleFileName: style})
	sink, err := store.OpenWrite(SlotCustom)
	require.NoError(t, err)
	_, err = sink.Write(after)
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	// The stream still yields the pre-swap bytes.
	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(before, got)

	// A fresh stream sees the post-swap file.
	fresh, _, err := store.OpenRead(SlotCustom)
	require.NoError(t, err)
	defer fresh.Close()
	got, err = io.ReadAll(fresh)
	require.NoError(t, err)
	assert.Equal(after, got)
}

func TestStore_Delete(t *testing.T) {
	assert := assert.New(t)
	store, customPath, _ := newTestStore(t)

	// Read-only slot.
	err := store.Delete(SlotFallback)
	require.Error(t, err)
	smpErr, ok := smperrors.As(err)
	require.True(t, ok)
	assert.Equal(smperrors.CodeForbidden, smpErr.Code)

	// Empty slot.
	err = store.Delete(SlotCustom)
	require.Error(t, err)
	smpErr, ok = smperrors.As(err)
	require.True(t, ok)
	assert.Equal(smperrors.CodeMapNotFound, smpErr.Code)

	writePackage(t, customPath, buildPackage(t, map[string][]byte{StyleFileName: defaultStyle(t)}))
	_, err = store.GetReader(SlotCustom)
	require.NoError(t, err)

	require.NoError(t, store.Delete(SlotCustom))
	_, statErr := os.Stat(customPath)
	assert.True(os.IsNotExist(statErr))

	_, err = store.GetInfo(SlotCustom)
	require.Error(t, err)
}

func TestReader_GetStyle(t *testing.T) {
	assert := assert.New(t)
	store, customPath, _ := newTestStore(t)
	writePackage(t, customPath, buildPackage(t, map[string][]byte{StyleFileName: defaultStyle(t)}))

	reader, err := store.GetReader(SlotCustom)
	require.NoError(t, err)

	raw, err := reader.GetStyle("http://127.0.0.1:4000/maps/custom/")
	require.NoError(t, err)

	var style map[string]any
	require.NoError(t, json.Unmarshal(raw, &style))
	assert.Equal("http://127.0.0.1:4000/maps/custom/glyphs/{fontstack}/{range}.pbf", style["glyphs"])

	sources := style["sources"].(map[string]any)
	land := sources["land"].(map[string]any)
	assert.Equal("http://127.0.0.1:4000/maps/custom/sources/land.json", land["url"])
	sea := sources["sea"].(map[string]any)
	assert.Equal("http://127.0.0.1:4000/maps/custom/tiles/sea/{z}/{x}/{y}.mvt", sea["tiles"].([]any)[0])

	// Rewriting does not disturb the reader's own copy.
	raw2, err := reader.GetStyle("http://other")
	require.NoError(t, err)
	var style2 map[string]any
	require.NoError(t, json.Unmarshal(raw2, &style2))
	assert.Equal("http://other/glyphs/{fontstack}/{range}.pbf", style2["glyphs"])
}

func TestReader_ServeResource(t *testing.T) {
	assert := assert.New(t)
	store, customPath, _ := newTestStore(t)

	tile := bytes.Repeat([]byte{0x11, 0x22}, 600)
	gzipped := append([]byte{0x1f, 0x8b, 0x08, 0x00}, bytes.Repeat([]byte{0x7}, 64)...)
	writePackage(t, customPath, buildPackage(t, map[string][]byte{
		StyleFileName:          defaultStyle(t),
		"tiles/1/0/0.mvt":      tile,
		"tiles/gz/0/0.mvt":     gzipped,
		"sprites/sprite.png":   {0x89, 0x50, 0x4e, 0x47},
		"sources/land.json":    []byte(`{"tilejson":"3.0.0"}`),
	}, "tiles/1/0/0.mvt", "tiles/gz/0/0.mvt"))

	reader, err := store.GetReader(SlotCustom)
	require.NoError(t, err)

	serve := func(path, rangeHeader string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/maps/custom/"+path, nil)
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		w := httptest.NewRecorder()
		err := reader.ServeResource(w, req, path)
		require.NoError(t, err)
		return w
	}

	// Stored entry, whole body.
	w := serve("tiles/1/0/0.mvt", "")
	assert.Equal(http.StatusOK, w.Code)
	assert.Equal("application/x-protobuf", w.Header().Get("Content-Type"))
	assert.Equal(tile, w.Body.Bytes())

	// Stored entry, range read.
	w = serve("tiles/1/0/0.mvt", "bytes=0-99")
	assert.Equal(http.StatusPartialContent, w.Code)
	assert.Equal(tile[:100], w.Body.Bytes())

	// Pre-gzipped entry keeps its encoding.
	w = serve("tiles/gz/0/0.mvt", "")
	assert.Equal("gzip", w.Header().Get("Content-Encoding"))
	assert.Equal(gzipped, w.Body.Bytes())

	// Deflated entry streams whole.
	w = serve("sources/land.json", "")
	assert.Equal(http.StatusOK, w.Code)
	assert.Equal("application/json", w.Header().Get("Content-Type"))
	assert.Equal(`{"tilejson":"3.0.0"}`, w.Body.String())

	// Missing entry.
	req := httptest.NewRequest(http.MethodGet, "/maps/custom/tiles/9/9/9.mvt", nil)
	err = reader.ServeResource(httptest.NewRecorder(), req, "tiles/9/9/9.mvt")
	require.Error(t, err)
	smpErr, ok := smperrors.As(err)
	require.True(t, ok)
	assert.Equal(smperrors.CodeResourceNotFound, smpErr.Code)
}

func assertNoTempFiles(t *testing.T, customPath string) {
	t.Helper()
	matches, err := filepath.Glob(customPath + ".download-*")
	require.NoError(t, err)
	assert.Empty(t, matches)
}
