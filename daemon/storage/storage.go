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

// Package storage owns the named package slots, their readers, and the
// atomic write-through used to install downloaded packages.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/smpkit/smpd/internal/smperrors"
	"github.com/smpkit/smpd/internal/smplog"
)

// SlotID names a package file location.
type SlotID string

const (
	// SlotCustom is the mutable slot receiving uploads and shared packages.
	SlotCustom SlotID = "custom"

	// SlotFallback is the bundled read-only slot.
	SlotFallback SlotID = "fallback"
)

const (
	defaultMinZoom = 0
	defaultMaxZoom = 22
)

// worldBounds is the Web-Mercator-safe whole world, used when no source
// declares bounds.
var worldBounds = [4]float64{-180, -85.0511, 180, 85.0511}

// MapInfo is the metadata projection of one slot.
type MapInfo struct {
	SlotID             SlotID     `json:"slotId"`
	Name               string     `json:"name"`
	EstimatedSizeBytes int64      `json:"estimatedSizeBytes"`
	Bounds             [4]float64 `json:"bounds"`
	MinZoom            int        `json:"minzoom"`
	MaxZoom            int        `json:"maxzoom"`
	CreatedAtMs        int64      `json:"createdAtMs"`
}

// tempCounter numbers write-through temp files process-wide.
var tempCounter = atomic.NewInt64(0)

type slot struct {
	id       SlotID
	path     string
	readOnly bool

	// mu serializes OpenWrite and Delete. Held for the whole write.
	mu sync.Mutex

	// readerMu guards the memoized reader handle.
	readerMu sync.Mutex
	reader   *Reader
}

// Store tracks the package slots.
type Store struct {
	slots map[SlotID]*slot
}

// New returns a Store over the two slot paths. The custom path need not
// exist yet.
func New(customPath, fallbackPath string) *Store {
	return &Store{
		slots: map[SlotID]*slot{
			SlotCustom:   {id: SlotCustom, path: customPath},
			SlotFallback: {id: SlotFallback, path: fallbackPath, readOnly: true},
		},
	}
}

// Has reports whether slotID names a known slot.
func (s *Store) Has(slotID SlotID) bool {
	_, ok := s.slots[slotID]
	return ok
}

func (s *Store) slot(slotID SlotID) (*slot, error) {
	sl, ok := s.slots[slotID]
	if !ok {
		return nil, smperrors.Newf(smperrors.CodeMapNotFound, "unknown map slot %q", slotID)
	}
	return sl, nil
}

// GetInfo projects slot metadata. An empty slot fails with MAP_NOT_FOUND.
func (s *Store) GetInfo(slotID SlotID) (*MapInfo, error) {
	sl, err := s.slot(slotID)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(sl.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, smperrors.Newf(smperrors.CodeMapNotFound, "map slot %q is empty", slotID)
		}
		return nil, errors.Wrapf(err, "stat slot %q", slotID)
	}

	reader, err := s.GetReader(slotID)
	if err != nil {
		return nil, err
	}

	stem := strings.TrimSuffix(filepath.Base(sl.path), filepath.Ext(sl.path))
	return reader.Info(slotID, stem, info.Size(), info.ModTime()), nil
}

// GetReader returns the slot's memoized reader, opening it lazily. A closed
// reader is never returned.
func (s *Store) GetReader(slotID SlotID) (*Reader, error) {
	sl, err := s.slot(slotID)
	if err != nil {
		return nil, err
	}

	sl.readerMu.Lock()
	defer sl.readerMu.Unlock()
	if sl.reader != nil {
		return sl.reader, nil
	}

	reader, err := OpenReader(sl.path)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, smperrors.Newf(smperrors.CodeMapNotFound, "map slot %q is empty", slotID)
		}
		return nil, err
	}
	sl.reader = reader
	return reader, nil
}

// OpenRead opens a raw byte stream over the slot file as it exists now. A
// later swap does not disturb the stream; the open descriptor keeps serving
// the pre-swap bytes.
func (s *Store) OpenRead(slotID SlotID) (io.ReadCloser, int64, error) {
	sl, err := s.slot(slotID)
	if err != nil {
		return nil, 0, err
	}

	file, err := os.Open(sl.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, smperrors.Newf(smperrors.CodeMapNotFound, "map slot %q is empty", slotID)
		}
		return nil, 0, errors.Wrapf(err, "open slot %q", slotID)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, errors.Wrapf(err, "stat slot %q", slotID)
	}
	return file, info.Size(), nil
}

// OpenWrite starts an atomic write-through on a mutable slot. Bytes land in
// a temp file next to the target; Close validates and renames it over the
// target, Abort unlinks it. The slot write lock is held until either.
func (s *Store) OpenWrite(slotID SlotID) (*WriteSink, error) {
	sl, err := s.slot(slotID)
	if err != nil {
		return nil, err
	}
	if sl.readOnly {
		return nil, smperrors.Newf(smperrors.CodeForbidden, "map slot %q is read-only", slotID)
	}

	sl.mu.Lock()

	tmpPath := fmt.Sprintf("%s.download-%d", sl.path, tempCounter.Inc())
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		sl.mu.Unlock()
		return nil, errors.Wrapf(err, "create temp file for slot %q", slotID)
	}

	return &WriteSink{store: s, slot: sl, file: file, tmpPath: tmpPath}, nil
}

// Delete removes a mutable slot's file and closes its reader.
func (s *Store) Delete(slotID SlotID) error {
	sl, err := s.slot(slotID)
	if err != nil {
		return err
	}
	if sl.readOnly {
		return smperrors.Newf(smperrors.CodeForbidden, "map slot %q is read-only", slotID)
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := os.Remove(sl.path); err != nil {
		if os.IsNotExist(err) {
			return smperrors.Newf(smperrors.CodeMapNotFound, "map slot %q is empty", slotID)
		}
		return errors.Wrapf(err, "remove slot %q", slotID)
	}

	sl.readerMu.Lock()
	if sl.reader != nil {
		if err := sl.reader.Close(); err != nil {
			smplog.Warnf("close reader of deleted slot %q: %s", slotID, err)
		}
		sl.reader = nil
	}
	sl.readerMu.Unlock()
	return nil
}

// swapReader installs reader as the slot's current one and retires the old
// reader best-effort.
func (s *Store) swapReader(sl *slot, reader *Reader) {
	sl.readerMu.Lock()
	old := sl.reader
	sl.reader = reader
	sl.readerMu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			smplog.Warnf("close superseded reader of slot %q: %s", sl.id, err)
		}
	}
}

// WriteSink is an in-progress atomic slot write.
type WriteSink struct {
	store   *Store
	slot    *slot
	file    *os.File
	tmpPath string

	mu   sync.Mutex
	done bool
}

// Write appends to the temp file.
func (w *WriteSink) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

// Close validates the written package, renames it over the slot file, and
// installs a fresh reader. On validation failure the temp file is unlinked
// and the pre-existing slot file is untouched.
func (w *WriteSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return errors.New("write sink already finished")
	}
	w.done = true
	defer w.slot.mu.Unlock()

	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return errors.Wrap(err, "close temp file")
	}

	reader, err := OpenReader(w.tmpPath)
	if err != nil {
		os.Remove(w.tmpPath)
		return err
	}

	if err := os.Rename(w.tmpPath, w.slot.path); err != nil {
		reader.Close()
		os.Remove(w.tmpPath)
		return errors.Wrap(err, "install package")
	}

	// The open descriptor survives the rename; repoint the reader at the
	// final path and make it current.
	reader.path = w.slot.path
	w.store.swapReader(w.slot, reader)
	return nil
}

// Abort discards the write. The temp file is unlinked best-effort and the
// slot file is left as it was.
func (w *WriteSink) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	defer w.slot.mu.Unlock()

	w.file.Close()
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		smplog.Warnf("remove temp file %s: %s", w.tmpPath, err)
	}
}
