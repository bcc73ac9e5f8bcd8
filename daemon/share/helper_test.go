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

package share

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smpkit/smpd/daemon/storage"
)

// newSeededStore builds a store whose custom and fallback slots both hold a
// minimal valid package.
func newSeededStore(t *testing.T, dir string) *storage.Store {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.Create(storage.StyleFileName)
	require.NoError(t, err)
	_, err = fw.Write([]byte(`{"version":8,"name":"seed","sources":{},"layers":[]}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	customPath := filepath.Join(dir, "custom.smp")
	fallbackPath := filepath.Join(dir, "fallback.smp")
	require.NoError(t, os.WriteFile(customPath, buf.Bytes(), 0644))
	require.NoError(t, os.WriteFile(fallbackPath, buf.Bytes(), 0644))

	return storage.New(customPath, fallbackPath)
}
