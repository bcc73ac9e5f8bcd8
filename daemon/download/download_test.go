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

package download

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smpkit/smpd/daemon/storage"
	"github.com/smpkit/smpd/daemon/transport"
	"github.com/smpkit/smpd/internal/smperrors"
	"github.com/smpkit/smpd/pkg/zbase32"
)

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

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	store := newSeededStore(t, dir)

	keyPair, err := transport.GenerateKeyPair()
	require.NoError(t, err)

	m := NewManager(store, transport.NewClient(keyPair))
	t.Cleanup(m.Stop)
	return m, filepath.Join(dir, "custom.smp")
}

func senderDeviceID(t *testing.T) string {
	t.Helper()
	keyPair, err := transport.GenerateKeyPair()
	require.NoError(t, err)
	return zbase32.Encode(keyPair.PublicKey)
}

func TestManager_CreateInvalidSenderDeviceID(t *testing.T) {
	tests := []struct {
		name     string
		deviceID string
	}{
		{
			name:     "bad alphabet",
			deviceID: "not!a@device#id",
		},
		{
			name:     "wrong length",
			deviceID: zbase32.Encode([]byte("short")),
		},
		{
			name:     "empty",
			deviceID: "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)
			m, customPath := newTestManager(t)

			_, err := m.Create(&Offer{
				ShareID:            "share-1",
				SenderDeviceID:     tc.deviceID,
				PeerURLs:           []string{"http://192.0.2.1:9000/mapShares/share-1"},
				EstimatedSizeBytes: 10,
			})
			require.Error(t, err)
			smpErr, ok := smperrors.As(err)
			require.True(t, ok)
			assert.Equal(smperrors.CodeInvalidSenderDeviceID, smpErr.Code)

			// The decode failure precedes the sink: no temp files.
			matches, err := filepath.Glob(customPath + ".download-*")
			require.NoError(t, err)
			assert.Empty(matches)
		})
	}
}

func TestManager_CreateNoReachablePeer(t *testing.T) {
	assert := assert.New(t)
	m, customPath := newTestManager(t)

	before, err := os.ReadFile(customPath)
	require.NoError(t, err)

	// Port 1 refuses immediately; the trial exhausts both URLs.
	d, err := m.Create(&Offer{
		ShareID:            "share-1",
		SenderDeviceID:     senderDeviceID(t),
		PeerURLs:           []string{"http://127.0.0.1:1/mapShares/share-1", "http://127.0.0.1:1/mapShares/share-1"},
		EstimatedSizeBytes: 10,
	})
	require.NoError(t, err)
	assert.Equal(DownloadStateDownloading, d.Snapshot().Status)

	assert.Eventually(func() bool {
		return d.Snapshot().Status == DownloadStateError
	}, 10*time.Second, 50*time.Millisecond)

	state := d.Snapshot()
	assert.Equal(smperrors.CodeDownloadError, state.ErrorCode)
	assert.Equal("Could not connect to map share sender", state.ErrorMessage)

	// The custom slot is untouched and the temp file is gone.
	after, err := os.ReadFile(customPath)
	require.NoError(t, err)
	assert.Equal(before, after)
	matches, err := filepath.Glob(customPath + ".download-*")
	require.NoError(t, err)
	assert.Empty(matches)
}

func TestDownload_AbortOnlyWhileDownloading(t *testing.T) {
	assert := assert.New(t)

	_, cancel := context.WithCancel(context.Background())
	d, err := New("dl-1", "share-1", bytes.Repeat([]byte{0x03}, 32), nil, 10, cancel)
	require.NoError(t, err)

	require.NoError(t, d.Abort())
	assert.Equal(DownloadStateAborted, d.Snapshot().Status)

	err = d.Abort()
	require.Error(t, err)
	smpErr, ok := smperrors.As(err)
	require.True(t, ok)
	assert.Equal(smperrors.CodeAbortNotDownloading, smpErr.Code)
}

func TestDownload_ReconcileRemote(t *testing.T) {
	tests := []struct {
		name         string
		remoteStatus string
		adopted      bool
		expectStatus string
	}{
		{
			name:         "sender canceled",
			remoteStatus: "canceled",
			adopted:      true,
			expectStatus: DownloadStateCanceled,
		},
		{
			name:         "share declined",
			remoteStatus: "declined",
			adopted:      true,
			expectStatus: DownloadStateDeclined,
		},
		{
			name:         "still pending is not terminal",
			remoteStatus: "pending",
			adopted:      false,
			expectStatus: DownloadStateDownloading,
		},
		{
			name:         "completed is not adopted",
			remoteStatus: "completed",
			adopted:      false,
			expectStatus: DownloadStateDownloading,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)

			_, cancel := context.WithCancel(context.Background())
			d, err := New("dl-1", "share-1", bytes.Repeat([]byte{0x03}, 32), nil, 10, cancel)
			require.NoError(t, err)

			assert.Equal(tc.adopted, d.ReconcileRemote(tc.remoteStatus))
			assert.Equal(tc.expectStatus, d.Snapshot().Status)
		})
	}
}

func TestDownload_ProgressRejectedAfterTerminal(t *testing.T) {
	assert := assert.New(t)

	_, cancel := context.WithCancel(context.Background())
	d, err := New("dl-1", "share-1", bytes.Repeat([]byte{0x03}, 32), nil, 10, cancel)
	require.NoError(t, err)

	require.NoError(t, d.AddBytesReceived(5))
	require.NoError(t, d.Abort())

	err = d.AddBytesReceived(5)
	require.Error(t, err)
	assert.Equal(int64(5), d.BytesReceived.Load())
}

func TestDownload_TerminalSticky(t *testing.T) {
	assert := assert.New(t)

	_, cancel := context.WithCancel(context.Background())
	d, err := New("dl-1", "share-1", bytes.Repeat([]byte{0x03}, 32), nil, 10, cancel)
	require.NoError(t, err)

	d.Complete()
	assert.Equal(DownloadStateCompleted, d.Snapshot().Status)

	d.Fail(smperrors.CodeDownloadError, "late failure")
	assert.Equal(DownloadStateCompleted, d.Snapshot().Status)
	assert.False(d.ReconcileRemote("canceled"))
}
