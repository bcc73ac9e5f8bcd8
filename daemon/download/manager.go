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

// Package download holds the receiver-side registry of active downloads and
// drives each transfer into the package store.
package download

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-http-utils/headers"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"

	"github.com/smpkit/smpd/daemon/storage"
	"github.com/smpkit/smpd/daemon/transport"
	"github.com/smpkit/smpd/internal/smperrors"
	"github.com/smpkit/smpd/internal/smplog"
	"github.com/smpkit/smpd/pkg/idgen"
	"github.com/smpkit/smpd/pkg/zbase32"
)

// entryTTL evicts downloads 15 minutes after creation regardless of state.
const entryTTL = 15 * time.Minute

// peerOpTimeout bounds status reconciliation and decline fan-out across all
// candidate URLs.
const peerOpTimeout = 2 * time.Second

const copyBufferSize = 256 * 1024

// Offer is the validated create request: the receiver's copy of the share
// offer.
type Offer struct {
	ShareID            string
	SenderDeviceID     string
	PeerURLs           []string
	EstimatedSizeBytes int64
}

// Manager is the download registry.
type Manager struct {
	store     *storage.Store
	client    *transport.Client
	downloads *ttlcache.Cache[string, *Download]
	stopOnce  sync.Once
}

// NewManager returns a started Manager reaping expired downloads.
func NewManager(store *storage.Store, client *transport.Client) *Manager {
	downloads := ttlcache.New[string, *Download](
		ttlcache.WithTTL[string, *Download](entryTTL),
		ttlcache.WithDisableTouchOnHit[string, *Download](),
	)
	downloads.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Download]) {
		smplog.WithDownloadID(item.Key()).Infof("download evicted (reason %d)", reason)
		item.Value().Evict()
	})
	go downloads.Start()

	return &Manager{store: store, client: client, downloads: downloads}
}

// Create starts a download of the offered share into the custom slot. The
// returned Download is already downloading{0}; the transfer runs in its own
// goroutine.
func (m *Manager) Create(offer *Offer) (*Download, error) {
	senderKey, err := zbase32.DecodeKey(offer.SenderDeviceID, transport.KeySize)
	if err != nil {
		return nil, smperrors.Newf(smperrors.CodeInvalidSenderDeviceID, "senderDeviceId: %s", err)
	}

	sink, err := m.store.OpenWrite(storage.SlotCustom)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d, err := New(idgen.DownloadID(), offer.ShareID, senderKey, offer.PeerURLs, offer.EstimatedSizeBytes, cancel)
	if err != nil {
		cancel()
		sink.Abort()
		return nil, err
	}
	m.downloads.Set(d.ID, d, ttlcache.DefaultTTL)

	go m.run(ctx, d, sink)
	return d, nil
}

// Get looks a download up by id.
func (m *Manager) Get(id string) (*Download, error) {
	item := m.downloads.Get(id)
	if item == nil {
		return nil, smperrors.Newf(smperrors.CodeDownloadNotFound, "no download %s", id)
	}
	return item.Value(), nil
}

// List returns all live downloads.
func (m *Manager) List() []*Download {
	items := m.downloads.Items()
	downloads := make([]*Download, 0, len(items))
	for _, item := range items {
		downloads = append(downloads, item.Value())
	}
	return downloads
}

// Abort terminates a running download and, best-effort, lets the sender
// reconcile the drop to aborted by polling its share status.
func (m *Manager) Abort(id string) error {
	d, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := d.Abort(); err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), peerOpTimeout)
		defer cancel()
		if _, err := m.pollShareStatus(ctx, d.SenderKey, d.PeerURLs); err != nil {
			d.Log.Debugf("post-abort status poll: %s", err)
		}
	}()
	return nil
}

// Stop ends the TTL sweeper and tears down every live download. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.downloads.Stop()
		for _, item := range m.downloads.Items() {
			item.Value().Evict()
		}
	})
}

// run drives one transfer to a terminal state.
func (m *Manager) run(ctx context.Context, d *Download, sink *storage.WriteSink) {
	resp, err := m.openStream(ctx, d)
	if err != nil {
		sink.Abort()
		if !d.Downloading() {
			// Aborted while dialing.
			return
		}
		smpErr := smperrors.Convert(err, smperrors.CodeDownloadError)
		d.Fail(smpErr.Code, smpErr.Message)
		return
	}
	defer resp.Body.Close()

	if err := m.pipe(d, sink, resp.Body); err != nil {
		sink.Abort()
		if !d.Downloading() {
			// Aborted by the receiver; terminal state already published.
			return
		}
		m.reconcile(d, err)
		return
	}

	if err := sink.Close(); err != nil {
		smpErr := smperrors.Convert(err, smperrors.CodeDownloadError)
		d.Fail(smpErr.Code, smpErr.Message)
		return
	}
	d.Complete()
}

// openStream tries each peer URL in order and returns the first connected
// 2xx download response. Per-URL failures are suppressed until all URLs are
// exhausted; a non-2xx response is authoritative and ends the trial.
func (m *Manager) openStream(ctx context.Context, d *Download) (*http.Response, error) {
	var lastErr error
	for _, peerURL := range d.PeerURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL+"/download", nil)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := m.client.Do(req, d.SenderKey)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			d.Log.Debugf("dial %s: %s", peerURL, err)
			lastErr = err
			continue
		}

		if resp.StatusCode/100 != 2 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, smperrors.FromBody(body, smperrors.CodeDownloadError)
		}
		return resp, nil
	}

	if lastErr != nil {
		d.Log.Warnf("all peer urls failed: %s", lastErr)
	}
	return nil, smperrors.New(smperrors.CodeDownloadError, "Could not connect to map share sender")
}

// pipe copies the response body into the sink, publishing progress per
// chunk. Chunks arriving after the download left downloading are rejected.
func (m *Manager) pipe(d *Download, sink *storage.WriteSink, body io.Reader) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := sink.Write(buf[:n]); err != nil {
				return errors.Wrap(err, "write package")
			}
			if err := d.AddBytesReceived(int64(n)); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return errors.Wrap(readErr, "read package stream")
		}
	}
}

// reconcile resolves an interrupted transfer against the sender's view: a
// canceled or declined share status is adopted, anything else is a terminal
// transfer error.
func (m *Manager) reconcile(d *Download, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), peerOpTimeout)
	defer cancel()

	status, err := m.pollShareStatus(ctx, d.SenderKey, d.PeerURLs)
	if err == nil && d.ReconcileRemote(status) {
		return
	}

	smpErr := smperrors.Convert(cause, smperrors.CodeDownloadError)
	if smpErr.Code != smperrors.CodeDownloadError {
		d.Fail(smpErr.Code, smpErr.Message)
		return
	}
	message, _ := json.Marshal(cause.Error())
	d.Fail(smperrors.CodeDownloadError, string(message))
}

// pollShareStatus fetches the share's status from the first reachable peer
// URL.
func (m *Manager) pollShareStatus(ctx context.Context, senderKey []byte, peerURLs []string) (string, error) {
	var lastErr error
	for _, peerURL := range peerURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL, nil)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := m.client.Do(req, senderKey)
		if err != nil {
			lastErr = err
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		var state struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &state); err != nil {
			lastErr = err
			continue
		}
		return state.Status, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no peer urls")
	}
	return "", errors.Wrap(lastErr, "poll share status")
}

// DeclineRemote declines a share at its sender, trying each offer URL. A
// 4xx/5xx sender response is passed through; when no URL connects the
// decline fails with DECLINE_CANNOT_CONNECT.
func (m *Manager) DeclineRemote(senderDeviceID string, peerURLs []string, reason string) error {
	senderKey, err := zbase32.DecodeKey(senderDeviceID, transport.KeySize)
	if err != nil {
		return smperrors.Newf(smperrors.CodeInvalidSenderDeviceID, "senderDeviceId: %s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), peerOpTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return err
	}

	for _, peerURL := range peerURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL+"/decline", bytes.NewReader(payload))
		if err != nil {
			continue
		}
		req.Header.Set(headers.ContentType, "application/json")

		resp, err := m.client.Do(req, senderKey)
		if err != nil {
			continue
		}

		if resp.StatusCode/100 == 2 {
			transport.DrainAndClose(resp.Body)
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return smperrors.FromBody(body, smperrors.CodeDeclineCannotConnect)
	}

	return smperrors.New(smperrors.CodeDeclineCannotConnect, "could not reach the map share sender")
}
