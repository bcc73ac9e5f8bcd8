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
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/smpkit/smpd/daemon/statebus"
	"github.com/smpkit/smpd/internal/smperrors"
	"github.com/smpkit/smpd/internal/smplog"
	"github.com/smpkit/smpd/pkg/zbase32"
)

const (
	// Download is streaming bytes into the custom slot.
	DownloadStateDownloading = "downloading"

	// Package installed.
	DownloadStateCompleted = "completed"

	// Sender canceled; reconciled from the share's status.
	DownloadStateCanceled = "canceled"

	// Share was declined; reconciled from the share's status.
	DownloadStateDeclined = "declined"

	// This receiver aborted.
	DownloadStateAborted = "aborted"

	// Terminal failure.
	DownloadStateError = "error"
)

const (
	// Stream delivered and installed the whole package.
	DownloadEventComplete = "Complete"

	// Receiver aborted.
	DownloadEventAbort = "Abort"

	// Sender-side cancel observed via status reconciliation.
	DownloadEventReconcileCanceled = "ReconcileCanceled"

	// Share decline observed via status reconciliation.
	DownloadEventReconcileDeclined = "ReconcileDeclined"

	// Transfer failed.
	DownloadEventFail = "Fail"
)

// State is the download's externally visible state, published over the
// event stream.
type State struct {
	DownloadID         string   `json:"downloadId"`
	ShareID            string   `json:"shareId"`
	SenderDeviceID     string   `json:"senderDeviceId"`
	PeerURLs           []string `json:"peerUrls"`
	EstimatedSizeBytes int64    `json:"estimatedSizeBytes"`
	CreatedAtMs        int64    `json:"createdAtMs"`
	Status             string   `json:"status"`
	BytesReceived      int64    `json:"bytesReceived,omitempty"`
	ErrorCode          string   `json:"errorCode,omitempty"`
	ErrorMessage       string   `json:"errorMessage,omitempty"`
}

// Download is one incoming transfer into the custom slot.
type Download struct {
	// ID is the download id.
	ID string

	// ShareID is the sender-side share being installed.
	ShareID string

	// SenderKey is the sender's device public key.
	SenderKey []byte

	// PeerURLs are the offer's candidate share URLs, tried in order.
	PeerURLs []string

	// EstimatedSizeBytes is the offered package size.
	EstimatedSizeBytes int64

	// CreatedAt is the download create time.
	CreatedAt time.Time

	// FSM is the download state machine.
	FSM *fsm.FSM

	// Bus fans state out to event-stream subscribers.
	Bus *statebus.Bus

	// BytesReceived counts payload bytes landed in the temp file.
	BytesReceived *atomic.Int64

	// Download log.
	Log *zap.SugaredLogger

	mu         sync.Mutex
	cancel     context.CancelFunc
	errCode    string
	errMessage string
}

// New builds a Download already in downloading{0}; ctx cancellation is the
// transfer's cancel token.
func New(id, shareID string, senderKey []byte, peerURLs []string, estimatedSize int64, cancel context.CancelFunc) (*Download, error) {
	d := &Download{
		ID:                 id,
		ShareID:            shareID,
		SenderKey:          senderKey,
		PeerURLs:           peerURLs,
		EstimatedSizeBytes: estimatedSize,
		CreatedAt:          time.Now(),
		BytesReceived:      atomic.NewInt64(0),
		Log:                smplog.WithDownloadID(id),
		cancel:             cancel,
	}

	d.FSM = fsm.NewFSM(
		DownloadStateDownloading,
		fsm.Events{
			{Name: DownloadEventComplete, Src: []string{DownloadStateDownloading}, Dst: DownloadStateCompleted},
			{Name: DownloadEventAbort, Src: []string{DownloadStateDownloading}, Dst: DownloadStateAborted},
			{Name: DownloadEventReconcileCanceled, Src: []string{DownloadStateDownloading}, Dst: DownloadStateCanceled},
			{Name: DownloadEventReconcileDeclined, Src: []string{DownloadStateDownloading}, Dst: DownloadStateDeclined},
			{Name: DownloadEventFail, Src: []string{DownloadStateDownloading}, Dst: DownloadStateError},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				d.Log.Infof("download state is %s", e.Dst)
			},
		},
	)

	bus, err := statebus.New(d.snapshot())
	if err != nil {
		return nil, err
	}
	d.Bus = bus
	return d, nil
}

func (d *Download) snapshot() *State {
	state := &State{
		DownloadID:         d.ID,
		ShareID:            d.ShareID,
		SenderDeviceID:     zbase32.Encode(d.SenderKey),
		PeerURLs:           d.PeerURLs,
		EstimatedSizeBytes: d.EstimatedSizeBytes,
		CreatedAtMs:        d.CreatedAt.UnixMilli(),
		Status:             d.FSM.Current(),
	}
	switch state.Status {
	case DownloadStateDownloading, DownloadStateCompleted:
		state.BytesReceived = d.BytesReceived.Load()
	case DownloadStateError:
		state.ErrorCode = d.errCode
		state.ErrorMessage = d.errMessage
	}
	return state
}

// Snapshot returns the current state.
func (d *Download) Snapshot() *State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot()
}

func (d *Download) publishLocked() {
	d.Bus.Publish(d.snapshot())
}

// Downloading reports whether the transfer is still running.
func (d *Download) Downloading() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.FSM.Current() == DownloadStateDownloading
}

// AddBytesReceived advances progress and publishes it. Progress after the
// transfer left downloading is rejected.
func (d *Download) AddBytesReceived(n int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current := d.FSM.Current(); current != DownloadStateDownloading {
		return smperrors.Newf(smperrors.CodeDownloadError, "download %s is %s", d.ID, current)
	}
	d.BytesReceived.Add(n)
	d.publishLocked()
	return nil
}

// Complete marks the package installed.
func (d *Download) Complete() {
	d.transition(DownloadEventComplete)
}

// Abort terminates the running transfer at the receiver's request.
func (d *Download) Abort() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.FSM.Event(context.Background(), DownloadEventAbort); err != nil {
		return smperrors.Newf(smperrors.CodeAbortNotDownloading, "download %s is %s", d.ID, d.FSM.Current())
	}
	d.cancel()
	d.publishLocked()
	return nil
}

// ReconcileRemote adopts the sender's terminal status observed by a status
// poll. Unknown statuses are ignored and reported false.
func (d *Download) ReconcileRemote(status string) bool {
	var event string
	switch status {
	case DownloadStateCanceled:
		event = DownloadEventReconcileCanceled
	case DownloadStateDeclined:
		event = DownloadEventReconcileDeclined
	default:
		return false
	}
	return d.transition(event)
}

// Fail records a terminal failure.
func (d *Download) Fail(code, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.FSM.Event(context.Background(), DownloadEventFail); err != nil {
		return
	}
	d.errCode = code
	d.errMessage = message
	d.publishLocked()
}

// Evict tears the download down on TTL expiry.
func (d *Download) Evict() {
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()
	d.Bus.Close()
}

func (d *Download) transition(event string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.FSM.Event(context.Background(), event); err != nil {
		return false
	}
	d.publishLocked()
	return true
}
