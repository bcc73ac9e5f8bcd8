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
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/smpkit/smpd/daemon/statebus"
	"github.com/smpkit/smpd/daemon/storage"
	"github.com/smpkit/smpd/internal/smperrors"
	"github.com/smpkit/smpd/internal/smplog"
	"github.com/smpkit/smpd/pkg/zbase32"
)

const (
	// Share offer is live, no download started.
	ShareStatePending = "pending"

	// A single download is streaming.
	ShareStateDownloading = "downloading"

	// Transfer finished, all bytes delivered.
	ShareStateCompleted = "completed"

	// Sender canceled the offer or the running transfer.
	ShareStateCanceled = "canceled"

	// Receiver declined the offer.
	ShareStateDeclined = "declined"

	// Receiver aborted the running transfer.
	ShareStateAborted = "aborted"

	// Transfer failed terminally.
	ShareStateError = "error"
)

const (
	// Receiver opened the download stream.
	ShareEventDownload = "Download"

	// Stream delivered the whole package.
	ShareEventComplete = "Complete"

	// Sender canceled.
	ShareEventCancel = "Cancel"

	// Receiver declined.
	ShareEventDecline = "Decline"

	// Receiver aborted mid-stream.
	ShareEventAbort = "Abort"

	// Transfer failed.
	ShareEventFail = "Fail"
)

// dropReconcileWindow is how long a sender waits, after an unexplained
// transport drop, for the receiver's status poll before declaring the
// transfer failed.
const dropReconcileWindow = 2 * time.Second

// State is the share's externally visible state, published over the event
// stream and returned to the authorized receiver.
type State struct {
	ShareID          string           `json:"shareId"`
	MapInfo          *storage.MapInfo `json:"mapInfo"`
	ReceiverDeviceID string           `json:"receiverDeviceId"`
	PeerURLs         []string         `json:"peerUrls"`
	CreatedAtMs      int64            `json:"createdAtMs"`
	Status           string           `json:"status"`
	BytesSent        int64            `json:"bytesSent,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	ErrorCode        string           `json:"errorCode,omitempty"`
	ErrorMessage     string           `json:"errorMessage,omitempty"`
}

// Share is one outgoing offer and its transfer lifecycle.
type Share struct {
	// ID is the share id.
	ID string

	// MapInfo captures the offered slot at creation time.
	MapInfo *storage.MapInfo

	// ReceiverKey is the only peer key admitted to this share.
	ReceiverKey []byte

	// PeerURLs are the sender's reachable offer URLs, one per interface.
	PeerURLs []string

	// CreatedAt is the share create time.
	CreatedAt time.Time

	// FSM is the share state machine.
	FSM *fsm.FSM

	// Bus fans state out to event-stream subscribers.
	Bus *statebus.Bus

	// BytesSent counts payload bytes delivered to the receiver.
	BytesSent *atomic.Int64

	// Share log.
	Log *zap.SugaredLogger

	mu          sync.Mutex
	reason      string
	errCode     string
	errMessage  string
	serveCancel  context.CancelFunc
	dropTimer    *time.Timer
	dropPending  bool
	lastPeerPoll time.Time
}

// New builds a pending Share.
func New(id string, mapInfo *storage.MapInfo, receiverKey []byte, peerURLs []string) (*Share, error) {
	s := &Share{
		ID:          id,
		MapInfo:     mapInfo,
		ReceiverKey: receiverKey,
		PeerURLs:    peerURLs,
		CreatedAt:   time.Now(),
		BytesSent:   atomic.NewInt64(0),
		Log:         smplog.WithShareID(id),
	}

	s.FSM = fsm.NewFSM(
		ShareStatePending,
		fsm.Events{
			{Name: ShareEventDownload, Src: []string{ShareStatePending}, Dst: ShareStateDownloading},
			{Name: ShareEventComplete, Src: []string{ShareStateDownloading}, Dst: ShareStateCompleted},
			{Name: ShareEventCancel, Src: []string{ShareStatePending, ShareStateDownloading}, Dst: ShareStateCanceled},
			{Name: ShareEventDecline, Src: []string{ShareStatePending}, Dst: ShareStateDeclined},
			{Name: ShareEventAbort, Src: []string{ShareStateDownloading}, Dst: ShareStateAborted},
			{Name: ShareEventFail, Src: []string{ShareStateDownloading}, Dst: ShareStateError},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.Log.Infof("share state is %s", e.Dst)
			},
		},
	)

	bus, err := statebus.New(s.snapshot())
	if err != nil {
		return nil, err
	}
	s.Bus = bus
	return s, nil
}

// snapshot builds the current State. Callers hold s.mu or know no writer
// races (creation time).
func (s *Share) snapshot() *State {
	state := &State{
		ShareID:          s.ID,
		MapInfo:          s.MapInfo,
		ReceiverDeviceID: zbase32.Encode(s.ReceiverKey),
		PeerURLs:         s.PeerURLs,
		CreatedAtMs:      s.CreatedAt.UnixMilli(),
		Status:           s.FSM.Current(),
	}
	switch state.Status {
	case ShareStateDownloading, ShareStateCompleted:
		state.BytesSent = s.BytesSent.Load()
	case ShareStateDeclined:
		state.Reason = s.reason
	case ShareStateError:
		state.ErrorCode = s.errCode
		state.ErrorMessage = s.errMessage
	}
	return state
}

// Snapshot returns the current state.
func (s *Share) Snapshot() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Share) publishLocked() {
	s.Bus.Publish(s.snapshot())
}

// StartDownload transitions pending → downloading and returns a context that
// is canceled when the sender cancels the share. A share in any other state
// yields the 409 code matching its terminal reason.
func (s *Share) StartDownload() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch current := s.FSM.Current(); current {
	case ShareStatePending:
	case ShareStateCanceled:
		return nil, smperrors.Newf(smperrors.CodeDownloadShareCanceled, "share %s was canceled", s.ID)
	case ShareStateDeclined:
		return nil, smperrors.Newf(smperrors.CodeDownloadShareDeclined, "share %s was declined", s.ID)
	default:
		return nil, smperrors.Newf(smperrors.CodeDownloadShareNotPending, "share %s is %s", s.ID, current)
	}

	if err := s.FSM.Event(context.Background(), ShareEventDownload); err != nil {
		return nil, smperrors.Newf(smperrors.CodeDownloadShareNotPending, "share %s is %s", s.ID, s.FSM.Current())
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.serveCancel = cancel
	s.publishLocked()
	return ctx, nil
}

// AddBytesSent advances the transfer progress and publishes it. Progress
// after leaving downloading is dropped.
func (s *Share) AddBytesSent(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FSM.Current() != ShareStateDownloading {
		return
	}
	s.BytesSent.Add(n)
	s.publishLocked()
}

// CompleteDownload finishes the transfer.
func (s *Share) CompleteDownload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FSM.Event(context.Background(), ShareEventComplete); err != nil {
		return
	}
	s.stopDropTimerLocked()
	s.publishLocked()
}

// Cancel terminates a pending offer or a running transfer.
func (s *Share) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FSM.Event(context.Background(), ShareEventCancel); err != nil {
		return smperrors.Newf(smperrors.CodeCancelNotCancelable, "share %s is %s", s.ID, s.FSM.Current())
	}
	if s.serveCancel != nil {
		s.serveCancel()
	}
	s.stopDropTimerLocked()
	s.publishLocked()
	return nil
}

// Decline records the receiver's refusal. Valid only while pending.
func (s *Share) Decline(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FSM.Event(context.Background(), ShareEventDecline); err != nil {
		return smperrors.Newf(smperrors.CodeDeclineNotPending, "share %s is %s", s.ID, s.FSM.Current())
	}
	s.reason = reason
	s.publishLocked()
	return nil
}

// ObserveDrop records an unexplained transport drop during serving. The
// share stays downloading for the reconcile window: a receiver status poll
// inside it means the receiver aborted; silence means the transfer failed.
func (s *Share) ObserveDrop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FSM.Current() != ShareStateDownloading || s.dropPending {
		return
	}

	// A status poll that raced ahead of the drop observation already
	// explains it: the receiver aborted.
	if !s.lastPeerPoll.IsZero() && time.Since(s.lastPeerPoll) < dropReconcileWindow {
		if err := s.FSM.Event(context.Background(), ShareEventAbort); err == nil {
			s.publishLocked()
		}
		return
	}

	s.dropPending = true
	s.dropTimer = time.AfterFunc(dropReconcileWindow, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.dropPending {
			return
		}
		s.dropPending = false
		if err := s.FSM.Event(context.Background(), ShareEventFail); err != nil {
			return
		}
		s.errCode = smperrors.CodeDownloadError
		s.errMessage = "transfer connection dropped"
		s.publishLocked()
	})
}

// ObservePeerPoll reconciles a pending drop: a status poll from the matched
// receiver key after the stream dropped means the receiver aborted.
func (s *Share) ObservePeerPoll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPeerPoll = time.Now()
	if !s.dropPending {
		return
	}
	s.dropPending = false
	s.stopDropTimerLocked()
	if err := s.FSM.Event(context.Background(), ShareEventAbort); err != nil {
		return
	}
	s.publishLocked()
}

// Evict tears the share down on TTL expiry: the serving stream is canceled
// and subscribers observe a clean end of stream.
func (s *Share) Evict() {
	s.mu.Lock()
	if s.serveCancel != nil {
		s.serveCancel()
	}
	s.stopDropTimerLocked()
	s.dropPending = false
	s.mu.Unlock()

	s.Bus.Close()
}

func (s *Share) stopDropTimerLocked() {
	if s.dropTimer != nil {
		s.dropTimer.Stop()
		s.dropTimer = nil
	}
}
