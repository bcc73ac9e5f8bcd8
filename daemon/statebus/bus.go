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

// Package statebus fans one entity's state out to event-stream subscribers.
// A subscriber always receives the snapshot taken at subscription time
// before any later update.
package statebus

import (
	"encoding/json"
	"sync"

	"github.com/smpkit/smpd/internal/smplog"
)

// subscriberBuffer bounds the per-subscriber queue. A subscriber that falls
// this far behind is dropped rather than stalling the producer.
const subscriberBuffer = 16

// Bus carries the current state of one Share or Download and its live
// subscribers.
type Bus struct {
	mu          sync.Mutex
	current     json.RawMessage
	subscribers []*Subscriber
	closed      bool
}

// New returns a Bus with the given initial state.
func New(initial any) (*Bus, error) {
	raw, err := json.Marshal(initial)
	if err != nil {
		return nil, err
	}
	return &Bus{current: raw}, nil
}

// Publish replaces the current state and delivers it to every subscriber in
// registration order. Delivery is queued per subscriber; a full queue drops
// that subscriber, never the producer.
func (b *Bus) Publish(state any) {
	raw, err := json.Marshal(state)
	if err != nil {
		smplog.Errorf("marshal state update: %s", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.current = raw

	alive := b.subscribers[:0]
	for _, sub := range b.subscribers {
		if sub.offer(raw) {
			alive = append(alive, sub)
		}
	}
	b.subscribers = alive
}

// Snapshot returns the current state.
func (b *Bus) Snapshot() json.RawMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Subscribe attaches a new subscriber whose first message is the current
// snapshot. There is no gap between the snapshot and later updates.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan json.RawMessage, subscriberBuffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	sub.offer(b.current)
	if b.closed {
		sub.close()
		return sub
	}
	b.subscribers = append(b.subscribers, sub)
	return sub
}

// Close delivers nothing further; every subscriber's channel ends after the
// messages already queued (the terminal state among them).
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		sub.close()
	}
	b.subscribers = nil
}

// Subscriber is one live event-stream attachment.
type Subscriber struct {
	mu     sync.Mutex
	ch     chan json.RawMessage
	closed bool
}

// Updates yields the snapshot followed by every published update. The
// channel closes on Bus teardown or Close.
func (s *Subscriber) Updates() <-chan json.RawMessage {
	return s.ch
}

// Close detaches the subscriber. Idempotent; the bus unlinks it lazily on
// the next publish.
func (s *Subscriber) Close() {
	s.close()
}

// offer enqueues without blocking. It reports false when the subscriber is
// gone or too far behind.
func (s *Subscriber) offer(raw json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- raw:
		return true
	default:
		s.closeLocked()
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Subscriber) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
