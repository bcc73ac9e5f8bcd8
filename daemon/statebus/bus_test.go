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

package statebus

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState struct {
	Status string `json:"status"`
	Bytes  int64  `json:"bytes,omitempty"`
}

func TestBus_SnapshotFirst(t *testing.T) {
	assert := assert.New(t)

	bus, err := New(&testState{Status: "pending"})
	require.NoError(t, err)

	sub := bus.Subscribe()
	defer sub.Close()

	var state testState
	require.NoError(t, json.Unmarshal(<-sub.Updates(), &state))
	assert.Equal("pending", state.Status)
}

func TestBus_NoGapBetweenSnapshotAndUpdates(t *testing.T) {
	assert := assert.New(t)

	bus, err := New(&testState{Status: "downloading", Bytes: 0})
	require.NoError(t, err)

	sub := bus.Subscribe()
	defer sub.Close()

	for i := int64(1); i <= 5; i++ {
		bus.Publish(&testState{Status: "downloading", Bytes: i * 100})
	}
	bus.Publish(&testState{Status: "completed", Bytes: 500})

	var got []testState
	for i := 0; i < 7; i++ {
		var state testState
		require.NoError(t, json.Unmarshal(<-sub.Updates(), &state))
		got = append(got, state)
	}

	// Snapshot, then every update in publish order.
	assert.Equal(testState{Status: "downloading"}, got[0])
	for i := 1; i <= 5; i++ {
		assert.Equal(int64(i*100), got[i].Bytes)
	}
	assert.Equal("completed", got[6].Status)
}

func TestBus_LateSubscriberSeesCurrentState(t *testing.T) {
	assert := assert.New(t)

	bus, err := New(&testState{Status: "pending"})
	require.NoError(t, err)
	bus.Publish(&testState{Status: "canceled"})

	sub := bus.Subscribe()
	defer sub.Close()

	var state testState
	require.NoError(t, json.Unmarshal(<-sub.Updates(), &state))
	assert.Equal("canceled", state.Status)
}

func TestBus_SlowSubscriberDropped(t *testing.T) {
	assert := assert.New(t)

	bus, err := New(&testState{Status: "downloading"})
	require.NoError(t, err)

	slow := bus.Subscribe()
	// Never drained: the snapshot plus subscriberBuffer-1 updates fit,
	// the overflowing publish drops the subscriber.
	for i := 0; i < subscriberBuffer+4; i++ {
		bus.Publish(&testState{Status: "downloading", Bytes: int64(i)})
	}

	var count int
	for range slow.Updates() {
		count++
	}
	assert.Equal(subscriberBuffer, count)

	// The producer is unaffected.
	fresh := bus.Subscribe()
	defer fresh.Close()
	var state testState
	require.NoError(t, json.Unmarshal(<-fresh.Updates(), &state))
	assert.Equal(int64(subscriberBuffer+3), state.Bytes)
}

func TestBus_CloseEndsStreams(t *testing.T) {
	assert := assert.New(t)

	bus, err := New(&testState{Status: "pending"})
	require.NoError(t, err)

	sub := bus.Subscribe()
	bus.Publish(&testState{Status: "aborted"})
	bus.Close()

	var last testState
	var messages int
	for raw := range sub.Updates() {
		require.NoError(t, json.Unmarshal(raw, &last))
		messages++
	}
	assert.Equal(2, messages)
	assert.Equal("aborted", last.Status)

	// Publish after close is a no-op and must not panic.
	bus.Publish(&testState{Status: "pending"})

	// A subscriber attached after close observes the terminal snapshot,
	// then end of stream.
	late := bus.Subscribe()
	raw, ok := <-late.Updates()
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(raw, &last))
	assert.Equal("aborted", last.Status)
	_, ok = <-late.Updates()
	assert.False(ok)
}

func TestSubscriber_CloseIdempotent(t *testing.T) {
	bus, err := New(&testState{Status: "pending"})
	require.NoError(t, err)

	sub := bus.Subscribe()
	sub.Close()
	sub.Close()

	// A publish after subscriber close unlinks it lazily.
	bus.Publish(&testState{Status: "completed"})
}

func TestBus_ManySubscribersOrdered(t *testing.T) {
	bus, err := New(&testState{Status: "downloading"})
	require.NoError(t, err)

	var subs []*Subscriber
	for i := 0; i < 4; i++ {
		subs = append(subs, bus.Subscribe())
	}
	for i := 1; i <= 3; i++ {
		bus.Publish(&testState{Status: "downloading", Bytes: int64(i)})
	}

	for n, sub := range subs {
		var prev int64 = -1
		for i := 0; i < 4; i++ {
			var state testState
			require.NoError(t, json.Unmarshal(<-sub.Updates(), &state), fmt.Sprintf("subscriber %d", n))
			require.GreaterOrEqual(t, state.Bytes, prev)
			prev = state.Bytes
		}
		sub.Close()
	}
}
