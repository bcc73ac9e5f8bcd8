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

// Package share holds the sender-side registry of outgoing map share
// offers.
package share

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/smpkit/smpd/daemon/storage"
	"github.com/smpkit/smpd/internal/smperrors"
	"github.com/smpkit/smpd/internal/smplog"
	"github.com/smpkit/smpd/pkg/idgen"
)

// entryTTL evicts shares 15 minutes after creation regardless of state.
const entryTTL = 15 * time.Minute

// Manager is the share registry.
type Manager struct {
	store    *storage.Store
	shares   *ttlcache.Cache[string, *Share]
	stopOnce sync.Once
}

// NewManager returns a started Manager reaping expired shares.
func NewManager(store *storage.Store) *Manager {
	shares := ttlcache.New[string, *Share](
		ttlcache.WithTTL[string, *Share](entryTTL),
		ttlcache.WithDisableTouchOnHit[string, *Share](),
	)
	shares.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Share]) {
		smplog.WithShareID(item.Key()).Infof("share evicted (reason %d)", reason)
		item.Value().Evict()
	})
	go shares.Start()

	return &Manager{store: store, shares: shares}
}

// Create registers a fresh share of slotID's current contents for the
// receiver. peerURLs derives the offer URLs from the allocated share id.
// Multiple live shares per (receiver, slot) are permitted.
func (m *Manager) Create(slotID storage.SlotID, receiverKey []byte, peerURLs func(shareID string) []string) (*Share, error) {
	mapInfo, err := m.store.GetInfo(slotID)
	if err != nil {
		return nil, err
	}

	id := idgen.ShareID()
	s, err := New(id, mapInfo, receiverKey, peerURLs(id))
	if err != nil {
		return nil, err
	}
	m.shares.Set(s.ID, s, ttlcache.DefaultTTL)
	s.Log.Infof("share created for slot %q (%d bytes)", slotID, mapInfo.EstimatedSizeBytes)
	return s, nil
}

// Get looks a share up by id.
func (m *Manager) Get(id string) (*Share, error) {
	item := m.shares.Get(id)
	if item == nil {
		return nil, smperrors.Newf(smperrors.CodeMapShareNotFound, "no share %s", id)
	}
	return item.Value(), nil
}

// List returns all live shares.
func (m *Manager) List() []*Share {
	items := m.shares.Items()
	shares := make([]*Share, 0, len(items))
	for _, item := range items {
		shares = append(shares, item.Value())
	}
	return shares
}

// Stop ends the TTL sweeper and tears down every live share. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.shares.Stop()
		for _, item := range m.shares.Items() {
			item.Value().Evict()
		}
	})
}
