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

// Package daemon assembles the map-serving and share-transfer engine behind
// a small process factory.
package daemon

import (
	"github.com/pkg/errors"

	"github.com/smpkit/smpd/daemon/config"
	"github.com/smpkit/smpd/daemon/download"
	"github.com/smpkit/smpd/daemon/server"
	"github.com/smpkit/smpd/daemon/share"
	"github.com/smpkit/smpd/daemon/storage"
	"github.com/smpkit/smpd/daemon/transport"
	"github.com/smpkit/smpd/internal/smplog"
)

// Ports are the listeners' bound ports.
type Ports struct {
	LocalPort  int `json:"localPort"`
	RemotePort int `json:"remotePort"`
}

// Daemon is a constructed but not necessarily listening instance.
type Daemon struct {
	cfg       *config.Config
	store     *storage.Store
	client    *transport.Client
	shares    *share.Manager
	downloads *download.Manager
	server    *server.Server
}

// New validates cfg and assembles the daemon. The fallback slot must hold a
// valid package.
func New(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := storage.New(cfg.CustomMapPath, cfg.FallbackMapPath)
	if _, err := store.GetReader(storage.SlotFallback); err != nil {
		return nil, errors.Wrap(err, "open fallback package")
	}

	keyPair := &transport.KeyPair{
		PublicKey: cfg.KeyPair.PublicKey,
		SecretKey: cfg.KeyPair.SecretKey,
	}
	client := transport.NewClient(keyPair)
	shares := share.NewManager(store)
	downloads := download.NewManager(store, client)

	srv := server.New(&server.Config{
		KeyPair:               keyPair,
		DefaultOnlineStyleURL: cfg.DefaultOnlineStyleURL,
	}, store, shares, downloads, smplog.Logger())

	return &Daemon{
		cfg:       cfg,
		store:     store,
		client:    client,
		shares:    shares,
		downloads: downloads,
		server:    srv,
	}, nil
}

// Listen binds both listeners and returns the bound ports. Zero port
// requests pick OS-chosen ports. Listen after Close rebinds.
func (d *Daemon) Listen(localPort, remotePort int) (*Ports, error) {
	local, remote, err := d.server.Listen(localPort, remotePort)
	if err != nil {
		return nil, err
	}
	smplog.Infof("listening on 127.0.0.1:%d (loopback) and 0.0.0.0:%d (peer)", local, remote)
	return &Ports{LocalPort: local, RemotePort: remote}, nil
}

// Close stops the listeners and tears down both registries.
func (d *Daemon) Close() error {
	err := d.server.Close()
	d.shares.Stop()
	d.downloads.Stop()
	d.client.CloseIdleConnections()
	return err
}
