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

package transport

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrKeyMismatch reports a server that completed the handshake with a static
// key other than the demanded one.
var ErrKeyMismatch = errors.New("transport: server key mismatch")

// Client dials peers over the authenticated transport. Connections are
// pooled per (host, port, remote key) by the cached per-key http.Transport.
type Client struct {
	keyPair *KeyPair

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewClient returns a Client presenting keyPair on every handshake.
func NewClient(keyPair *KeyPair) *Client {
	return &Client{
		keyPair: keyPair,
		clients: make(map[string]*http.Client),
	}
}

// Do performs req against the peer expected to hold remoteKey. The dial
// fails with ErrKeyMismatch if the server authenticates with a different
// static key. Cancellation flows through req's context.
func (c *Client) Do(req *http.Request, remoteKey []byte) (*http.Response, error) {
	return c.httpClient(remoteKey).Do(req)
}

// CloseIdleConnections drops pooled connections across all peers.
func (c *Client) CloseIdleConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, client := range c.clients {
		client.CloseIdleConnections()
	}
}

func (c *Client) httpClient(remoteKey []byte) *http.Client {
	key := hex.EncodeToString(remoteKey)

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[key]; ok {
		return client
	}

	expected := append([]byte(nil), remoteKey...)
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return c.dial(ctx, addr, expected)
			},
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			// The stream is already encrypted; plain URLs only.
			TLSHandshakeTimeout: 0,
		},
	}
	c.clients[key] = client
	return client
}

// dial opens a TCP connection to addr, runs the initiator handshake, and
// verifies the server's static key in constant time.
func (c *Client) dial(ctx context.Context, addr string, expectedKey []byte) (net.Conn, error) {
	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		raw.SetDeadline(deadline)
	} else {
		raw.SetDeadline(time.Now().Add(handshakeTimeout))
	}

	send, recv, remoteStatic, err := initiatorHandshake(raw, c.keyPair)
	if err != nil {
		raw.Close()
		return nil, errors.Wrap(err, "handshake")
	}
	if subtle.ConstantTimeCompare(remoteStatic, expectedKey) != 1 {
		raw.Close()
		return nil, ErrKeyMismatch
	}
	raw.SetDeadline(time.Time{})

	return newConn(raw, send, recv, remoteStatic), nil
}

// DrainAndClose releases a response body so the connection can be pooled.
func DrainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}
