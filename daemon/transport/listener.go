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
	"net"
	"time"

	"github.com/smpkit/smpd/internal/smplog"
)

// handshakeTimeout bounds the responder handshake so a stalled dialer cannot
// pin the accept loop's connection.
const handshakeTimeout = 10 * time.Second

// Listener accepts authenticated connections. Accept returns a *Conn whose
// RemoteKey carries the dialer's verified static key.
type Listener struct {
	inner   net.Listener
	keyPair *KeyPair
}

// Listen binds addr and serves the responder side of the handshake.
func Listen(addr string, keyPair *KeyPair) (*Listener, error) {
	inner, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{inner: inner, keyPair: keyPair}, nil
}

// NewListener wraps an already bound TCP listener.
func NewListener(inner net.Listener, keyPair *KeyPair) *Listener {
	return &Listener{inner: inner, keyPair: keyPair}
}

// Accept completes a handshake on the next inbound connection. Connections
// failing the handshake are dropped and the accept loop continues.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		raw, err := l.inner.Accept()
		if err != nil {
			return nil, err
		}

		raw.SetDeadline(time.Now().Add(handshakeTimeout))
		send, recv, remoteStatic, err := responderHandshake(raw, l.keyPair)
		if err != nil {
			smplog.Warnf("handshake with %s failed: %s", raw.RemoteAddr(), err)
			raw.Close()
			continue
		}
		raw.SetDeadline(time.Time{})

		return newConn(raw, send, recv, remoteStatic), nil
	}
}

func (l *Listener) Close() error {
	return l.inner.Close()
}

func (l *Listener) Addr() net.Addr {
	return l.inner.Addr()
}
