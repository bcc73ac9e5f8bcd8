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
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"
)

// maxFramePlaintext is the largest plaintext carried by one frame.
const maxFramePlaintext = maxFrameSize - 16

// Conn is an established authenticated connection. It satisfies net.Conn so
// an http.Server or http.Transport can run over it unchanged.
type Conn struct {
	raw net.Conn

	remoteStatic []byte

	readMu   sync.Mutex
	recv     *cipherState
	readBuf  []byte
	writeMu  sync.Mutex
	send     *cipherState
	frameBuf []byte
}

func newConn(raw net.Conn, send, recv *cipherState, remoteStatic []byte) *Conn {
	return &Conn{
		raw:          raw,
		send:         send,
		recv:         recv,
		remoteStatic: remoteStatic,
	}
}

// RemoteKey returns the peer's authenticated static public key.
func (c *Conn) RemoteKey() []byte {
	return c.remoteStatic
}

func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.readBuf) == 0 {
		var length [2]byte
		if _, err := io.ReadFull(c.raw, length[:]); err != nil {
			return 0, err
		}
		frame := make([]byte, binary.BigEndian.Uint16(length[:]))
		if _, err := io.ReadFull(c.raw, frame); err != nil {
			return 0, err
		}
		plaintext, err := c.recv.decrypt(frame, nil)
		if err != nil {
			return 0, err
		}
		c.readBuf = plaintext
	}

	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var written int
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFramePlaintext {
			chunk = chunk[:maxFramePlaintext]
		}

		ciphertext := c.send.encrypt(chunk, nil)
		c.frameBuf = c.frameBuf[:0]
		c.frameBuf = append(c.frameBuf, 0, 0)
		binary.BigEndian.PutUint16(c.frameBuf[:2], uint16(len(ciphertext)))
		c.frameBuf = append(c.frameBuf, ciphertext...)
		if _, err := c.raw.Write(c.frameBuf); err != nil {
			return written, err
		}

		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (c *Conn) Close() error {
	return c.raw.Close()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.raw.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.raw.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.raw.SetWriteDeadline(t)
}
