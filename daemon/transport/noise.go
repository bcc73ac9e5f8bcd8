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

// Package transport provides HTTP over an encrypted, mutually authenticated
// TCP stream. Each connection runs an XX-pattern handshake that yields both
// parties' long-term public keys; the server surfaces the client's key per
// request, the client refuses servers presenting an unexpected key.
package transport

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the byte length of static and ephemeral keys.
const KeySize = 32

const protocolName = "Noise_XX_25519_ChaChaPoly_SHA256"

// maxFrameSize bounds one encrypted frame, including the AEAD tag.
const maxFrameSize = 65535

var errAuthentication = errors.New("transport: message authentication failed")

// KeyPair is a curve25519 static key pair.
type KeyPair struct {
	PublicKey []byte
	SecretKey []byte
}

// GenerateKeyPair creates a fresh static key pair.
func GenerateKeyPair() (*KeyPair, error) {
	secret := make([]byte, KeySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	public, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PublicKey: public, SecretKey: secret}, nil
}

func generateEphemeral() (public, secret []byte, err error) {
	secret = make([]byte, KeySize)
	if _, err = rand.Read(secret); err != nil {
		return nil, nil, err
	}
	public, err = curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return public, secret, nil
}

// cipherState is an AEAD with the Noise nonce schedule.
type cipherState struct {
	aead  cipher.AEAD
	nonce uint64
}

func newCipherState(key []byte) (*cipherState, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &cipherState{aead: aead}, nil
}

func (cs *cipherState) nextNonce() []byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], cs.nonce)
	cs.nonce++
	return nonce[:]
}

func (cs *cipherState) encrypt(plaintext, ad []byte) []byte {
	return cs.aead.Seal(nil, cs.nextNonce(), plaintext, ad)
}

func (cs *cipherState) decrypt(ciphertext, ad []byte) ([]byte, error) {
	plaintext, err := cs.aead.Open(nil, cs.nextNonce(), ciphertext, ad)
	if err != nil {
		return nil, errAuthentication
	}
	return plaintext, nil
}

// symmetricState is the Noise chaining-key/hash transcript.
type symmetricState struct {
	ck []byte
	h  []byte
	cs *cipherState
}

func newSymmetricState() *symmetricState {
	h := sha256.Sum256([]byte(protocolName))
	ss := &symmetricState{h: h[:]}
	ss.ck = append([]byte(nil), ss.h...)
	return ss
}

func (ss *symmetricState) mixHash(data []byte) {
	digest := sha256.New()
	digest.Write(ss.h)
	digest.Write(data)
	ss.h = digest.Sum(nil)
}

func (ss *symmetricState) mixKey(input []byte) error {
	ck, key := hkdf2(ss.ck, input)
	ss.ck = ck
	cs, err := newCipherState(key)
	if err != nil {
		return err
	}
	ss.cs = cs
	return nil
}

func (ss *symmetricState) encryptAndHash(plaintext []byte) []byte {
	if ss.cs == nil {
		ss.mixHash(plaintext)
		return plaintext
	}
	ciphertext := ss.cs.encrypt(plaintext, ss.h)
	ss.mixHash(ciphertext)
	return ciphertext
}

func (ss *symmetricState) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if ss.cs == nil {
		ss.mixHash(ciphertext)
		return ciphertext, nil
	}
	plaintext, err := ss.cs.decrypt(ciphertext, ss.h)
	if err != nil {
		return nil, err
	}
	ss.mixHash(ciphertext)
	return plaintext, nil
}

func (ss *symmetricState) split() (*cipherState, *cipherState, error) {
	k1, k2 := hkdf2(ss.ck, nil)
	cs1, err := newCipherState(k1)
	if err != nil {
		return nil, nil, err
	}
	cs2, err := newCipherState(k2)
	if err != nil {
		return nil, nil, err
	}
	return cs1, cs2, nil
}

// hkdf2 is the two-output Noise HKDF over HMAC-SHA256.
func hkdf2(chainingKey, input []byte) ([]byte, []byte) {
	extract := hmac.New(sha256.New, chainingKey)
	extract.Write(input)
	tempKey := extract.Sum(nil)

	expand1 := hmac.New(sha256.New, tempKey)
	expand1.Write([]byte{0x01})
	out1 := expand1.Sum(nil)

	expand2 := hmac.New(sha256.New, tempKey)
	expand2.Write(out1)
	expand2.Write([]byte{0x02})
	out2 := expand2.Sum(nil)

	return out1, out2
}

func dh(secret, public []byte) ([]byte, error) {
	shared, err := curve25519.X25519(secret, public)
	if err != nil {
		return nil, errors.Wrap(err, "diffie-hellman")
	}
	return shared, nil
}

func writeHandshakeMessage(conn net.Conn, message []byte) error {
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(message)))
	if _, err := conn.Write(length[:]); err != nil {
		return err
	}
	_, err := conn.Write(message)
	return err
}

func readHandshakeMessage(conn net.Conn) ([]byte, error) {
	var length [2]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		return nil, err
	}
	message := make([]byte, binary.BigEndian.Uint16(length[:]))
	if _, err := io.ReadFull(conn, message); err != nil {
		return nil, err
	}
	return message, nil
}

// initiatorHandshake runs the XX pattern as initiator and returns the
// transport ciphers and the responder's authenticated static key.
func initiatorHandshake(conn net.Conn, keyPair *KeyPair) (send, recv *cipherState, remoteStatic []byte, err error) {
	ss := newSymmetricState()

	// -> e
	ePublic, eSecret, err := generateEphemeral()
	if err != nil {
		return nil, nil, nil, err
	}
	ss.mixHash(ePublic)
	if err := writeHandshakeMessage(conn, ePublic); err != nil {
		return nil, nil, nil, err
	}

	// <- e, ee, s, es
	message, err := readHandshakeMessage(conn)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(message) != KeySize+KeySize+16+16 {
		return nil, nil, nil, errors.Errorf("transport: malformed handshake response (%d bytes)", len(message))
	}
	rePublic := message[:KeySize]
	ss.mixHash(rePublic)
	ee, err := dh(eSecret, rePublic)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := ss.mixKey(ee); err != nil {
		return nil, nil, nil, err
	}
	remoteStatic, err = ss.decryptAndHash(message[KeySize : KeySize+KeySize+16])
	if err != nil {
		return nil, nil, nil, err
	}
	es, err := dh(eSecret, remoteStatic)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := ss.mixKey(es); err != nil {
		return nil, nil, nil, err
	}
	if _, err := ss.decryptAndHash(message[KeySize+KeySize+16:]); err != nil {
		return nil, nil, nil, err
	}

	// -> s, se
	var out []byte
	out = append(out, ss.encryptAndHash(keyPair.PublicKey)...)
	se, err := dh(keyPair.SecretKey, rePublic)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := ss.mixKey(se); err != nil {
		return nil, nil, nil, err
	}
	out = append(out, ss.encryptAndHash(nil)...)
	if err := writeHandshakeMessage(conn, out); err != nil {
		return nil, nil, nil, err
	}

	send, recv, err = ss.split()
	if err != nil {
		return nil, nil, nil, err
	}
	return send, recv, remoteStatic, nil
}

// responderHandshake runs the XX pattern as responder and returns the
// transport ciphers and the initiator's authenticated static key.
func responderHandshake(conn net.Conn, keyPair *KeyPair) (send, recv *cipherState, remoteStatic []byte, err error) {
	ss := newSymmetricState()

	// <- e
	message, err := readHandshakeMessage(conn)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(message) != KeySize {
		return nil, nil, nil, errors.Errorf("transport: malformed handshake initiation (%d bytes)", len(message))
	}
	rePublic := append([]byte(nil), message...)
	ss.mixHash(rePublic)

	// -> e, ee, s, es
	ePublic, eSecret, err := generateEphemeral()
	if err != nil {
		return nil, nil, nil, err
	}
	ss.mixHash(ePublic)
	ee, err := dh(eSecret, rePublic)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := ss.mixKey(ee); err != nil {
		return nil, nil, nil, err
	}
	var out []byte
	out = append(out, ePublic...)
	out = append(out, ss.encryptAndHash(keyPair.PublicKey)...)
	es, err := dh(keyPair.SecretKey, rePublic)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := ss.mixKey(es); err != nil {
		return nil, nil, nil, err
	}
	out = append(out, ss.encryptAndHash(nil)...)
	if err := writeHandshakeMessage(conn, out); err != nil {
		return nil, nil, nil, err
	}

	// <- s, se
	message, err = readHandshakeMessage(conn)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(message) != KeySize+16+16 {
		return nil, nil, nil, errors.Errorf("transport: malformed handshake completion (%d bytes)", len(message))
	}
	remoteStatic, err = ss.decryptAndHash(message[:KeySize+16])
	if err != nil {
		return nil, nil, nil, err
	}
	se, err := dh(eSecret, remoteStatic)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := ss.mixKey(se); err != nil {
		return nil, nil, nil, err
	}
	if _, err := ss.decryptAndHash(message[KeySize+16:]); err != nil {
		return nil, nil, nil, err
	}

	recv, send, err = ss.split()
	if err != nil {
		return nil, nil, nil, err
	}
	return send, recv, remoteStatic, nil
}
