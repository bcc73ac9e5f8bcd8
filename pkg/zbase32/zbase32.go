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

// Package zbase32 implements the z-base-32 human-oriented encoding used for
// device IDs on the wire and in offers.
package zbase32

import (
	"crypto/subtle"

	"github.com/pkg/errors"
)

const alphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

var (
	// ErrInvalidCharacter reports a byte outside the z-base-32 alphabet.
	ErrInvalidCharacter = errors.New("zbase32: invalid character")

	// ErrInvalidLength reports a decoded value of unexpected size.
	ErrInvalidLength = errors.New("zbase32: invalid decoded length")
)

var decodeTable = func() [256]int8 {
	var table [256]int8
	for i := range table {
		table[i] = -1
	}
	for i, c := range alphabet {
		table[c] = int8(i)
	}
	return table
}()

// Encode returns the z-base-32 representation of src.
func Encode(src []byte) string {
	if len(src) == 0 {
		return ""
	}

	dst := make([]byte, 0, (len(src)*8+4)/5)
	var buffer, bits uint
	for _, b := range src {
		buffer = buffer<<8 | uint(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			dst = append(dst, alphabet[buffer>>bits&0x1f])
		}
	}
	if bits > 0 {
		dst = append(dst, alphabet[buffer<<(5-bits)&0x1f])
	}
	return string(dst)
}

// Decode returns the bytes encoded in s. Characters outside the alphabet
// fail with ErrInvalidCharacter; callers validate the decoded length.
func Decode(s string) ([]byte, error) {
	dst := make([]byte, 0, len(s)*5/8)
	var buffer, bits uint
	for i := 0; i < len(s); i++ {
		v := decodeTable[s[i]]
		if v < 0 {
			return nil, errors.Wrapf(ErrInvalidCharacter, "%q at offset %d", s[i], i)
		}
		buffer = buffer<<5 | uint(v)
		bits += 5
		if bits >= 8 {
			bits -= 8
			dst = append(dst, byte(buffer>>bits))
		}
	}
	return dst, nil
}

// DecodeKey decodes s and requires exactly size bytes, the shape of a device
// public key. Wrong size after a clean decode fails with ErrInvalidLength.
func DecodeKey(s string, size int) ([]byte, error) {
	raw, err := Decode(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != size {
		return nil, errors.Wrapf(ErrInvalidLength, "got %d bytes, want %d", len(raw), size)
	}
	return raw, nil
}

// KeyEqual compares two keys in constant time. Differing lengths are
// handled without early exit on content.
func KeyEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
