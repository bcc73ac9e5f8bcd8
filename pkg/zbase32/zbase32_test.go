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

package zbase32

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "empty",
			data: nil,
		},
		{
			name: "single byte",
			data: []byte{0x00},
		},
		{
			name: "short",
			data: []byte("foo"),
		},
		{
			name: "key sized",
			data: bytes.Repeat([]byte{0xa5}, 32),
		},
		{
			name: "all byte values",
			data: func() []byte {
				data := make([]byte, 256)
				for i := range data {
					data[i] = byte(i)
				}
				return data
			}(),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)
			encoded := Encode(tc.data)
			decoded, err := Decode(encoded)
			assert.NoError(err)
			if len(tc.data) == 0 {
				assert.Empty(decoded)
				return
			}
			assert.Equal(tc.data, decoded)
		})
	}
}

func TestDecode_InvalidCharacter(t *testing.T) {
	assert := assert.New(t)

	// 'l' and 'v' are not in the z-base-32 alphabet, nor is uppercase.
	for _, input := range []string{"yyl", "vyy", "YBND", "yy y"} {
		_, err := Decode(input)
		assert.Error(err, input)
		assert.Equal(ErrInvalidCharacter, errors.Cause(err), input)
	}
}

func TestDecodeKey_Length(t *testing.T) {
	assert := assert.New(t)

	key := bytes.Repeat([]byte{0x42}, 32)
	decoded, err := DecodeKey(Encode(key), 32)
	assert.NoError(err)
	assert.Equal(key, decoded)

	// A clean decode of the wrong size is a length error, not an
	// alphabet error.
	_, err = DecodeKey(Encode([]byte("short")), 32)
	assert.Error(err)
	assert.Equal(ErrInvalidLength, errors.Cause(err))
}

func TestKeyEqual(t *testing.T) {
	assert := assert.New(t)

	a := bytes.Repeat([]byte{0x01}, 32)
	b := bytes.Repeat([]byte{0x01}, 32)
	assert.True(KeyEqual(a, b))

	b[31] = 0x02
	assert.False(KeyEqual(a, b))
	assert.False(KeyEqual(a, a[:16]))
}
