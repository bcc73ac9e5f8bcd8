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

package netutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternalIPv4s(t *testing.T) {
	assert := assert.New(t)

	ips, err := ExternalIPv4s()
	require.NoError(t, err)
	for _, ip := range ips {
		assert.False(IsLoopback(ip), ip)
	}
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		host   string
		expect bool
	}{
		{host: "127.0.0.1", expect: true},
		{host: "127.1.2.3", expect: true},
		{host: "::1", expect: true},
		{host: "192.168.1.20", expect: false},
		{host: "0.0.0.0", expect: false},
		{host: "not-an-ip", expect: false},
		{host: "", expect: false},
	}

	for _, tc := range tests {
		t.Run(tc.host, func(t *testing.T) {
			assert.Equal(t, tc.expect, IsLoopback(tc.host))
		})
	}
}
