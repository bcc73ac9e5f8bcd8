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

package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-http-utils/headers"

	"github.com/smpkit/smpd/daemon/statebus"
)

// streamBus writes the bus's snapshot-then-updates sequence as server-sent
// events until the client disconnects or the entity is torn down.
func streamBus(c *gin.Context, bus *statebus.Bus) {
	sub := bus.Subscribe()
	defer sub.Close()

	c.Header(headers.ContentType, "text/event-stream")
	c.Header(headers.CacheControl, "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case message, ok := <-sub.Updates():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", message); err != nil {
				return
			}
			c.Writer.Flush()
		case <-clientGone:
			return
		}
	}
}
