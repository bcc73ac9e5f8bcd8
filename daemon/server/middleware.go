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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-http-utils/headers"

	"github.com/smpkit/smpd/internal/smperrors"
)

// cors adds the permissive CORS surface to every response and answers
// preflight.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header(headers.AccessControlAllowOrigin, "*")
		c.Header(headers.AccessControlAllowMethods, "GET,POST,PUT,DELETE,OPTIONS")
		c.Header(headers.AccessControlAllowHeaders, "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// loopbackOnly rejects requests that did not enter on the loopback
// listener.
func loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if originOf(c) != OriginLoopback {
			writeError(c, smperrors.New(smperrors.CodeForbidden, "loopback only"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// writeError renders the JSON error envelope with the status from the code
// table.
func writeError(c *gin.Context, err error) {
	smpErr := smperrors.Convert(err, smperrors.CodeInternal)
	c.JSON(smpErr.Status(), smpErr.Body())
}
