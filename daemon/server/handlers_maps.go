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
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-http-utils/headers"

	"github.com/smpkit/smpd/daemon/storage"
	"github.com/smpkit/smpd/internal/smperrors"
	"github.com/smpkit/smpd/internal/smplog"
)

// slotDefault is the virtual slot resolved through the fallback chain.
const slotDefault = "default"

// getMapResource serves info, the style document, and in-package resources
// for one slot.
func (s *Server) getMapResource(c *gin.Context) {
	slotName := c.Param("slot")
	resource := strings.TrimPrefix(c.Param("resource"), "/")

	if slotName == slotDefault {
		if resource != "style.json" {
			writeError(c, smperrors.Newf(smperrors.CodeResourceNotFound, "no resource %s for the default map", resource))
			return
		}
		s.getDefaultStyle(c)
		return
	}

	slotID := storage.SlotID(slotName)
	if !s.store.Has(slotID) {
		writeError(c, smperrors.Newf(smperrors.CodeMapNotFound, "unknown map slot %q", slotName))
		return
	}

	switch resource {
	case "info":
		info, err := s.store.GetInfo(slotID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, info)

	case "style.json":
		reader, err := s.store.GetReader(slotID)
		if err != nil {
			writeError(c, err)
			return
		}
		style, err := reader.GetStyle(fmt.Sprintf("http://%s/maps/%s", c.Request.Host, slotName))
		if err != nil {
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json", style)

	default:
		reader, err := s.store.GetReader(slotID)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := reader.ServeResource(c.Writer, c.Request, resource); err != nil {
			if !c.Writer.Written() {
				writeError(c, err)
				return
			}
			smplog.Warnf("serve %s/%s: %s", slotName, resource, err)
		}
	}
}

// getDefaultStyle redirects to the first available style candidate:
// custom, the configured online style, then fallback.
func (s *Server) getDefaultStyle(c *gin.Context) {
	c.Header(headers.CacheControl, "no-cache")

	if s.probeLocalStyle(storage.SlotCustom) {
		c.Redirect(http.StatusFound, fmt.Sprintf("http://%s/maps/%s/style.json", c.Request.Host, storage.SlotCustom))
		return
	}

	if url := s.cfg.DefaultOnlineStyleURL; url != "" && probeOnlineStyle(c.Request.Context(), url) {
		c.Redirect(http.StatusFound, url)
		return
	}

	if s.probeLocalStyle(storage.SlotFallback) {
		c.Redirect(http.StatusFound, fmt.Sprintf("http://%s/maps/%s/style.json", c.Request.Host, storage.SlotFallback))
		return
	}

	writeError(c, smperrors.New(smperrors.CodeMapNotFound, "no map style available"))
}

// probeLocalStyle dispatches the slot's style route internally, without
// touching the socket.
func (s *Server) probeLocalStyle(slotID storage.SlotID) bool {
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/maps/%s/style.json", slotID), nil)
	req = req.WithContext(context.WithValue(req.Context(), originContextKey, OriginLoopback))
	recorder := httptest.NewRecorder()
	s.engine.ServeHTTP(recorder, req)
	return recorder.Code == http.StatusOK
}

// probeOnlineStyle checks the configured online style with an outbound
// fetch.
func probeOnlineStyle(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

// putMap installs the request body as the custom slot's package.
func (s *Server) putMap(c *gin.Context) {
	slotName := c.Param("slot")
	if err := s.requireMutableSlot(slotName); err != nil {
		writeError(c, err)
		return
	}

	sink, err := s.store.OpenWrite(storage.SlotCustom)
	if err != nil {
		writeError(c, err)
		return
	}

	written, err := io.Copy(sink, c.Request.Body)
	if err != nil {
		sink.Abort()
		writeError(c, smperrors.Newf(smperrors.CodeInvalidMapFile, "read upload: %s", err))
		return
	}
	if written == 0 {
		sink.Abort()
		writeError(c, smperrors.New(smperrors.CodeInvalidMapFile, "empty map package"))
		return
	}

	if err := sink.Close(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteMap removes the custom slot's package.
func (s *Server) deleteMap(c *gin.Context) {
	slotName := c.Param("slot")
	if err := s.requireMutableSlot(slotName); err != nil {
		writeError(c, err)
		return
	}

	if err := s.store.Delete(storage.SlotCustom); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// requireMutableSlot admits only the custom slot for mutations: the known
// immutable names are forbidden, anything else is unknown.
func (s *Server) requireMutableSlot(slotName string) error {
	switch {
	case slotName == string(storage.SlotCustom):
		return nil
	case slotName == slotDefault || s.store.Has(storage.SlotID(slotName)):
		return smperrors.Newf(smperrors.CodeForbidden, "map slot %q is read-only", slotName)
	default:
		return smperrors.Newf(smperrors.CodeMapNotFound, "unknown map slot %q", slotName)
	}
}
