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

	"github.com/smpkit/smpd/daemon/download"
	"github.com/smpkit/smpd/internal/smperrors"
)

type createDownloadRequest struct {
	ShareID            string   `json:"shareId" binding:"required"`
	SenderDeviceID     string   `json:"senderDeviceId" binding:"required"`
	PeerURLs           []string `json:"peerUrls" binding:"required,min=1,dive,url"`
	EstimatedSizeBytes int64    `json:"estimatedSizeBytes" binding:"gte=0"`
}

// createDownload starts installing an offered share into the custom slot.
func (s *Server) createDownload(c *gin.Context) {
	var req createDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, smperrors.Newf(smperrors.CodeInvalidRequest, "invalid download request: %s", err))
		return
	}

	d, err := s.downloads.Create(&download.Offer{
		ShareID:            req.ShareID,
		SenderDeviceID:     req.SenderDeviceID,
		PeerURLs:           req.PeerURLs,
		EstimatedSizeBytes: req.EstimatedSizeBytes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d.Snapshot())
}

// listDownloads returns every live download.
func (s *Server) listDownloads(c *gin.Context) {
	downloads := s.downloads.List()
	states := make([]*download.State, 0, len(downloads))
	for _, d := range downloads {
		states = append(states, d.Snapshot())
	}
	c.JSON(http.StatusOK, states)
}

// getDownload returns one download's state.
func (s *Server) getDownload(c *gin.Context) {
	d, err := s.downloads.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d.Snapshot())
}

// downloadEvents streams the download's state over SSE.
func (s *Server) downloadEvents(c *gin.Context) {
	d, err := s.downloads.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	streamBus(c, d.Bus)
}

// abortDownload terminates a running download.
func (s *Server) abortDownload(c *gin.Context) {
	if err := s.downloads.Abort(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
