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
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-http-utils/headers"

	"github.com/smpkit/smpd/daemon/share"
	"github.com/smpkit/smpd/daemon/storage"
	"github.com/smpkit/smpd/daemon/transport"
	"github.com/smpkit/smpd/internal/smperrors"
	"github.com/smpkit/smpd/pkg/zbase32"
)

// packageContentType is the media type of a streamed map package.
const packageContentType = "application/vnd.smp+zip"

type createShareRequest struct {
	SlotID           string `json:"slotId" binding:"required"`
	ReceiverDeviceID string `json:"receiverDeviceId" binding:"required"`
}

type declineShareRequest struct {
	Reason string `json:"reason"`

	// Fan-out fields used on the receiver's loopback surface, where the
	// share lives at the sender.
	SenderDeviceID string   `json:"senderDeviceId"`
	PeerURLs       []string `json:"peerUrls"`
}

// createShare offers the slot's current contents to one receiver device.
func (s *Server) createShare(c *gin.Context) {
	var req createShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, smperrors.Newf(smperrors.CodeInvalidRequest, "invalid share request: %s", err))
		return
	}

	receiverKey, err := zbase32.DecodeKey(req.ReceiverDeviceID, transport.KeySize)
	if err != nil {
		writeError(c, smperrors.Newf(smperrors.CodeInvalidRequest, "receiverDeviceId: %s", err))
		return
	}

	sh, err := s.shares.Create(storage.SlotID(req.SlotID), receiverKey, s.PeerURLs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sh.Snapshot())
}

// listShares returns every live share.
func (s *Server) listShares(c *gin.Context) {
	shares := s.shares.List()
	states := make([]*share.State, 0, len(shares))
	for _, sh := range shares {
		states = append(states, sh.Snapshot())
	}
	c.JSON(http.StatusOK, states)
}

// getShare serves the share's state: introspection on loopback, the
// receiver's authorized view on the peer listener. A peer poll after a
// stream drop reconciles the share to aborted.
func (s *Server) getShare(c *gin.Context) {
	sh, err := s.shares.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	if originOf(c) == OriginPeer {
		if !s.authorizePeer(c, sh) {
			return
		}
		sh.ObservePeerPoll()
	}

	c.JSON(http.StatusOK, sh.Snapshot())
}

// shareEvents streams the share's state over SSE.
func (s *Server) shareEvents(c *gin.Context) {
	sh, err := s.shares.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	streamBus(c, sh.Bus)
}

// cancelShare terminates a pending offer or running transfer.
func (s *Server) cancelShare(c *gin.Context) {
	sh, err := s.shares.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := sh.Cancel(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// downloadShare streams the offered package to the authorized receiver.
// Only a pending share opens; the transition to downloading happens under
// the share lock before any bytes flow.
func (s *Server) downloadShare(c *gin.Context) {
	sh, err := s.shares.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if originOf(c) != OriginPeer {
		writeError(c, smperrors.New(smperrors.CodeForbidden, "peer route"))
		return
	}
	if !s.authorizePeer(c, sh) {
		return
	}

	stream, size, err := s.store.OpenRead(storage.SlotCustom)
	if err != nil {
		writeError(c, err)
		return
	}
	defer stream.Close()

	serveCtx, err := sh.StartDownload()
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header(headers.ContentType, packageContentType)
	c.Header(headers.ContentLength, strconv.FormatInt(size, 10))
	c.Status(http.StatusOK)

	buf := make([]byte, 256*1024)
	var sent int64
	for {
		if serveCtx.Err() != nil {
			// Sender canceled; the receiver observes the drop and
			// reconciles against our status.
			return
		}

		n, readErr := stream.Read(buf)
		if n > 0 {
			if _, err := c.Writer.Write(buf[:n]); err != nil {
				sh.Log.Infof("stream write failed after %d bytes: %s", sent, err)
				sh.ObserveDrop()
				return
			}
			c.Writer.Flush()
			sent += int64(n)
			sh.AddBytesSent(int64(n))
		}
		if readErr != nil {
			break
		}
	}

	if sent == size {
		sh.CompleteDownload()
		return
	}
	sh.Log.Errorf("package stream ended early at %d of %d bytes", sent, size)
	sh.ObserveDrop()
}

// declineShare refuses an offer. On the peer listener the key-matched
// receiver declines this sender's share; on loopback the decline fans out
// to the offer's sender URLs.
func (s *Server) declineShare(c *gin.Context) {
	var req declineShareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, smperrors.Newf(smperrors.CodeInvalidRequest, "invalid decline request: %s", err))
		return
	}

	if originOf(c) == OriginLoopback {
		if req.SenderDeviceID == "" || len(req.PeerURLs) == 0 {
			writeError(c, smperrors.New(smperrors.CodeInvalidRequest, "decline requires senderDeviceId and peerUrls"))
			return
		}
		if err := s.downloads.DeclineRemote(req.SenderDeviceID, req.PeerURLs, req.Reason); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}

	sh, err := s.shares.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !s.authorizePeer(c, sh) {
		return
	}
	if err := sh.Decline(req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// authorizePeer enforces the peer-key match: the request's authenticated
// key must equal the share's receiver key, compared in constant time.
func (s *Server) authorizePeer(c *gin.Context, sh *share.Share) bool {
	key := remoteKeyOf(c)
	if len(key) == 0 || !zbase32.KeyEqual(key, sh.ReceiverKey) {
		writeError(c, smperrors.New(smperrors.CodeForbidden, "not the share receiver"))
		return false
	}
	return true
}
