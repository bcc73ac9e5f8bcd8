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

// Package server binds the loopback and peer listeners to one request
// router and carries the HTTP surfaces of the daemon.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smpkit/smpd/daemon/download"
	"github.com/smpkit/smpd/daemon/share"
	"github.com/smpkit/smpd/daemon/storage"
	"github.com/smpkit/smpd/daemon/transport"
	"github.com/smpkit/smpd/pkg/netutils"
)

// Origin tags where a request entered the daemon.
type Origin int

const (
	// OriginLoopback is the 127.0.0.1 plain HTTP listener.
	OriginLoopback Origin = iota

	// OriginPeer is the all-interfaces authenticated listener.
	OriginPeer
)

type contextKey int

const (
	originContextKey contextKey = iota
	remoteKeyContextKey
)

// Config carries the server's construction options.
type Config struct {
	KeyPair               *transport.KeyPair
	DefaultOnlineStyleURL string
}

// Server owns both listeners and the shared router.
type Server struct {
	cfg       *Config
	store     *storage.Store
	shares    *share.Manager
	downloads *download.Manager
	engine    *gin.Engine

	mu         sync.Mutex
	localSrv   *http.Server
	peerSrv    *http.Server
	localPort  int
	remotePort int
}

// New wires the router over the given managers.
func New(cfg *Config, store *storage.Store, shares *share.Manager, downloads *download.Manager, log *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		shares:    shares,
		downloads: downloads,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(ginzap.CustomRecoveryWithZap(log, true, func(c *gin.Context, _ any) {
		writeError(c, fmt.Errorf("internal error"))
		c.Abort()
	}))
	engine.Use(ginzap.Ginzap(log, "", false))
	engine.Use(cors())

	engine.GET("/healthy", loopbackOnly(), s.getHealth)

	maps := engine.Group("/maps", loopbackOnly())
	maps.GET("/:slot/*resource", s.getMapResource)
	maps.PUT("/:slot", s.putMap)
	maps.DELETE("/:slot", s.deleteMap)

	mapShares := engine.Group("/mapShares")
	mapShares.POST("", loopbackOnly(), s.createShare)
	mapShares.GET("", loopbackOnly(), s.listShares)
	mapShares.GET("/:id", s.getShare)
	mapShares.GET("/:id/events", loopbackOnly(), s.shareEvents)
	mapShares.POST("/:id/cancel", loopbackOnly(), s.cancelShare)
	mapShares.GET("/:id/download", s.downloadShare)
	mapShares.POST("/:id/decline", s.declineShare)

	downloadsGroup := engine.Group("/downloads", loopbackOnly())
	downloadsGroup.POST("", s.createDownload)
	downloadsGroup.GET("", s.listDownloads)
	downloadsGroup.GET("/:id", s.getDownload)
	downloadsGroup.GET("/:id/events", s.downloadEvents)
	downloadsGroup.POST("/:id/abort", s.abortDownload)

	s.engine = engine
	return s
}

// Listen binds the loopback and peer listeners. Both are bound before it
// returns; zero ports pick OS-chosen ones. A re-listen after Close rebinds
// and newly dispensed peer URLs reflect the new remote port.
func (s *Server) Listen(localPort, remotePort int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var localLn, peerRaw net.Listener
	g := errgroup.Group{}
	g.Go(func() error {
		var err error
		localLn, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
		return err
	})
	g.Go(func() error {
		var err error
		peerRaw, err = net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", remotePort))
		return err
	})
	if err := g.Wait(); err != nil {
		if localLn != nil {
			localLn.Close()
		}
		if peerRaw != nil {
			peerRaw.Close()
		}
		return 0, 0, err
	}
	peerLn := transport.NewListener(peerRaw, s.cfg.KeyPair)

	s.localPort = localLn.Addr().(*net.TCPAddr).Port
	s.remotePort = peerRaw.Addr().(*net.TCPAddr).Port

	s.localSrv = &http.Server{Handler: tagOrigin(s.engine, OriginLoopback)}
	s.peerSrv = &http.Server{
		Handler:     tagOrigin(s.engine, OriginPeer),
		ConnContext: stashRemoteKey,
	}

	go s.localSrv.Serve(localLn)
	go s.peerSrv.Serve(peerLn)

	return s.localPort, s.remotePort, nil
}

// Close shuts both listeners down.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.localSrv != nil {
		if err := s.localSrv.Shutdown(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
		s.localSrv = nil
	}
	if s.peerSrv != nil {
		if err := s.peerSrv.Shutdown(context.Background()); err != nil && firstErr == nil {
			firstErr = err
		}
		s.peerSrv = nil
	}
	return firstErr
}

// PeerURLs dispenses the share's offer URLs, one per non-loopback IPv4, off
// the currently bound remote port.
func (s *Server) PeerURLs(shareID string) []string {
	s.mu.Lock()
	remotePort := s.remotePort
	s.mu.Unlock()

	ips, err := netutils.ExternalIPv4s()
	if err != nil {
		return nil
	}
	urls := make([]string, 0, len(ips))
	for _, ip := range ips {
		urls = append(urls, fmt.Sprintf("http://%s:%d/mapShares/%s", ip, remotePort, shareID))
	}
	return urls
}

// tagOrigin binds the listener's origin to every request before routing.
func tagOrigin(handler http.Handler, origin Origin) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), originContextKey, origin)
		handler.ServeHTTP(w, r.WithContext(ctx))
	})
}

// stashRemoteKey lifts the authenticated key off the accepted connection
// into every request's context.
func stashRemoteKey(ctx context.Context, c net.Conn) context.Context {
	if conn, ok := c.(*transport.Conn); ok {
		return context.WithValue(ctx, remoteKeyContextKey, conn.RemoteKey())
	}
	return ctx
}

func originOf(c *gin.Context) Origin {
	if origin, ok := c.Request.Context().Value(originContextKey).(Origin); ok {
		return origin
	}
	return OriginPeer
}

func remoteKeyOf(c *gin.Context) []byte {
	key, _ := c.Request.Context().Value(remoteKeyContextKey).([]byte)
	return key
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, http.StatusText(http.StatusOK))
}
