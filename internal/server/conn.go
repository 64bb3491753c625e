package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/a2alive/internal/metrics"
	"github.com/ehrlich-b/a2alive/internal/protocol"
)

// Conn is one WebSocket peer. Inbound frames are handled strictly in arrival
// order; writes are serialized so a response batch is never interleaved.
type Conn struct {
	id           string
	ws           *websocket.Conn
	limiter      *rate.Limiter
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu sync.Mutex
}

// Deliver writes frames in order. It implements engine.Peer.
func (c *Conn) Deliver(ctx context.Context, frames []protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, f := range frames {
		data, err := f.Encode()
		if err != nil {
			return fmt.Errorf("encode %s frame: %w", f.Envelope.Type, err)
		}
		writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
		err = c.ws.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("write %s frame: %w", f.Envelope.Type, err)
		}
	}
	return nil
}

// handleWS upgrades the request and runs the read loop until the peer goes
// away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var subject string
	if len(s.jwtSecret) > 0 {
		token, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		claims, err := ValidateToken(s.jwtSecret, token)
		if err != nil {
			s.logger.Debug("upgrade rejected", "remote", clientIP(r), "err", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		subject = claims.Subject
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept", "remote", clientIP(r), "err", err)
		return
	}
	ws.SetReadLimit(s.readLimit)
	defer ws.CloseNow()

	c := &Conn{
		id:           uuid.New().String(),
		ws:           ws,
		limiter:      newFrameLimiter(s.frameRate, s.frameBurst),
		writeTimeout: s.writeTimeout,
	}
	c.logger = s.logger.With("conn", c.id, "remote", clientIP(r))
	if subject != "" {
		c.logger = c.logger.With("subject", subject)
	}

	s.add(c)
	metrics.Connections.Inc()
	c.logger.Info("peer connected")
	defer func() {
		n := s.engine.UnbindPeer(c)
		s.remove(c)
		metrics.Connections.Dec()
		c.logger.Info("peer disconnected", "sessions", n)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.readLoop(ctx, c)
}

func (s *Server) readLoop(ctx context.Context, c *Conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				c.logger.Debug("read ended", "err", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			metrics.RateLimitHits.Inc()
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		}

		out := s.engine.Handle(ctx, c, data)
		if err := c.Deliver(ctx, out); err != nil {
			// The peer may already be gone; the next Read reports it.
			c.logger.Warn("write failed", "err", err)
		}
	}
}
