package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/executor"
)

// maxMessageBytes bounds an inbound frame; covers the 1 MiB code ceiling
// plus staged files with generous headroom.
const maxMessageBytes = 10 << 20

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // deployment fronts the service; no origin policy here
	},
}

// wsInbound is a message from the client: either an execution request or a
// control frame ({"type":"cancel"}).
type wsInbound struct {
	Type string `json:"type,omitempty"`
	executor.Request
}

func (s *Server) handleExecuteWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	sess := &session{
		conn:   conn,
		runner: s.runner,
		log:    s.log,
	}
	sess.serve(r.Context())
}

// session owns one WebSocket connection. A single goroutine reads the conn
// for its whole lifetime; a single goroutine (serve) writes it. seq is
// assigned at write time and never resets, so follow-up requests on the
// same connection continue the sequence.
type session struct {
	conn   *websocket.Conn
	runner Runner
	log    *zap.Logger
	seq    uint64
}

func (s *session) serve(ctx context.Context) {
	inbound := make(chan wsInbound)
	go s.readLoop(inbound)
	defer func() {
		// Unblock a pending readLoop send so the goroutine can exit.
		s.conn.Close()
		for range inbound {
		}
	}()

	for {
		var msg wsInbound
		select {
		case m, ok := <-inbound:
			if !ok {
				return
			}
			msg = m
		case <-ctx.Done():
			return
		}
		if msg.Type == "cancel" {
			// Nothing running; ignore.
			continue
		}
		if !s.run(ctx, msg.Request, inbound) {
			return
		}
	}
}

// readLoop is the only reader of the connection. It closes inbound when the
// client disconnects or sends a malformed frame.
func (s *session) readLoop(inbound chan<- wsInbound) {
	defer close(inbound)
	for {
		var msg wsInbound
		if err := s.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		inbound <- msg
	}
}

// run drives one execution, relaying events to the client until the
// terminal complete event. It returns false when the connection is gone.
func (s *session) run(ctx context.Context, req executor.Request, inbound <-chan wsInbound) bool {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := s.runner.Execute(runCtx, req)
	alive := true
	done := ctx.Done()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return alive
			}
			if alive && !s.writeEvent(e) {
				// Client is gone; kill the run and drain the channel so the
				// pipeline can finish teardown.
				alive = false
				cancel()
			}
		case m, ok := <-inbound:
			if !ok {
				// Disconnect mid-run: cancel and keep draining events.
				alive = false
				cancel()
				inbound = nil
				continue
			}
			if m.Type == "cancel" {
				cancel()
			}
			// A premature follow-up request is dropped; the protocol only
			// accepts a new request after complete.
		case <-done:
			alive = false
			cancel()
			done = nil
		}
	}
}

func (s *session) writeEvent(e executor.Event) bool {
	s.seq++
	e.Seq = s.seq
	if err := s.conn.WriteJSON(e); err != nil {
		s.log.Debug("websocket write failed", zap.Error(err))
		return false
	}
	return true
}
