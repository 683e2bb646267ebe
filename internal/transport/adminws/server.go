// Package adminws is the privileged control plane: a binary WebSocket
// carrying adminAuth/adminCommand envelopes plus the catalog delta
// stream, and the REST surface for uploads, deploy locks, and docs.
package adminws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"stagecraft.dev/internal/assets"
	"stagecraft.dev/internal/deploylock"
	"stagecraft.dev/internal/editor"
	"stagecraft.dev/internal/fanout"
	"stagecraft.dev/internal/gametoken"
	"stagecraft.dev/internal/persistence/auditlog"
	"stagecraft.dev/internal/protocol"
	"stagecraft.dev/internal/roster"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// StateSource is the read side of the catalog, used by the state and
// observer snapshot endpoints.
type StateSource interface {
	Snapshot() protocol.SnapshotMsg
	Counts() (blueprints, entities int)
	CommitSeq() uint64
}

// AIBroker accepts aiRequest frames. The orchestrator satisfies it.
type AIBroker interface {
	Request(caller editor.Caller, req protocol.AIRequestMsg, emit func(protocol.AIEventMsg)) (requestID, warning string, err error)
	CancelSession(sessionID string)
}

// Options carries the collaborators a Server needs beyond the pipeline
// and fan-out. Nil fields disable the matching surface.
type Options struct {
	AdminCode string
	Queue     int
	BaseURL   string
	UploadMax int64
	DocsDir   string

	Roster *roster.Roster
	Audit  *auditlog.Logger
	AI     AIBroker
	Assets *assets.Store
	Locks  *deploylock.Manager
	Tokens *gametoken.Issuer
	State  StateSource
}

type Server struct {
	pipeline *editor.Pipeline
	fan      *fanout.Fanout
	opts     Options
	log      *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(pipeline *editor.Pipeline, fan *fanout.Fanout, logger *log.Logger, opts Options) *Server {
	if opts.Queue <= 0 {
		opts.Queue = 256
	}
	if opts.UploadMax <= 0 {
		opts.UploadMax = 100 << 20
	}
	return &Server{
		pipeline: pipeline,
		fan:      fan,
		opts:     opts,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Handler serves the /admin WebSocket.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess, out := s.handshake(conn)
		if sess.SessionID == "" {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if s.opts.Roster != nil {
			s.opts.Roster.Join(sess.SessionID, sess.NetworkID, sess.Rank, func() {
				cancel()
				_ = conn.Close()
			})
		}

		// Writer goroutine. Pings keep idle editor sessions alive.
		go func() {
			ping := time.NewTicker(pingPeriod)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ping.C:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
						cancel()
						return
					}
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			env, err := protocol.DecodeEnvelope(msg)
			if err != nil {
				continue
			}
			switch env.Method {
			case protocol.MethodAdminCommand:
				s.handleCommand(ctx, sess, env, out)
			case protocol.MethodAIRequest:
				s.handleAIRequest(ctx, sess, env, out)
			}
		}

		// Cleanup.
		s.fan.Unregister(sess.SessionID)
		if s.opts.Roster != nil {
			s.opts.Roster.Leave(sess.SessionID)
		}
		if s.opts.AI != nil {
			s.opts.AI.CancelSession(sess.SessionID)
		}
	}
}

// handshake performs adminAuth and registers the fan-out session. On
// failure the connection is answered with onAdminAuthError and closed.
func (s *Server) handshake(conn *websocket.Conn) (editor.Caller, chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return editor.Caller{}, nil
	}
	env, err := protocol.DecodeEnvelope(msg)
	if err != nil || env.Method != protocol.MethodAdminAuth {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected adminAuth"),
			time.Now().Add(time.Second))
		return editor.Caller{}, nil
	}
	var auth protocol.AuthMsg
	if err := protocol.DecodePayload(env, &auth); err != nil {
		s.authError(conn, protocol.ErrConnection)
		return editor.Caller{}, nil
	}
	if s.opts.AdminCode != "" {
		if auth.Code == "" {
			s.authError(conn, protocol.ErrMissingCode)
			return editor.Caller{}, nil
		}
		if auth.Code != s.opts.AdminCode {
			s.authError(conn, protocol.ErrBadCode)
			return editor.Caller{}, nil
		}
	}

	sessionID := uuid.NewString()
	networkID := auth.NetworkID
	if networkID == "" {
		networkID = sessionID
	}
	if err := s.writeEnvelope(conn, protocol.MethodAuthOk, protocol.AuthOkMsg{
		SessionID:    sessionID,
		HasAdminCode: s.opts.AdminCode != "",
	}); err != nil {
		return editor.Caller{}, nil
	}

	out := make(chan []byte, s.opts.Queue)
	s.fan.Register(&fanout.Session{
		ID:        sessionID,
		NetworkID: networkID,
		Subs:      auth.Subscriptions,
		Out:       out,
	})
	return editor.Caller{SessionID: sessionID, NetworkID: networkID, Rank: protocol.RankAdmin}, out
}

func (s *Server) handleCommand(ctx context.Context, sess editor.Caller, env protocol.Envelope, out chan []byte) {
	var msg protocol.CommandMsg
	if err := protocol.DecodePayload(env, &msg); err != nil {
		s.send(ctx, out, protocol.MethodResult, protocol.ResultMsg{OK: false, Error: protocol.ErrBadRequest})
		return
	}
	caller := sess
	if msg.NetworkID != "" {
		caller.NetworkID = msg.NetworkID
	}

	cmd, err := protocol.DecodeCommand(msg)
	if err == nil {
		err = s.pipeline.Apply(caller, cmd)
	}
	if s.opts.Audit != nil {
		_ = s.opts.Audit.Record(auditlog.Entry{
			SessionID: sess.SessionID,
			NetworkID: caller.NetworkID,
			Command:   msg.Type,
			Target:    commandTarget(cmd),
			OK:        err == nil,
			Error:     protocol.CodeOf(err),
		})
	}
	s.send(ctx, out, protocol.MethodResult, resultFor(msg.Seq, err))
}

func (s *Server) handleAIRequest(ctx context.Context, sess editor.Caller, env protocol.Envelope, out chan []byte) {
	var req protocol.AIRequestMsg
	if err := protocol.DecodePayload(env, &req); err != nil {
		s.send(ctx, out, protocol.MethodAIRequestAck, protocol.AIRequestAckMsg{Error: protocol.ErrBadRequest})
		return
	}
	if s.opts.AI == nil {
		s.send(ctx, out, protocol.MethodAIRequestAck, protocol.AIRequestAckMsg{Error: protocol.ErrBadRequest})
		return
	}
	emit := func(ev protocol.AIEventMsg) { s.send(ctx, out, protocol.MethodAIEvent, ev) }
	id, warning, err := s.opts.AI.Request(sess, req, emit)
	if err != nil {
		s.send(ctx, out, protocol.MethodAIRequestAck, protocol.AIRequestAckMsg{Error: protocol.CodeOf(err)})
		return
	}
	s.send(ctx, out, protocol.MethodAIRequestAck, protocol.AIRequestAckMsg{RequestID: id, Warning: warning})
}

// send queues an encoded frame, blocking until there is room so acks
// and AI events are never dropped; ctx unblocks on disconnect.
func (s *Server) send(ctx context.Context, out chan []byte, method string, payload any) {
	b, err := protocol.Encode(method, payload)
	if err != nil {
		return
	}
	select {
	case out <- b:
	case <-ctx.Done():
	}
}

func (s *Server) writeEnvelope(conn *websocket.Conn, method string, payload any) error {
	b, err := protocol.Encode(method, payload)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

func (s *Server) authError(conn *websocket.Conn, code string) {
	_ = s.writeEnvelope(conn, protocol.MethodAuthError, protocol.AuthErrorMsg{Error: code})
}

func resultFor(seq uint64, err error) protocol.ResultMsg {
	if err == nil {
		return protocol.ResultMsg{Seq: seq, OK: true}
	}
	res := protocol.ResultMsg{Seq: seq, Error: protocol.CodeOf(err)}
	var ce *protocol.CodedError
	if errors.As(err, &ce) {
		res.Lock = ce.Lock
		res.Refs = ce.Refs
	}
	return res
}

func commandTarget(cmd protocol.Command) string {
	switch c := cmd.(type) {
	case *protocol.BlueprintAddCmd:
		return c.Blueprint.ID
	case *protocol.BlueprintModifyCmd:
		return c.Change.ID
	case *protocol.BlueprintRemoveCmd:
		return c.ID
	case *protocol.EntityAddCmd:
		return c.Entity.ID
	case *protocol.EntityModifyCmd:
		return c.Change.ID
	case *protocol.EntityRemoveCmd:
		return c.ID
	case *protocol.ModifyRankCmd:
		return c.PlayerID
	case *protocol.KickCmd:
		return c.PlayerID
	case *protocol.MuteCmd:
		return c.PlayerID
	default:
		return ""
	}
}

// GameHandler serves read-only gameplay observers. They authenticate
// with a bearer token and receive the snapshot and delta stream; frames
// they send are ignored.
func (s *Server) GameHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.opts.Tokens == nil {
			http.Error(rw, "game tokens not configured", http.StatusNotFound)
			return
		}
		claims, err := s.opts.Tokens.Verify(r.URL.Query().Get("token"))
		if err != nil {
			http.Error(rw, "bad token", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sessionID := uuid.NewString()
		out := make(chan []byte, s.opts.Queue)
		s.fan.Register(&fanout.Session{
			ID:        sessionID,
			NetworkID: "game:" + claims.PlayerID,
			Subs:      protocol.Subscriptions{Snapshot: true, Players: true, Runtime: true},
			Out:       out,
		})
		defer s.fan.Unregister(sessionID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}
}
