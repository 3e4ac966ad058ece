package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/NicolasHaas/gorelay/pkg/crypto"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// errWrongPassword marks a credential mismatch on the auth path. It is
// reported to the client as the literal wrong-password notice; every
// other auth error surfaces as the generic failure notice.
var errWrongPassword = errors.New("server: wrong password")

// StartControl starts the chat protocol listener (TCP, optionally TLS).
func (s *Server) StartControl() error {
	var ln net.Listener
	if s.cfg.UseTLS {
		cert, err := loadOrGenerateTLS(s.cfg)
		if err != nil {
			return fmt.Errorf("server: tls: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS13,
		}
		ln, err = tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
		if err != nil {
			return fmt.Errorf("server: listen: %w", err)
		}
	} else {
		var err error
		ln, err = net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("server: listen: %w", err)
		}
	}
	s.listener = ln

	slog.Info("chat listener ready", "addr", s.cfg.ListenAddr, "tls", s.cfg.UseTLS)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					slog.Error("accept error", "err", err)
					continue
				}
			}
			go s.handleConn(newConn(newTCPTransport(conn)))
		}
	}()

	return nil
}

// handleConn drives a single connection through its lifecycle:
// Unauthenticated -> Authenticated -> Closed, with Unauthenticated ->
// Closed on any auth failure.
func (s *Server) handleConn(c *Conn) {
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	slog.Debug("new connection", "remote", c.RemoteAddr())
	defer s.finishConn(c)

	// First frame is the credential payload.
	if s.cfg.AuthTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	}
	payload, err := c.ReadMessage()
	if err != nil {
		slog.Debug("connection closed before auth", "remote", c.RemoteAddr(), "err", err)
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	creds, err := protocol.ParseAuthPayload(payload)
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		if errors.Is(err, protocol.ErrMissingCredentials) {
			_ = c.Send(protocol.NoticeCredentialsRequired)
		} else {
			_ = c.Send(protocol.NoticeInvalidAuthFormat)
		}
		return
	}
	if err := model.ValidateUsername(creds.Username); err != nil {
		s.metrics.FailedAuths.Add(1)
		slog.Debug("rejected username", "remote", c.RemoteAddr(), "err", err)
		_ = c.Send(protocol.NoticeInvalidAuthFormat)
		return
	}

	if err := s.authenticate(s.ctx, creds); err != nil {
		s.metrics.FailedAuths.Add(1)
		if errors.Is(err, errWrongPassword) {
			slog.Warn("wrong password", "user", creds.Username, "remote", c.RemoteAddr())
			_ = c.Send(protocol.NoticeWrongPassword)
		} else {
			// Cause stays server-side; the client sees only the generic notice.
			slog.Error("authentication failed", "user", creds.Username, "err", err)
			_ = c.Send(protocol.NoticeAuthFailed)
		}
		return
	}

	username := creds.Username
	_ = c.Send(protocol.NoticeAuthSuccess)
	if err := s.sessions.Register(c, username); err != nil {
		// The state machine should make this unreachable.
		slog.Error("session registration failed", "user", username, "err", err)
		_ = c.Send(protocol.NoticeAuthFailed)
		return
	}
	s.metrics.SuccessfulAuths.Add(1)
	slog.Info("client authenticated", "user", username, "remote", c.RemoteAddr())

	// Snapshot taken after registration, so the joiner receives its own
	// announcement.
	s.hub.Broadcast(protocol.JoinNotice(username), s.sessions.Snapshot())
	s.metrics.PresenceEvents.Add(1)

	// Every later frame is plain chat text.
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		payload, err := c.ReadMessage()
		if err != nil {
			if err != io.EOF && !isClosedErr(err) {
				slog.Debug("read error", "user", username, "err", err)
			}
			return
		}
		s.relayChat(username, string(payload))
	}
}

// authenticate resolves a credential payload against the store inside
// a transaction: unknown usernames are registered on the spot, known
// usernames must verify against the stored digest.
func (s *Server) authenticate(ctx context.Context, creds *protocol.AuthPayload) error {
	tx, err := s.store.Tx(ctx)
	if err != nil {
		return fmt.Errorf("server: begin auth tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	user, err := tx.GetUserByUsername(creds.Username)
	if err != nil {
		return err
	}

	now := time.Now()
	if user == nil {
		digest, err := crypto.HashPassword(creds.Password)
		if err != nil {
			return err
		}
		if _, err := tx.CreateUser(creds.Username, digest, now); err != nil {
			return err
		}
	} else {
		if !crypto.VerifyPassword(creds.Password, user.PasswordDigest) {
			return errWrongPassword
		}
		if err := tx.MarkOnline(creds.Username, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// relayChat logs and broadcasts one chat frame from an authenticated
// connection. Persistence failure never interrupts delivery.
func (s *Server) relayChat(username, raw string) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return // silently discard
	}
	if utf8.RuneCountInString(text) > model.MessageMaxBodyLength {
		s.metrics.ChatMessagesDropped.Add(1)
		return
	}

	msg := &model.Message{Sender: username, Body: text, CreatedAt: time.Now()}
	if err := s.store.NonTx().CreateMessage(msg); err != nil {
		slog.Error("message log append failed", "user", username, "err", err)
	}

	s.hub.Broadcast(protocol.ChatLine(msg.CreatedAt, username, text), s.sessions.Snapshot())
	s.metrics.ChatMessagesSent.Add(1)
}

// finishConn runs the close path for any connection, authenticated or
// not. The registry removal is synchronous and in-memory; the offline
// mark and leave announcement are best-effort tail work.
func (s *Server) finishConn(c *Conn) {
	c.Close()
	s.metrics.ActiveConnections.Add(-1)
	s.metrics.TotalDisconnects.Add(1)

	username, ok := s.sessions.Unregister(c)
	if !ok {
		return // closed before auth completed: no mutation, no announcement
	}
	slog.Info("client disconnected", "user", username, "remote", c.RemoteAddr())

	if err := s.store.NonTx().SetOffline(username); err != nil {
		slog.Error("mark offline failed", "user", username, "err", err)
	}

	// Snapshot taken after unregistration, so the leaver is excluded.
	s.hub.Broadcast(protocol.LeaveNotice(username), s.sessions.Snapshot())
	s.metrics.PresenceEvents.Add(1)
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "use of closed connection")
}
