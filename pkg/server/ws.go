package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The chat protocol carries its own auth; browser origin is not a
	// trust boundary here.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// StartWS starts the optional WebSocket listener. Each upgraded
// connection goes through the same lifecycle as a TCP one; one
// websocket message maps to one frame.
func (s *Server) StartWS() error {
	if s.cfg.WSAddr == "" {
		return nil // disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{
		Addr:              s.cfg.WSAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.wsServer = srv

	go func() {
		slog.Info("websocket listener ready", "addr", s.cfg.WSAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("websocket listener error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()

	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	go s.handleConn(newConn(&wsTransport{ws: ws}))
}

// wsTransport adapts a websocket connection to the transport interface.
type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := t.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
		// Control frames are handled by gorilla; skip anything else.
	}
}

func (t *wsTransport) WriteMessage(payload []byte) error {
	return t.ws.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.ws.RemoteAddr().String()
}

func (t *wsTransport) SetReadDeadline(deadline time.Time) error {
	return t.ws.SetReadDeadline(deadline)
}
