package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

func dialWS(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(s.handleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func wsSend(t *testing.T, ws *websocket.Conn, text string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("websocket write: %v", err)
	}
}

func wsExpect(t *testing.T, ws *websocket.Conn, want string) {
	t.Helper()
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	if string(data) != want {
		t.Fatalf("websocket read = %q, want %q", data, want)
	}
}

func TestWebSocketAuthAndChat(t *testing.T) {
	s, st := newTestServer(t)

	ws := dialWS(t, s)
	wsSend(t, ws, authFrame("alice", "pw"))
	wsExpect(t, ws, protocol.NoticeAuthSuccess)
	wsExpect(t, ws, "alice has joined")

	wsSend(t, ws, "hello from the browser")
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("websocket read: %v", err)
	}
	if !strings.HasSuffix(string(data), "alice said: hello from the browser") {
		t.Errorf("relayed line = %q", data)
	}

	if getUser(t, st, "alice") == nil {
		t.Error("websocket auth did not create the account")
	}
}

func TestWebSocketSharesRoomWithTCP(t *testing.T) {
	s, _ := newTestServer(t)

	// One client over the fake stream transport, one over websocket.
	c1, ft1, _ := authenticated(t, s, "alice", "pw")
	defer c1.Close()

	ws := dialWS(t, s)
	wsSend(t, ws, authFrame("bob", "pw"))
	wsExpect(t, ws, protocol.NoticeAuthSuccess)
	wsExpect(t, ws, "bob has joined")

	waitForWrite(t, ft1, protocol.JoinNotice("bob"))

	wsSend(t, ws, "cross transport")
	waitFor(t, "relay across transports", func() bool {
		for _, w := range ft1.writes() {
			if strings.HasSuffix(w, "bob said: cross transport") {
				return true
			}
		}
		return false
	})
}

func TestWebSocketRejectsBadAuth(t *testing.T) {
	s, _ := newTestServer(t)

	ws := dialWS(t, s)
	wsSend(t, ws, "definitely not json")
	wsExpect(t, ws, protocol.NoticeInvalidAuthFormat)

	if s.sessions.Count() != 0 {
		t.Errorf("session count = %d after rejected auth, want 0", s.sessions.Count())
	}
}
