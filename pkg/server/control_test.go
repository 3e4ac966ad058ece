package server

import (
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/NicolasHaas/gorelay/pkg/datastore"
	"github.com/NicolasHaas/gorelay/pkg/model"
	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

func newTestServer(t *testing.T) (*Server, *datastore.MemoryStore) {
	t.Helper()
	st := datastore.NewMemory()
	s := New(Config{}, Dependencies{Store: st})
	t.Cleanup(s.cancel)
	return s, st
}

// connect starts a handler on a fresh fake transport. The returned
// channel closes when the handler exits.
func connect(s *Server) (*Conn, *fakeTransport, chan struct{}) {
	ft := newFakeTransport()
	c := newConn(ft)
	done := make(chan struct{})
	go func() {
		s.handleConn(c)
		close(done)
	}()
	return c, ft, done
}

func authFrame(username, password string) string {
	return fmt.Sprintf(`{"username":%q,"password":%q}`, username, password)
}

// waitForWrite polls until the transport has received want.
func waitForWrite(t *testing.T, ft *fakeTransport, want string) {
	t.Helper()
	waitFor(t, fmt.Sprintf("write of %q", want), func() bool {
		for _, w := range ft.writes() {
			if w == want {
				return true
			}
		}
		return false
	})
}

// authenticated connects and completes auth as username/password,
// waiting until the join announcement lands.
func authenticated(t *testing.T, s *Server, username, password string) (*Conn, *fakeTransport, chan struct{}) {
	t.Helper()
	c, ft, done := connect(s)
	ft.push(authFrame(username, password))
	waitForWrite(t, ft, protocol.NoticeAuthSuccess)
	waitForWrite(t, ft, protocol.JoinNotice(username))
	return c, ft, done
}

func getUser(t *testing.T, st *datastore.MemoryStore, username string) *model.User {
	t.Helper()
	u, err := st.GetUserByUsername(username)
	if err != nil {
		t.Fatalf("GetUserByUsername(%s): %v", username, err)
	}
	return u
}

func TestAuthNewUserCreatesAccount(t *testing.T) {
	s, st := newTestServer(t)
	c, ft, _ := authenticated(t, s, "alice", "pw")
	defer c.Close()

	// AUTH_SUCCESS must precede the join announcement, and the joiner
	// receives its own announcement.
	got := ft.writes()
	if got[0] != protocol.NoticeAuthSuccess {
		t.Errorf("first write = %q, want AUTH_SUCCESS", got[0])
	}
	if got[1] != "alice has joined" {
		t.Errorf("second write = %q, want the join announcement", got[1])
	}

	user := getUser(t, st, "alice")
	if user == nil {
		t.Fatal("first-time auth did not create the account")
	}
	if !user.IsOnline {
		t.Error("new user not marked online")
	}
	if user.PasswordDigest == "pw" || user.PasswordDigest == "" {
		t.Error("password stored without a digest")
	}
	if s.metrics.SuccessfulAuths.Load() != 1 {
		t.Errorf("SuccessfulAuths = %d, want 1", s.metrics.SuccessfulAuths.Load())
	}
}

func TestAuthKnownUserCorrectPassword(t *testing.T) {
	s, st := newTestServer(t)

	c1, ft1, done1 := authenticated(t, s, "alice", "pw")
	created := getUser(t, st, "alice")
	ft1.Close()
	<-done1
	waitFor(t, "offline after disconnect", func() bool {
		return !getUser(t, st, "alice").IsOnline
	})
	_ = c1

	c2, _, _ := authenticated(t, s, "alice", "pw")
	defer c2.Close()

	user := getUser(t, st, "alice")
	if !user.IsOnline {
		t.Error("returning user not marked online")
	}
	if user.PasswordDigest != created.PasswordDigest {
		t.Error("digest changed on re-auth")
	}
}

func TestAuthWrongPassword(t *testing.T) {
	s, st := newTestServer(t)

	c1, ft1, _ := authenticated(t, s, "alice", "pw")
	defer c1.Close()
	before := ft1.writes()

	c2, ft2, done2 := connect(s)
	defer c2.Close()
	ft2.push(authFrame("alice", "not-the-password"))
	waitForWrite(t, ft2, protocol.NoticeWrongPassword)
	<-done2

	if got := ft2.writes(); len(got) != 1 {
		t.Errorf("failed auth wrote %v, want only the wrong-password notice", got)
	}
	if s.sessions.Count() != 1 {
		t.Errorf("session count = %d, want 1 (alice only)", s.sessions.Count())
	}
	if !getUser(t, st, "alice").IsOnline {
		t.Error("failed auth attempt knocked alice offline")
	}
	// The failed attempt must be invisible to the existing session.
	if got := ft1.writes(); len(got) != len(before) {
		t.Errorf("alice saw extra traffic from a failed auth: %v", got[len(before):])
	}
	if s.metrics.FailedAuths.Load() != 1 {
		t.Errorf("FailedAuths = %d, want 1", s.metrics.FailedAuths.Load())
	}
}

func TestAuthRejectsBadFirstFrame(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"not json", "hello server", protocol.NoticeInvalidAuthFormat},
		{"unknown field", `{"username":"a","password":"b","admin":true}`, protocol.NoticeInvalidAuthFormat},
		{"missing password", `{"username":"bob"}`, protocol.NoticeCredentialsRequired},
		{"empty credentials", `{"username":"","password":""}`, protocol.NoticeCredentialsRequired},
		{"invalid username", authFrame("no spaces allowed", "pw"), protocol.NoticeInvalidAuthFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, st := newTestServer(t)
			c, ft, done := connect(s)
			defer c.Close()

			ft.push(tt.payload)
			waitForWrite(t, ft, tt.want)
			<-done

			if got := ft.writes(); len(got) != 1 {
				t.Errorf("writes = %v, want exactly one error notice", got)
			}
			if s.sessions.Count() != 0 {
				t.Errorf("session registered despite rejected auth")
			}
			users, err := st.ListUsers()
			if err != nil {
				t.Fatalf("ListUsers: %v", err)
			}
			if len(users) != 0 {
				t.Errorf("rejected auth created %d users", len(users))
			}
		})
	}
}

func TestChatRelayedToAllClients(t *testing.T) {
	s, st := newTestServer(t)

	c1, ft1, _ := authenticated(t, s, "alice", "pw")
	defer c1.Close()
	c2, ft2, _ := authenticated(t, s, "bob", "pw")
	defer c2.Close()
	waitForWrite(t, ft1, protocol.JoinNotice("bob"))

	ft2.push("hello everyone")

	lineRe := regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}: bob said: hello everyone$`)
	for _, ft := range []*fakeTransport{ft1, ft2} {
		waitFor(t, "relayed chat line", func() bool {
			for _, w := range ft.writes() {
				if lineRe.MatchString(w) {
					return true
				}
			}
			return false
		})
	}

	msgs, err := st.ListMessages(model.MessageFilters{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("message log has %d entries, want 1", len(msgs))
	}
	if msgs[0].Sender != "bob" || msgs[0].Body != "hello everyone" {
		t.Errorf("logged message = %+v", msgs[0])
	}
}

func TestChatEmptyTextDiscarded(t *testing.T) {
	s, st := newTestServer(t)

	c, ft, _ := authenticated(t, s, "alice", "pw")
	defer c.Close()

	// Whitespace first, then a real message. If the empty frame had
	// been relayed, it would land before the marker.
	ft.push("   \t  ")
	ft.push("marker")

	waitFor(t, "marker relay", func() bool {
		for _, w := range ft.writes() {
			if strings.HasSuffix(w, "alice said: marker") {
				return true
			}
		}
		return false
	})

	msgs, err := st.ListMessages(model.MessageFilters{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "marker" {
		t.Errorf("message log = %+v, want only the marker", msgs)
	}
	for _, w := range ft.writes() {
		if strings.TrimSpace(w) == "" {
			t.Errorf("empty frame was relayed: %q", w)
		}
	}
}

func TestChatOversizeBodyDropped(t *testing.T) {
	s, st := newTestServer(t)

	c, ft, _ := authenticated(t, s, "alice", "pw")
	defer c.Close()

	ft.push(strings.Repeat("x", model.MessageMaxBodyLength+1))
	waitFor(t, "oversize drop", func() bool {
		return s.metrics.ChatMessagesDropped.Load() == 1
	})

	msgs, err := st.ListMessages(model.MessageFilters{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("oversize message was logged: %+v", msgs)
	}
}

func TestDisconnectBroadcastsLeave(t *testing.T) {
	s, st := newTestServer(t)

	c1, ft1, _ := authenticated(t, s, "alice", "pw")
	defer c1.Close()
	c2, ft2, done2 := authenticated(t, s, "bob", "pw")
	waitForWrite(t, ft1, protocol.JoinNotice("bob"))

	ft2.Close()
	<-done2
	_ = c2

	waitForWrite(t, ft1, "bob has left")
	if s.sessions.Count() != 1 {
		t.Errorf("session count = %d after disconnect, want 1", s.sessions.Count())
	}
	waitFor(t, "bob offline", func() bool {
		return !getUser(t, st, "bob").IsOnline
	})
	// The leaver is excluded from its own announcement.
	for _, w := range ft2.writes() {
		if w == "bob has left" {
			t.Error("leaver received its own leave announcement")
		}
	}
}

func TestDisconnectBeforeAuthIsSilent(t *testing.T) {
	s, _ := newTestServer(t)

	c1, ft1, _ := authenticated(t, s, "alice", "pw")
	defer c1.Close()
	before := len(ft1.writes())

	c2, ft2, done2 := connect(s)
	ft2.Close()
	<-done2
	_ = c2

	if s.sessions.Count() != 1 {
		t.Errorf("session count = %d, want 1", s.sessions.Count())
	}
	if got := ft1.writes(); len(got) != before {
		t.Errorf("unauthenticated disconnect produced traffic: %v", got[before:])
	}
	if s.metrics.TotalDisconnects.Load() != 1 {
		t.Errorf("TotalDisconnects = %d, want 1", s.metrics.TotalDisconnects.Load())
	}
}

func TestSameUsernameConcurrentSessions(t *testing.T) {
	s, _ := newTestServer(t)

	c1, ft1, _ := authenticated(t, s, "alice", "pw")
	defer c1.Close()
	c2, _, _ := authenticated(t, s, "alice", "pw")
	defer c2.Close()

	waitForWrite(t, ft1, protocol.JoinNotice("alice"))
	if s.sessions.Count() != 2 {
		t.Errorf("session count = %d, want 2", s.sessions.Count())
	}
}
