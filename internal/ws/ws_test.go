package ws

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tutorly/peerchat/internal/chat"
	"github.com/tutorly/peerchat/internal/crypto"
	"github.com/tutorly/peerchat/internal/storage"
	"github.com/tutorly/peerchat/internal/user"
)

type frame struct {
	Type     string       `json:"type"`
	PeerID   string       `json:"peer_id"`
	ReaderID string       `json:"reader_id"`
	Count    int          `json:"count"`
	Code     string       `json:"code"`
	Message  chat.Message `json:"message"`
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	store, err := storage.OpenBadger("", nil)
	if err != nil {
		t.Fatalf("OpenBadger() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	cipher, err := crypto.NewCipher(bytes.Repeat([]byte{3}, crypto.KeySize))
	if err != nil {
		t.Fatalf("NewCipher() error: %v", err)
	}
	dir := user.NewMemoryDirectory(
		user.Profile{ID: "S1", DisplayName: "Sam Student", Role: user.RoleStudent},
		user.Profile{ID: "T1", DisplayName: "Tia Tutor", Role: user.RoleTutor},
	)

	hub := NewHub(nil, "X-User-ID", nil)
	hub.SetChat(chat.NewService(store, cipher, dir, chat.WithNotifier(hub)))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), &websocket.DialOptions{
		HTTPHeader: http.Header{"X-User-ID": []string{userID}},
	})
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestSendPushesToReceiverAndAcksSender(t *testing.T) {
	hub, srv := newTestHub(t)
	student := dial(t, srv, "S1")
	tutor := dial(t, srv, "T1")
	waitForClients(t, hub, 2)

	writeFrame(t, tutor, map[string]string{"type": "message.send", "peer_id": "S1", "body": "hi"})

	ack := readFrame(t, tutor)
	if ack.Type != "message.new" || ack.PeerID != "S1" || ack.Message.ID != 1 || !ack.Message.IsOwn || ack.Message.Body != "hi" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	pushed := readFrame(t, student)
	if pushed.Type != "message.new" || pushed.PeerID != "T1" || pushed.Message.Body != "hi" || pushed.Message.IsOwn {
		t.Fatalf("unexpected push: %+v", pushed)
	}
	if pushed.Message.SenderDisplayName != "Tia Tutor" {
		t.Fatalf("display name = %q", pushed.Message.SenderDisplayName)
	}

	writeFrame(t, student, map[string]string{"type": "message.read", "peer_id": "T1"})
	read := readFrame(t, tutor)
	if read.Type != "message.read" || read.ReaderID != "S1" || read.Count != 1 {
		t.Fatalf("unexpected read receipt: %+v", read)
	}
}

func TestInvalidFramesReturnErrors(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv, "S1")
	waitForClients(t, hub, 1)

	tests := []struct {
		name  string
		frame map[string]string
		code  string
	}{
		{name: "missing body", frame: map[string]string{"type": "message.send", "peer_id": "T1"}, code: "invalid_message"},
		{name: "self send", frame: map[string]string{"type": "message.send", "peer_id": "S1", "body": "hi"}, code: "invalid_message"},
		{name: "too long", frame: map[string]string{"type": "message.send", "peer_id": "T1", "body": strings.Repeat("x", chat.MaxMessageLength+1)}, code: "message_too_long"},
		{name: "unknown type", frame: map[string]string{"type": "presence.ping"}, code: "unsupported_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeFrame(t, conn, tt.frame)
			got := readFrame(t, conn)
			if got.Type != "error" || got.Code != tt.code {
				t.Fatalf("got %+v, want error %q", got, tt.code)
			}
		})
	}
}

func TestHandleWSRequiresIdentity(t *testing.T) {
	hub := NewHub(nil, "", nil)
	hub.SetChat(stubChat{})

	rec := httptest.NewRecorder()
	hub.HandleWS(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleWSWithoutService(t *testing.T) {
	hub := NewHub(nil, "", nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("X-User-ID", "S1")
	hub.HandleWS(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	hub := NewHub(nil, "", nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < eventBuffer*2; i++ {
			hub.MessageSent("S1", chat.Message{ID: int64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("MessageSent blocked without a running hub")
	}
}

func TestClientSendFullBuffer(t *testing.T) {
	c := &Client{ctx: context.Background(), send: make(chan []byte, 1)}
	if !c.Send([]byte("a")) {
		t.Fatal("expected first send to succeed")
	}
	if c.Send([]byte("b")) {
		t.Fatal("expected send to fail on full buffer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	closed := &Client{ctx: ctx, send: make(chan []byte, 1)}
	if closed.Send([]byte("c")) {
		t.Fatal("expected send to fail on closed client")
	}
}

func TestDecodeIncoming(t *testing.T) {
	msg, err := decodeIncoming([]byte(`{"type":" message.send ","peer_id":" T1 ","body":"hi"}`))
	if err != nil {
		t.Fatalf("decodeIncoming() error: %v", err)
	}
	if msg.Type != "message.send" || msg.PeerID != "T1" || msg.Body != "hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	for _, raw := range []string{
		`{"type":"message.send","peer_id":"T1","body":"  "}`,
		`{"type":"message.read"}`,
		`not json`,
	} {
		if _, err := decodeIncoming([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}

	if _, err := decodeIncoming([]byte(`{"type":"other"}`)); err != nil {
		t.Fatalf("unknown types pass through, got %v", err)
	}
}

type stubChat struct{}

func (stubChat) SendMessage(context.Context, string, string, string) (chat.Message, error) {
	return chat.Message{}, nil
}

func (stubChat) MarkAsRead(context.Context, string, string) (int, error) {
	return 0, nil
}
