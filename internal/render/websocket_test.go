package render

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/szczyglis-dev/py-gpt-sub005/internal/observability"
	"github.com/szczyglis-dev/py-gpt-sub005/pkg/models"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSTransport_NoClients(t *testing.T) {
	tr := NewWSTransport(nil, observability.Discard())
	if err := tr.Send(Message{Type: TypeEnd}); err != ErrNotReady {
		t.Errorf("Send() error = %v, want ErrNotReady", err)
	}
}

func TestWSTransport_ReadyHandshakeDrainsNodes(t *testing.T) {
	tr := NewWSTransport(nil, observability.Discard())
	r := New(tr, testConfig(time.Hour, 1024, 4096), WithLogger(observability.Discard()))
	defer r.Close()
	tr.SetOnReady(r.Ready)

	srv := httptest.NewServer(tr)
	defer srv.Close()
	defer tr.Close()

	conn := dial(t, srv)
	defer conn.Close()
	waitFor(t, func() bool { return tr.Clients() == 1 })

	item := models.NewCtxItem()
	item.ID = 42
	item.SetOutput("hello", "")
	r.AppendNode(0, item)

	if err := conn.WriteJSON(ClientMessage{Type: "ready"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Type != TypeNode || msg.Node == nil || msg.Node.ID != 42 {
		t.Errorf("message = %+v, want the queued node", msg)
	}

	r.AppendChunk(0, "", strings.Repeat("y", 2048), false)
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Type != TypeChunk || len(msg.Chunk) != 2048 {
		t.Errorf("message = %s with %d bytes, want the flushed chunk", msg.Type, len(msg.Chunk))
	}
}

func TestWSTransport_ClientLeaves(t *testing.T) {
	tr := NewWSTransport(nil, observability.Discard())
	srv := httptest.NewServer(tr)
	defer srv.Close()

	conn := dial(t, srv)
	waitFor(t, func() bool { return tr.Clients() == 1 })
	conn.Close()
	waitFor(t, func() bool { return tr.Clients() == 0 })
}
