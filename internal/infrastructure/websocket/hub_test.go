package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"

	"github.com/opchart/go-dripline/internal/domain/infusion"
)

func newClient(id, record string, buffer int) *Client {
	return &Client{
		ID:     id,
		Record: record,
		Send:   make(chan []byte, buffer),
	}
}

func TestHubRegisterAndCounts(t *testing.T) {
	hub := NewHub(nil)

	c1 := newClient("c1", "rec-1", 8)
	c2 := newClient("c2", "rec-1", 8)
	c3 := newClient("c3", "rec-2", 8)
	hub.Register(c1)
	hub.Register(c2)
	hub.Register(c3)

	if hub.ClientCount() != 3 {
		t.Fatalf("ClientCount = %d, want 3", hub.ClientCount())
	}
	if hub.RecordCount("rec-1") != 2 {
		t.Errorf("RecordCount(rec-1) = %d, want 2", hub.RecordCount("rec-1"))
	}
	if hub.RecordCount("rec-2") != 1 {
		t.Errorf("RecordCount(rec-2) = %d, want 1", hub.RecordCount("rec-2"))
	}
	if hub.RecordCount("rec-none") != 0 {
		t.Errorf("RecordCount(rec-none) = %d, want 0", hub.RecordCount("rec-none"))
	}

	hub.Unregister(c1)
	if hub.ClientCount() != 2 {
		t.Errorf("ClientCount after unregister = %d, want 2", hub.ClientCount())
	}
	if hub.RecordCount("rec-1") != 1 {
		t.Errorf("RecordCount(rec-1) after unregister = %d, want 1", hub.RecordCount("rec-1"))
	}
}

// A change on one record must never reach terminals watching another.
func TestHubBroadcastIsolatesRecords(t *testing.T) {
	hub := NewHub(nil)

	watcher := newClient("w", "rec-1", 8)
	other := newClient("o", "rec-2", 8)
	hub.Register(watcher)
	hub.Register(other)

	hub.Broadcast("rec-1", []byte(`{"hello":"ward"}`))

	select {
	case msg := <-watcher.Send:
		if string(msg) != `{"hello":"ward"}` {
			t.Errorf("watcher got %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive broadcast")
	}

	select {
	case msg := <-other.Send:
		t.Fatalf("terminal on rec-2 received rec-1 broadcast: %s", msg)
	default:
	}
}

func TestHubUnregisterClosesSend(t *testing.T) {
	hub := NewHub(nil)
	client := newClient("c", "rec-1", 8)
	hub.Register(client)
	hub.Unregister(client)

	if _, ok := <-client.Send; ok {
		t.Fatal("Send channel still open after unregister")
	}

	// A second unregister must be a no-op.
	hub.Unregister(client)
}

// The hub doubles as a change sink in the standalone deployment.
func TestHubChangeCommittedDeliversNotice(t *testing.T) {
	hub := NewHub(nil)
	client := newClient("c", "rec-1", 8)
	hub.Register(client)

	ch := infusion.NewChange("rec-1", "lane-1", infusion.EntityRateEvent, "ev-1", infusion.ActionCreated)
	hub.ChangeCommitted(ch)

	select {
	case msg := <-client.Send:
		var notice Notice
		if err := json.Unmarshal(msg, &notice); err != nil {
			t.Fatalf("unmarshal notice: %v", err)
		}
		if notice.Type != "chart.change" {
			t.Errorf("notice type = %q, want chart.change", notice.Type)
		}
		if notice.RecordID != "rec-1" {
			t.Errorf("notice record = %q, want rec-1", notice.RecordID)
		}
		var got infusion.Change
		if err := json.Unmarshal(notice.Change, &got); err != nil {
			t.Fatalf("unmarshal embedded change: %v", err)
		}
		if got.EntityID != "ev-1" || got.Action != infusion.ActionCreated {
			t.Errorf("embedded change = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no notice delivered")
	}
}

func TestHubBroadcastNoSubscribers(t *testing.T) {
	hub := NewHub(nil)
	// Must not panic.
	hub.Broadcast("rec-empty", []byte("x"))
}

// A terminal that stops draining its buffer must not block the ward.
func TestHubSlowClientDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	slow := newClient("slow", "rec-1", 1)
	hub.Register(slow)

	done := make(chan struct{})
	go func() {
		hub.Broadcast("rec-1", []byte("first"))
		hub.Broadcast("rec-1", []byte("second"))
		hub.Broadcast("rec-1", []byte("third"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
	if got := <-slow.Send; string(got) != "first" {
		t.Errorf("buffered payload = %s, want first", got)
	}
}

func TestServeWSRequiresRecord(t *testing.T) {
	hub := NewHub(nil)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()

	hub.ServeWS(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestServeWSFullRoundTrip(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?record=rec-1"
	dialer := gorillawebsocket.Dialer{}
	conn, resp, err := dialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	// Registration happens before ServeWS returns to the upgrade goroutine,
	// but give the server loop a moment on slow machines.
	deadline := time.Now().Add(2 * time.Second)
	for hub.RecordCount("rec-1") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.RecordCount("rec-1") != 1 {
		t.Fatalf("RecordCount(rec-1) = %d after connect, want 1", hub.RecordCount("rec-1"))
	}

	hub.BroadcastChange("rec-1", []byte(`{"entity":"rate_event"}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var notice Notice
	if err := conn.ReadJSON(&notice); err != nil {
		t.Fatalf("read notice: %v", err)
	}
	if notice.RecordID != "rec-1" || notice.Type != "chart.change" {
		t.Fatalf("notice = %+v", notice)
	}
}
