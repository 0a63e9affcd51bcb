package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/routeduel/routeduel/go/internal/notify"
)

func waitForConnections(t *testing.T, cm *ConnectionManager, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cm.Stats()["total_connections"] == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never reached %d registered connections", want)
}

// Every connection following a session receives every event broadcast to it;
// connections following a different session receive nothing.
func TestBroadcastReachesSessionPool(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cm.Start(ctx)

	sessionID := uuid.New()
	otherID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid, err := uuid.Parse(r.URL.Query().Get("session"))
		if err != nil {
			http.Error(w, "bad session", http.StatusBadRequest)
			return
		}
		if err := cm.UpgradeConnection(w, r, r.URL.Query().Get("participant"), sid); err != nil {
			t.Errorf("upgrade: %v", err)
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	dial := func(sid uuid.UUID, participant string) *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?session="+sid.String()+"&participant="+participant, nil)
		if err != nil {
			t.Fatalf("dial %s: %v", participant, err)
		}
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	host := dial(sessionID, "host")
	guest := dial(sessionID, "guest")
	bystander := dial(otherID, "bystander")
	waitForConnections(t, cm, 3)

	cm.BroadcastToSession(sessionID, &SessionEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID.String(),
		Reason:    notify.ReasonStarted,
	})

	for name, conn := range map[string]*websocket.Conn{"host": host, "guest": guest} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("%s read: %v", name, err)
		}
		var got SessionEvent
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatalf("%s decode: %v", name, err)
		}
		if got.Reason != notify.ReasonStarted || got.SessionID != sessionID.String() {
			t.Errorf("%s got reason=%s session=%s, want %s for %s", name, got.Reason, got.SessionID, notify.ReasonStarted, sessionID)
		}
	}

	// The other session's pool stays quiet.
	bystander.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := bystander.ReadMessage(); err == nil {
		t.Error("bystander received an event for a session it does not follow")
	}
}

func TestStatsCountsPerSession(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig())

	stats := cm.Stats()
	if stats["total_connections"] != 0 || stats["active_sessions"] != 0 {
		t.Errorf("fresh manager stats = %v, want zeroes", stats)
	}
}
