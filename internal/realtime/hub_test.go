package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/auroraguard/internal/decision"
	"github.com/mbd888/auroraguard/internal/events"
	"github.com/mbd888/auroraguard/internal/logging"
)

func testHub() *Hub {
	return NewHub(logging.Discard())
}

func decisionEvent(outcome decision.Outcome, path decision.Path, risk float64) *events.DecisionEvent {
	return &events.DecisionEvent{
		DecisionID:    "d-" + string(outcome),
		TransactionID: "txn-1",
		Outcome:       outcome,
		Path:          path,
		Risk:          risk,
		Timestamp:     time.Now(),
	}
}

// ---------------------------------------------------------------------------
// Subscription tests
// ---------------------------------------------------------------------------

func TestSubscription_EmptyMatchesEverything(t *testing.T) {
	var sub Subscription
	if !sub.Matches(decisionEvent(decision.OutcomeApprove, decision.PathFused, 0)) {
		t.Error("empty subscription should match")
	}
}

func TestSubscription_Filters(t *testing.T) {
	declined := decisionEvent(decision.OutcomeDecline, decision.PathHardBlock, 1)
	approved := decisionEvent(decision.OutcomeApprove, decision.PathFused, 0.1)
	degraded := decisionEvent(decision.OutcomeReview, decision.PathRulesOnly, 0.6)
	degraded.ModelUnavailable = true

	tests := []struct {
		name string
		sub  Subscription
		ev   *events.DecisionEvent
		want bool
	}{
		{"outcome hit", Subscription{Outcomes: []decision.Outcome{decision.OutcomeDecline}}, declined, true},
		{"outcome miss", Subscription{Outcomes: []decision.Outcome{decision.OutcomeDecline}}, approved, false},
		{"path hit", Subscription{Paths: []decision.Path{decision.PathRulesOnly}}, degraded, true},
		{"path miss", Subscription{Paths: []decision.Path{decision.PathRulesOnly}}, approved, false},
		{"degraded only hit", Subscription{DegradedOnly: true}, degraded, true},
		{"degraded only miss", Subscription{DegradedOnly: true}, declined, false},
		{"min risk hit", Subscription{MinRisk: 0.5}, degraded, true},
		{"min risk miss", Subscription{MinRisk: 0.5}, approved, false},
		{"combined", Subscription{Outcomes: []decision.Outcome{decision.OutcomeReview}, DegradedOnly: true, MinRisk: 0.7}, degraded, false},
	}
	for _, tt := range tests {
		if got := tt.sub.Matches(tt.ev); got != tt.want {
			t.Errorf("%s: Matches = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseSubscription(t *testing.T) {
	q := url.Values{}
	q.Set("outcome", "review, decline")
	q.Set("path", "rules_only")
	q.Set("degraded", "true")
	q.Set("min_risk", "0.4")

	sub, err := ParseSubscription(q)
	if err != nil {
		t.Fatalf("ParseSubscription: %v", err)
	}
	if len(sub.Outcomes) != 2 || sub.Outcomes[1] != decision.OutcomeDecline {
		t.Errorf("outcomes = %v", sub.Outcomes)
	}
	if len(sub.Paths) != 1 || !sub.DegradedOnly || sub.MinRisk != 0.4 {
		t.Errorf("unexpected subscription %+v", sub)
	}

	for _, bad := range []url.Values{
		{"outcome": {"maybe"}},
		{"path": {"fast"}},
		{"degraded": {"perhaps"}},
		{"min_risk": {"2"}},
		{"min_risk": {"x"}},
	} {
		if _, err := ParseSubscription(bad); err == nil {
			t.Errorf("expected error for %v", bad)
		}
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats.ConnectedClients != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats.ConnectedClients)
	}
	if stats.TotalEvents != 0 {
		t.Errorf("Expected 0 total events, got %v", stats.TotalEvents)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats.ConnectedClients != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats.ConnectedClients)
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats.ConnectedClients != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats.ConnectedClients)
	}
	if stats.PeakClients != 1 {
		t.Errorf("Expected peak still 1, got %v", stats.PeakClients)
	}
}

func TestHub_FilteredPublish(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Outcomes: []decision.Outcome{decision.OutcomeDecline}},
	}
	h.register <- client

	h.Publish(context.Background(), decisionEvent(decision.OutcomeApprove, decision.PathFused, 0.1))
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive approve decisions")
	default:
	}

	h.Publish(context.Background(), decisionEvent(decision.OutcomeDecline, decision.PathHardBlock, 1))

	select {
	case msg := <-client.send:
		var m Message
		if err := json.Unmarshal(msg, &m); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if m.Type != "decision" || m.Decision.Outcome != decision.OutcomeDecline {
			t.Errorf("unexpected frame %+v", m)
		}
	case <-time.After(time.Second):
		t.Error("Client should receive decline decision")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/v1/stream/decisions", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after stop, got %d", rec.Code)
	}
}

func TestHub_WebSocketStream(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?outcome=review&min_risk=0.5"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for h.Stats().ConnectedClients == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.Publish(ctx, decisionEvent(decision.OutcomeReview, decision.PathFused, 0.2))
	h.Publish(ctx, decisionEvent(decision.OutcomeReview, decision.PathFused, 0.7))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Decision.Risk != 0.7 {
		t.Errorf("expected only the 0.7 decision, got risk %v", m.Decision.Risk)
	}

	// Narrow the stream to declines and expect an acknowledgement.
	if err := conn.WriteJSON(Subscription{Outcomes: []decision.Outcome{decision.OutcomeDecline}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack Message
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != TypeSubscribed || ack.Subscription == nil || ack.Subscription.Outcomes[0] != decision.OutcomeDecline {
		t.Fatalf("unexpected ack %+v", ack)
	}

	h.Publish(ctx, decisionEvent(decision.OutcomeReview, decision.PathFused, 0.9))
	h.Publish(ctx, decisionEvent(decision.OutcomeDecline, decision.PathHardBlock, 1))
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Decision.Outcome != decision.OutcomeDecline {
		t.Errorf("expected decline after resubscribe, got %v", m.Decision.Outcome)
	}

	// An invalid update is rejected and the previous filter stays active.
	if err := conn.WriteJSON(map[string]any{"minRisk": 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if ack.Type != TypeError {
		t.Errorf("expected error frame, got %+v", ack)
	}
}

func TestHub_EvictsSlowClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	slow := &Client{hub: h, send: make(chan []byte, 1)}
	h.register <- slow

	for i := 0; i < 3; i++ {
		h.Publish(ctx, decisionEvent(decision.OutcomeApprove, decision.PathFused, 0.1))
	}

	deadline := time.Now().Add(time.Second)
	for h.Stats().EvictedClients == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stats := h.Stats()
	if stats.EvictedClients != 1 || stats.ConnectedClients != 0 {
		t.Fatalf("expected slow client evicted, got %+v", stats)
	}

	// The client's queue is closed; a late reply must not panic.
	slow.reply(Message{Type: TypeError, Error: "late"})
}

func TestSubscription_Validate(t *testing.T) {
	bad := []Subscription{
		{Outcomes: []decision.Outcome{"maybe"}},
		{Paths: []decision.Path{"fast"}},
		{MinRisk: -0.1},
		{MinRisk: 1.1},
	}
	for _, sub := range bad {
		if err := sub.Validate(); err == nil {
			t.Errorf("expected error for %+v", sub)
		}
	}
	if err := (Subscription{Paths: []decision.Path{decision.PathFusedUncalibrated}, MinRisk: 1}).Validate(); err != nil {
		t.Errorf("valid subscription rejected: %v", err)
	}
}

func TestHandleWebSocket_BadFilter(t *testing.T) {
	h := testHub()
	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/v1/stream/decisions?outcome=maybe", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
