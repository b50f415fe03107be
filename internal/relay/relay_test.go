package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/manpreetbhatti/codepair/internal/protocol"
)

// Records every event queued for a connection
type MockPeer struct {
	id       string
	full     bool
	received []protocol.Outbound
	mu       sync.Mutex
}

func NewMockPeer(id string) *MockPeer {
	return &MockPeer{id: id}
}

func (m *MockPeer) ID() string { return m.id }

func (m *MockPeer) Send(ev protocol.Outbound) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return false
	}
	m.received = append(m.received, ev)
	return true
}

func (m *MockPeer) Received(kind protocol.Kind) []protocol.Outbound {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []protocol.Outbound
	for _, ev := range m.received {
		if ev.Type == kind {
			events = append(events, ev)
		}
	}
	return events
}

func (m *MockPeer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = nil
}

// In-memory stores that also record the order of document writes
type testStore struct {
	mu     sync.Mutex
	docs   map[string]string
	writes []string
	chat   map[string][]protocol.ChatMessage
}

func newTestStore() *testStore {
	return &testStore{
		docs: make(map[string]string),
		chat: make(map[string][]protocol.ChatMessage),
	}
}

func (s *testStore) Document(room string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.docs[room]
	return code, ok, nil
}

func (s *testStore) SetDocument(room, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[room] = code
	s.writes = append(s.writes, code)
	return nil
}

func (s *testStore) AppendChat(room string, msg protocol.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chat[room] = append(s.chat[room], msg)
	return nil
}

func (s *testStore) RecentChat(room string, limit int) ([]protocol.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := s.chat[room]
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return append([]protocol.ChatMessage(nil), messages...), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Remote
}

func (p *recordingPublisher) Publish(_ context.Context, ev Remote) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func newTestRelay(opts ...Option) (*Relay, *testStore) {
	store := newTestStore()
	return New(store, store, opts...), store
}

func send(r *Relay, p Peer, kind protocol.Kind, data string) {
	r.Dispatch(context.Background(), p, protocol.Inbound{Type: kind, Data: json.RawMessage(data)})
}

func codeOf(t *testing.T, ev protocol.Outbound) string {
	t.Helper()
	raw, ok := ev.Value("code")
	if !ok {
		t.Fatalf("Event %s has no code field", ev.Type)
	}
	var code string
	if err := json.Unmarshal(raw, &code); err != nil {
		t.Fatalf("Failed to decode code: %v", err)
	}
	return code
}

func TestJoinUnknownRoomGetsEmptySnapshot(t *testing.T) {
	r, _ := newTestRelay()
	x := NewMockPeer("x")

	send(r, x, protocol.KindJoin, `{"room":"never-edited"}`)

	updates := x.Received(protocol.KindCodeUpdate)
	if len(updates) != 1 {
		t.Fatalf("Expected exactly 1 snapshot, got %d", len(updates))
	}
	if code := codeOf(t, updates[0]); code != "" {
		t.Errorf("Expected empty snapshot, got %q", code)
	}
	if len(x.Received(protocol.KindChatHistory)) != 1 {
		t.Error("Expected chat history on join")
	}
}

func TestJoinGetsLatestDocument(t *testing.T) {
	r, _ := newTestRelay()
	writer := NewMockPeer("writer")

	for i := 1; i <= 5; i++ {
		send(r, writer, protocol.KindCodeChange, fmt.Sprintf(`{"room":"R","code":"v%d"}`, i))
	}

	late := NewMockPeer("late")
	send(r, late, protocol.KindJoin, `{"room":"R"}`)

	updates := late.Received(protocol.KindCodeUpdate)
	if len(updates) != 1 {
		t.Fatalf("Expected 1 snapshot, got %d", len(updates))
	}
	if code := codeOf(t, updates[0]); code != "v5" {
		t.Errorf("Expected latest text v5, got %q", code)
	}
}

func TestCodeChangeScenario(t *testing.T) {
	r, _ := newTestRelay()
	x := NewMockPeer("x")
	y := NewMockPeer("y")

	send(r, x, protocol.KindJoin, `{"room":"abc"}`)
	send(r, y, protocol.KindJoin, `{"room":"abc"}`)
	x.Reset()
	y.Reset()

	send(r, x, protocol.KindCodeChange, `{"room":"abc","code":"print(1)"}`)

	if got := x.Received(protocol.KindCodeUpdate); len(got) != 0 {
		t.Errorf("Sender should receive nothing, got %d events", len(got))
	}
	got := y.Received(protocol.KindCodeUpdate)
	if len(got) != 1 || codeOf(t, got[0]) != "print(1)" {
		t.Fatalf("Expected y to receive print(1), got %+v", got)
	}

	z := NewMockPeer("z")
	send(r, z, protocol.KindJoin, `{"room":"abc"}`)
	snap := z.Received(protocol.KindCodeUpdate)
	if len(snap) != 1 || codeOf(t, snap[0]) != "print(1)" {
		t.Errorf("Expected z snapshot print(1), got %+v", snap)
	}
	if len(x.Received(protocol.KindCodeUpdate)) != 0 || len(y.Received(protocol.KindCodeUpdate)) != 1 {
		t.Error("A join must not echo to existing members")
	}
}

func TestNoCrossRoomLeakage(t *testing.T) {
	r, _ := newTestRelay()
	a := NewMockPeer("a")
	b := NewMockPeer("b")
	both := NewMockPeer("both")

	send(r, a, protocol.KindJoin, `{"room":"A"}`)
	send(r, b, protocol.KindJoin, `{"room":"B"}`)
	send(r, both, protocol.KindJoin, `{"room":"A"}`)
	send(r, both, protocol.KindJoin, `{"room":"B"}`)
	a.Reset()
	b.Reset()
	both.Reset()

	send(r, a, protocol.KindCodeChange, `{"room":"A","code":"only A"}`)

	if len(b.Received(protocol.KindCodeUpdate)) != 0 {
		t.Error("Member of B received an event scoped to A")
	}
	got := both.Received(protocol.KindCodeUpdate)
	if len(got) != 1 || codeOf(t, got[0]) != "only A" {
		t.Errorf("Member of both rooms should receive A's update once, got %+v", got)
	}
}

func TestSignalRelayIsTransparent(t *testing.T) {
	tests := []struct {
		kind  protocol.Kind
		field string
		value string
	}{
		{protocol.KindOffer, "offer", `{"sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1","type":"offer"}`},
		{protocol.KindAnswer, "answer", `{ "sdp" : "...", "type" : "answer" }`},
		{protocol.KindICECandidate, "candidate", `{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host","sdpMid":"0","sdpMLineIndex":0}`},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			r, store := newTestRelay()
			x := NewMockPeer("x")
			y := NewMockPeer("y")
			send(r, x, protocol.KindJoin, `{"room":"r1"}`)
			send(r, y, protocol.KindJoin, `{"room":"r1"}`)

			send(r, x, tt.kind, fmt.Sprintf(`{"room":"r1",%q:%s}`, tt.field, tt.value))

			if len(x.Received(tt.kind)) != 0 {
				t.Error("Sender should not receive its own signal")
			}
			got := y.Received(tt.kind)
			if len(got) != 1 {
				t.Fatalf("Expected 1 %s, got %d", tt.kind, len(got))
			}
			raw, ok := got[0].Value(tt.field)
			if !ok || string(raw) != tt.value {
				t.Errorf("Payload changed: got %s, want %s", raw, tt.value)
			}
			if len(store.writes) != 0 {
				t.Error("Signals must not touch document state")
			}
		})
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	r, _ := newTestRelay()
	x := NewMockPeer("x")
	y := NewMockPeer("y")

	send(r, x, protocol.KindJoin, `{"room":"r1"}`)
	send(r, x, protocol.KindLeave, `{"room":"r1"}`)
	x.Reset()

	send(r, y, protocol.KindCodeChange, `{"room":"r1","code":"x"}`)

	if len(x.Received(protocol.KindCodeUpdate)) != 0 {
		t.Error("Client that left should receive nothing")
	}
}

func TestDisconnectRemovesFromAllRooms(t *testing.T) {
	r, _ := newTestRelay()
	x := NewMockPeer("x")

	send(r, x, protocol.KindJoin, `{"room":"a"}`)
	send(r, x, protocol.KindJoin, `{"room":"b"}`)
	r.Connect(x)
	r.Disconnect(x)

	if rooms := r.Members().RoomsOf("x"); len(rooms) != 0 {
		t.Errorf("Expected no rooms after disconnect, got %v", rooms)
	}
	if r.Members().RoomCount() != 0 {
		t.Errorf("Expected empty registry, got %d rooms", r.Members().RoomCount())
	}
}

func TestMalformedEventsAreDropped(t *testing.T) {
	r, store := newTestRelay()
	x := NewMockPeer("x")
	y := NewMockPeer("y")
	send(r, y, protocol.KindJoin, `{"room":""}`)
	send(r, y, protocol.KindJoin, `{"room":"r"}`)
	y.Reset()

	send(r, x, protocol.KindJoin, `{}`)
	send(r, x, protocol.KindCodeChange, `{"code":"lost"}`)
	send(r, x, protocol.KindCodeChange, `{"room":"r","code":12}`)
	send(r, x, protocol.KindOffer, `[1,2,3]`)
	send(r, x, protocol.Kind("bogus"), `{"room":"r"}`)

	if len(x.Received(protocol.KindCodeUpdate)) != 0 {
		t.Error("Join without a room should not reply")
	}
	if len(y.Received(protocol.KindCodeUpdate)) != 0 || len(y.Received(protocol.KindOffer)) != 0 {
		t.Error("Malformed events should not be broadcast")
	}
	if len(store.writes) != 0 {
		t.Errorf("Malformed events should not write state, got %v", store.writes)
	}
	if r.Members().RoomCount() != 1 {
		t.Errorf("Expected only room r to be occupied, got %d", r.Members().RoomCount())
	}
}

func TestCodeChangeWithoutCodeClearsDocument(t *testing.T) {
	r, _ := newTestRelay()
	x := NewMockPeer("x")

	send(r, x, protocol.KindCodeChange, `{"room":"r","code":"something"}`)
	send(r, x, protocol.KindCodeChange, `{"room":"r"}`)

	code, ok := r.Snapshot("r")
	if !ok || code != "" {
		t.Errorf("Expected empty document, got %q (ok=%v)", code, ok)
	}
}

func TestChatMessageReachesSenderAndHistory(t *testing.T) {
	r, _ := newTestRelay(WithHistoryLimit(2))
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	x := NewMockPeer("x")
	y := NewMockPeer("y")
	send(r, x, protocol.KindJoin, `{"room":"r"}`)
	send(r, y, protocol.KindJoin, `{"room":"r"}`)

	send(r, x, protocol.KindChatMessage, `{"room":"r","username":"ada","message":"one"}`)
	send(r, x, protocol.KindChatMessage, `{"room":"r","username":"ada","message":"   "}`)
	send(r, y, protocol.KindChatMessage, `{"room":"r","username":"bob","message":"two"}`)
	send(r, y, protocol.KindChatMessage, `{"room":"r","username":"bob","message":"three"}`)

	if got := len(x.Received(protocol.KindChatMessage)); got != 3 {
		t.Errorf("Expected sender to receive 3 chat messages, got %d", got)
	}

	z := NewMockPeer("z")
	send(r, z, protocol.KindJoin, `{"room":"r"}`)
	history := z.Received(protocol.KindChatHistory)
	if len(history) != 1 {
		t.Fatalf("Expected 1 chat history, got %d", len(history))
	}
	raw, _ := history[0].Value("messages")
	var messages []protocol.ChatMessage
	if err := json.Unmarshal(raw, &messages); err != nil {
		t.Fatalf("Failed to decode history: %v", err)
	}
	if len(messages) != 2 || messages[0].Message != "two" || messages[1].Message != "three" {
		t.Errorf("Unexpected history %+v", messages)
	}
	if !messages[0].SentAt.Equal(fixed) {
		t.Errorf("Expected sent_at %v, got %v", fixed, messages[0].SentAt)
	}
}

func TestPublisherReceivesAppliedEvents(t *testing.T) {
	pub := &recordingPublisher{}
	r, _ := newTestRelay(WithPublisher(pub))
	x := NewMockPeer("x")

	send(r, x, protocol.KindJoin, `{"room":"r"}`)
	send(r, x, protocol.KindLeave, `{"room":"r"}`)
	send(r, x, protocol.KindCodeChange, `{"room":"r","code":"c"}`)
	send(r, x, protocol.KindICECandidate, `{"room":"r","candidate":{}}`)
	send(r, x, protocol.KindChatMessage, `{"room":"r","username":"u","message":"m"}`)
	r.Close()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 3 {
		t.Fatalf("Expected 3 published events, got %d", len(pub.events))
	}
	want := []protocol.Kind{protocol.KindCodeUpdate, protocol.KindICECandidate, protocol.KindChatMessage}
	for i, ev := range pub.events {
		if ev.Event.Type != want[i] || ev.Room != "r" || ev.Sender != "x" {
			t.Errorf("Event %d: unexpected %+v", i, ev)
		}
	}
}

// Holds back its first publish so later events would overtake it if the
// relay published outside the room order
type slowFirstPublisher struct {
	recordingPublisher
	once sync.Once
}

func (p *slowFirstPublisher) Publish(ctx context.Context, ev Remote) error {
	p.once.Do(func() { time.Sleep(100 * time.Millisecond) })
	return p.recordingPublisher.Publish(ctx, ev)
}

func TestPublishOrderMatchesApplyOrder(t *testing.T) {
	pub := &slowFirstPublisher{}
	r, _ := newTestRelay(WithPublisher(pub))
	x := NewMockPeer("x")
	y := NewMockPeer("y")
	send(r, x, protocol.KindJoin, `{"room":"r"}`)
	send(r, y, protocol.KindJoin, `{"room":"r"}`)

	done := make(chan struct{})
	go func() {
		send(r, x, protocol.KindCodeChange, `{"room":"r","code":"first"}`)
		close(done)
	}()
	// y writes as soon as x's change is applied, while x's publish may still be in flight
	for {
		if code, _ := r.Snapshot("r"); code == "first" {
			break
		}
		time.Sleep(time.Millisecond)
	}
	send(r, y, protocol.KindCodeChange, `{"room":"r","code":"second"}`)
	<-done
	r.Close()

	pub.mu.Lock()
	events := append([]Remote(nil), pub.events...)
	pub.mu.Unlock()

	if len(events) != 2 {
		t.Fatalf("Expected 2 published events, got %d", len(events))
	}
	if got := codeOf(t, events[0].Event); got != "first" {
		t.Errorf("Expected first publish to carry \"first\", got %q", got)
	}
	if got := codeOf(t, events[1].Event); got != "second" {
		t.Errorf("Expected second publish to carry \"second\", got %q", got)
	}

	// another instance applying the stream converges on the local document
	peer, _ := newTestRelay()
	for _, ev := range events {
		peer.ApplyRemote(context.Background(), ev)
	}
	local, _ := r.Snapshot("r")
	remote, _ := peer.Snapshot("r")
	if local != "second" || remote != local {
		t.Errorf("Expected both instances to hold \"second\", local=%q remote=%q", local, remote)
	}
}

func TestCloseWithoutPublisher(t *testing.T) {
	r, _ := newTestRelay()
	r.Close()
	send(r, NewMockPeer("x"), protocol.KindCodeChange, `{"room":"r","code":"c"}`)
	if code, _ := r.Snapshot("r"); code != "c" {
		t.Errorf("Expected relay to keep working without a publisher, got %q", code)
	}
}

func TestApplyRemote(t *testing.T) {
	r, store := newTestRelay()
	local := NewMockPeer("local")
	send(r, local, protocol.KindJoin, `{"room":"r"}`)
	local.Reset()

	r.ApplyRemote(context.Background(), Remote{Room: "r", Sender: "elsewhere", Event: protocol.CodeUpdate("remote text")})
	r.ApplyRemote(context.Background(), Remote{Room: "r", Sender: "elsewhere", Event: protocol.Signal(protocol.KindOffer, "offer", json.RawMessage(`{"sdp":"x"}`))})
	r.ApplyRemote(context.Background(), Remote{Room: "r", Sender: "elsewhere", Event: protocol.Chat(protocol.ChatMessage{Username: "u", Message: "hi"})})

	if code, _ := r.Snapshot("r"); code != "remote text" {
		t.Errorf("Expected remote text stored, got %q", code)
	}
	if len(local.Received(protocol.KindCodeUpdate)) != 1 {
		t.Error("Expected remote code_update delivered locally")
	}
	if len(local.Received(protocol.KindOffer)) != 1 {
		t.Error("Expected remote offer delivered locally")
	}
	if len(store.chat["r"]) != 1 || store.chat["r"][0].Message != "hi" {
		t.Errorf("Expected remote chat stored, got %+v", store.chat["r"])
	}
}

func TestSlowPeerDoesNotBlockOthers(t *testing.T) {
	r, _ := newTestRelay()
	slow := NewMockPeer("slow")
	fast := NewMockPeer("fast")
	writer := NewMockPeer("writer")
	send(r, slow, protocol.KindJoin, `{"room":"r"}`)
	send(r, fast, protocol.KindJoin, `{"room":"r"}`)
	slow.full = true

	send(r, writer, protocol.KindCodeChange, `{"room":"r","code":"x"}`)

	if len(fast.Received(protocol.KindCodeUpdate)) != 2 {
		t.Error("Fast peer should receive snapshot and update")
	}
}

func TestConcurrentChangesObservedInApplyOrder(t *testing.T) {
	r, store := newTestRelay()
	observer := NewMockPeer("observer")
	send(r, observer, protocol.KindJoin, `{"room":"shared"}`)
	observer.Reset()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			writer := NewMockPeer(fmt.Sprintf("writer-%d", w))
			for i := 0; i < 25; i++ {
				send(r, writer, protocol.KindCodeChange, fmt.Sprintf(`{"room":"shared","code":"%d-%d"}`, w, i))
			}
		}(w)
	}
	wg.Wait()

	updates := observer.Received(protocol.KindCodeUpdate)
	if len(updates) != len(store.writes) {
		t.Fatalf("Expected %d updates, got %d", len(store.writes), len(updates))
	}
	for i, ev := range updates {
		if code := codeOf(t, ev); code != store.writes[i] {
			t.Fatalf("Update %d: observed %q, applied %q", i, code, store.writes[i])
		}
	}
}
