// Package relay routes room events between connections and keeps the latest
// document text of every room.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/manpreetbhatti/codepair/internal/protocol"
)

const DefaultHistoryLimit = 100

// Holds the last written document text per room
type DocumentStore interface {
	Document(room string) (code string, ok bool, err error)
	SetDocument(room, code string) error
}

type ChatStore interface {
	AppendChat(room string, msg protocol.ChatMessage) error
	RecentChat(room string, limit int) ([]protocol.ChatMessage, error)
}

// Summary of a stored document
type DocumentInfo struct {
	RoomID    string
	Length    int
	UpdatedAt time.Time
}

// Remote is an event fanned out on another instance
type Remote struct {
	Room   string
	Sender string
	Event  protocol.Outbound
}

// Forwards locally applied events to other instances
type Publisher interface {
	Publish(ctx context.Context, ev Remote) error
}

type Relay struct {
	docs         DocumentStore
	chat         ChatStore
	members      *Registry
	locks        *roomLocks
	publisher    Publisher
	outbox       *outbox
	tracer       trace.Tracer
	historyLimit int
	now          func() time.Time
}

type Option func(*Relay)

func WithPublisher(p Publisher) Option {
	return func(r *Relay) { r.publisher = p }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Relay) { r.tracer = t }
}

// WithHistoryLimit sets how many chat messages a joiner receives
func WithHistoryLimit(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

func New(docs DocumentStore, chat ChatStore, opts ...Option) *Relay {
	r := &Relay{
		docs:         docs,
		chat:         chat,
		members:      NewRegistry(),
		locks:        newRoomLocks(),
		tracer:       otel.Tracer("github.com/manpreetbhatti/codepair/internal/relay"),
		historyLimit: DefaultHistoryLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.publisher != nil {
		r.outbox = newOutbox(r.publisher)
	}
	return r
}

func (r *Relay) Connect(p Peer) {
	log.Printf("✅ Client %s connected", p.ID())
}

// Disconnect removes the peer from every room it joined
func (r *Relay) Disconnect(p Peer) {
	rooms := r.members.RemoveAll(p.ID())
	log.Printf("❌ Client %s disconnected (left %d rooms)", p.ID(), len(rooms))
}

// Dispatch handles one inbound event. Malformed events are logged and dropped.
func (r *Relay) Dispatch(ctx context.Context, p Peer, in protocol.Inbound) {
	ctx, span := r.tracer.Start(ctx, "relay."+string(in.Type),
		trace.WithAttributes(attribute.String("relay.conn_id", p.ID())))
	defer span.End()

	var err error
	switch in.Type {
	case protocol.KindJoin:
		err = r.join(ctx, p, in.Data)
	case protocol.KindLeave:
		err = r.leave(ctx, p, in.Data)
	case protocol.KindCodeChange:
		err = r.codeChange(ctx, p, in.Data)
	case protocol.KindChatMessage:
		err = r.chatMessage(ctx, p, in.Data)
	default:
		field, ok := protocol.SignalField(in.Type)
		if !ok {
			log.Printf("⚠️ Unknown event %q from %s", in.Type, p.ID())
			span.SetStatus(codes.Error, "unknown event")
			return
		}
		err = r.relaySignal(ctx, p, in.Type, field, in.Data)
	}

	if err != nil {
		log.Printf("⚠️ Dropped %s from %s: %v", in.Type, p.ID(), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (r *Relay) join(ctx context.Context, p Peer, data json.RawMessage) error {
	req, err := protocol.ParseJoin(data)
	if err != nil {
		return err
	}
	tagRoom(ctx, req.Room)

	unlock := r.locks.lock(req.Room)
	r.members.Join(req.Room, p)
	p.Send(protocol.CodeUpdate(r.document(req.Room)))
	p.Send(protocol.ChatHistory(r.history(req.Room)))
	unlock()

	if req.Username != "" {
		log.Printf("🔵 Client %s (%s) joined room: %s", p.ID(), req.Username, req.Room)
	} else {
		log.Printf("🔵 Client %s joined room: %s", p.ID(), req.Room)
	}
	return nil
}

func (r *Relay) leave(ctx context.Context, p Peer, data json.RawMessage) error {
	req, err := protocol.ParseLeave(data)
	if err != nil {
		return err
	}
	tagRoom(ctx, req.Room)

	if r.members.Leave(req.Room, p.ID()) {
		log.Printf("🔴 Client %s left room: %s", p.ID(), req.Room)
	}
	return nil
}

func (r *Relay) codeChange(ctx context.Context, p Peer, data json.RawMessage) error {
	req, err := protocol.ParseCodeChange(data)
	if err != nil {
		return err
	}
	tagRoom(ctx, req.Room)

	update := protocol.CodeUpdate(req.Code)

	unlock := r.locks.lock(req.Room)
	if err := r.docs.SetDocument(req.Room, req.Code); err != nil {
		log.Printf("Failed to store document for room %s: %v", req.Room, err)
	}
	r.fanOut(req.Room, update, p.ID())
	r.publish(Remote{Room: req.Room, Sender: p.ID(), Event: update})
	unlock()
	return nil
}

// relaySignal forwards offer, answer and ice-candidate payloads untouched.
func (r *Relay) relaySignal(ctx context.Context, p Peer, kind protocol.Kind, field string, data json.RawMessage) error {
	req, err := protocol.ParseSignal(data, field)
	if err != nil {
		return err
	}
	tagRoom(ctx, req.Room)

	if kind != protocol.KindICECandidate {
		log.Printf("📡 Received %s for room: %s", kind, req.Room)
	}

	ev := protocol.Signal(kind, field, req.Payload)
	unlock := r.locks.lock(req.Room)
	r.fanOut(req.Room, ev, p.ID())
	r.publish(Remote{Room: req.Room, Sender: p.ID(), Event: ev})
	unlock()
	return nil
}

func (r *Relay) chatMessage(ctx context.Context, p Peer, data json.RawMessage) error {
	req, err := protocol.ParseChat(data)
	if err != nil {
		return err
	}
	tagRoom(ctx, req.Room)
	if req.Message == "" {
		return nil
	}

	msg := protocol.ChatMessage{
		Username: req.Username,
		Message:  req.Message,
		SentAt:   r.now(),
	}
	ev := protocol.Chat(msg)

	unlock := r.locks.lock(req.Room)
	if err := r.chat.AppendChat(req.Room, msg); err != nil {
		log.Printf("Failed to store chat message for room %s: %v", req.Room, err)
	}
	// the sender sees its own message through the broadcast
	r.fanOut(req.Room, ev, "")
	r.publish(Remote{Room: req.Room, Sender: p.ID(), Event: ev})
	unlock()
	return nil
}

// ApplyRemote applies an event published by another instance to local state
// and delivers it to local members of the room.
func (r *Relay) ApplyRemote(ctx context.Context, ev Remote) {
	_, span := r.tracer.Start(ctx, "relay.remote."+string(ev.Event.Type),
		trace.WithAttributes(attribute.String("relay.room", ev.Room)))
	defer span.End()

	if ev.Room == "" {
		return
	}

	switch ev.Event.Type {
	case protocol.KindCodeUpdate:
		var code string
		if raw, ok := ev.Event.Value("code"); ok {
			if err := json.Unmarshal(raw, &code); err != nil {
				log.Printf("⚠️ Dropped remote code_update for room %s: %v", ev.Room, err)
				return
			}
		}
		unlock := r.locks.lock(ev.Room)
		if err := r.docs.SetDocument(ev.Room, code); err != nil {
			log.Printf("Failed to store document for room %s: %v", ev.Room, err)
		}
		r.fanOut(ev.Room, ev.Event, ev.Sender)
		unlock()

	case protocol.KindChatMessage:
		msg, err := decodeChat(ev.Event)
		if err != nil {
			log.Printf("⚠️ Dropped remote chat_message for room %s: %v", ev.Room, err)
			return
		}
		unlock := r.locks.lock(ev.Room)
		if err := r.chat.AppendChat(ev.Room, msg); err != nil {
			log.Printf("Failed to store chat message for room %s: %v", ev.Room, err)
		}
		r.fanOut(ev.Room, ev.Event, "")
		unlock()

	default:
		if _, ok := protocol.SignalField(ev.Event.Type); !ok {
			log.Printf("⚠️ Unknown remote event %q for room %s", ev.Event.Type, ev.Room)
			return
		}
		r.fanOut(ev.Room, ev.Event, ev.Sender)
	}
}

func tagRoom(ctx context.Context, room string) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("relay.room", room))
}

func decodeChat(ev protocol.Outbound) (protocol.ChatMessage, error) {
	fields := make(map[string]json.RawMessage, len(ev.Fields))
	for _, f := range ev.Fields {
		fields[f.Name] = f.Value
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	var msg protocol.ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return protocol.ChatMessage{}, err
	}
	return msg, nil
}

// fanOut queues ev for every member of room except the connection named by exclude.
func (r *Relay) fanOut(room string, ev protocol.Outbound, exclude string) {
	for _, member := range r.members.Members(room) {
		if member.ID() == exclude {
			continue
		}
		if !member.Send(ev) {
			log.Printf("⚠️ Dropped %s for slow client %s in room %s", ev.Type, member.ID(), room)
		}
	}
}

// publish queues ev for other instances. Callers hold the room lock so the
// queue order matches the order events were applied.
func (r *Relay) publish(ev Remote) {
	if r.outbox == nil {
		return
	}
	r.outbox.push(ev)
}

// Close flushes events still waiting to be published
func (r *Relay) Close() {
	if r.outbox != nil {
		r.outbox.close()
	}
}

func (r *Relay) document(room string) string {
	code, _, err := r.docs.Document(room)
	if err != nil {
		log.Printf("Failed to load document for room %s: %v", room, err)
		return ""
	}
	return code
}

func (r *Relay) history(room string) []protocol.ChatMessage {
	messages, err := r.chat.RecentChat(room, r.historyLimit)
	if err != nil {
		log.Printf("Failed to load chat history for room %s: %v", room, err)
		return nil
	}
	return messages
}

// Snapshot returns the room's document text as a joiner would see it
func (r *Relay) Snapshot(room string) (string, bool) {
	unlock := r.locks.lock(room)
	defer unlock()

	code, ok, err := r.docs.Document(room)
	if err != nil {
		log.Printf("Failed to load document for room %s: %v", room, err)
		return "", false
	}
	return code, ok
}

func (r *Relay) Members() *Registry {
	return r.members
}
