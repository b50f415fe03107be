package room

import (
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/manpreetbhatti/codepair/internal/protocol"
	"github.com/manpreetbhatti/codepair/internal/relay"
)

// Shared state of one room
type Room struct {
	ID        string
	code      string
	hasCode   bool
	updatedAt time.Time
	chat      []protocol.ChatMessage
	mu        sync.RWMutex
}

// Creates a new room with the given ID
func NewRoom(id string) *Room {
	return &Room{
		ID:   id,
		chat: make([]protocol.ChatMessage, 0),
	}
}

// Replaces the document text
func (r *Room) SetCode(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code = code
	r.hasCode = true
	r.updatedAt = time.Now().UTC()
}

// Returns the document text and whether it was ever written
func (r *Room) Code() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.code, r.hasCode
}

// Appends a chat message, keeping at most limit entries
func (r *Room) AddChat(msg protocol.ChatMessage, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat = append(r.chat, msg)
	if limit > 0 && len(r.chat) > limit {
		r.chat = append([]protocol.ChatMessage(nil), r.chat[len(r.chat)-limit:]...)
	}
}

// Returns up to limit of the newest chat messages, oldest first
func (r *Room) Chat(limit int) []protocol.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	start := 0
	if limit > 0 && len(r.chat) > limit {
		start = len(r.chat) - limit
	}
	// Return a copy to avoid race conditions
	messages := make([]protocol.ChatMessage, len(r.chat)-start)
	copy(messages, r.chat[start:])
	return messages
}

// Store keeps rooms in memory for the lifetime of the process
type Store struct {
	rooms     map[string]*Room
	chatLimit int
	mu        sync.RWMutex
}

func NewStore(chatLimit int) *Store {
	return &Store{
		rooms:     make(map[string]*Room),
		chatLimit: chatLimit,
	}
}

func (s *Store) get(id string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	return r, ok
}

func (s *Store) getOrCreate(id string) *Room {
	if r, ok := s.get(id); ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[id]; ok {
		return r
	}
	r := NewRoom(id)
	s.rooms[id] = r
	return r
}

func (s *Store) Document(roomID string) (string, bool, error) {
	r, ok := s.get(roomID)
	if !ok {
		return "", false, nil
	}
	code, ok := r.Code()
	return code, ok, nil
}

func (s *Store) SetDocument(roomID, code string) error {
	s.getOrCreate(roomID).SetCode(code)
	return nil
}

func (s *Store) AppendChat(roomID string, msg protocol.ChatMessage) error {
	s.getOrCreate(roomID).AddChat(msg, s.chatLimit)
	return nil
}

func (s *Store) RecentChat(roomID string, limit int) ([]protocol.ChatMessage, error) {
	r, ok := s.get(roomID)
	if !ok {
		return nil, nil
	}
	return r.Chat(limit), nil
}

// ListDocuments returns rooms that have a document, most recently updated first
func (s *Store) ListDocuments(limit, offset int) ([]relay.DocumentInfo, error) {
	s.mu.RLock()
	infos := make([]relay.DocumentInfo, 0, len(s.rooms))
	for _, r := range s.rooms {
		r.mu.RLock()
		if r.hasCode {
			infos = append(infos, relay.DocumentInfo{
				RoomID:    r.ID,
				Length:    utf8.RuneCountInString(r.code),
				UpdatedAt: r.updatedAt,
			})
		}
		r.mu.RUnlock()
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].RoomID < infos[j].RoomID
		}
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})

	if offset >= len(infos) {
		return []relay.DocumentInfo{}, nil
	}
	infos = infos[offset:]
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

// DocumentInfo describes one room's document
func (s *Store) DocumentInfo(roomID string) (relay.DocumentInfo, bool, error) {
	r, ok := s.get(roomID)
	if !ok {
		return relay.DocumentInfo{}, false, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.hasCode {
		return relay.DocumentInfo{}, false, nil
	}
	return relay.DocumentInfo{
		RoomID:    r.ID,
		Length:    utf8.RuneCountInString(r.code),
		UpdatedAt: r.updatedAt,
	}, true, nil
}

func (s *Store) DocumentCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, r := range s.rooms {
		if _, ok := r.Code(); ok {
			count++
		}
	}
	return count, nil
}
