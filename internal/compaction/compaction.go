package compaction

import (
	"log"
	"sync"
	"time"
)

// ChatLog is the storage the service prunes
type ChatLog interface {
	ChatRooms() ([]string, error)
	ChatCount(roomID string) (int, error)
	PruneChat(roomID string, keepCount int) (int64, error)
}

type Config struct {
	Interval time.Duration
	// Rooms are pruned once they hold at least this many messages
	MessageThreshold int
	KeepRecent       int
}

func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Minute,
		MessageThreshold: 200,
		KeepRecent:       100,
	}
}

type Service struct {
	chat   ChatLog
	config Config
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(chat ChatLog, config Config) *Service {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.KeepRecent <= 0 {
		config.KeepRecent = defaults.KeepRecent
	}
	if config.MessageThreshold < config.KeepRecent {
		config.MessageThreshold = config.KeepRecent
	}
	return &Service{
		chat:   chat,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("🗜️ Compaction service started (interval: %v, threshold: %d messages)",
		s.config.Interval, s.config.MessageThreshold)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Println("🗜️ Compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.compactAllRooms()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.compactAllRooms()
		}
	}
}

func (s *Service) compactAllRooms() int {
	rooms, err := s.chat.ChatRooms()
	if err != nil {
		log.Printf("Compaction: failed to list rooms: %v", err)
		return 0
	}

	compactedCount := 0
	for _, roomID := range rooms {
		if !s.shouldCompact(roomID) {
			continue
		}
		if err := s.compactRoom(roomID); err != nil {
			log.Printf("Compaction: failed for room %s: %v", roomID, err)
		} else {
			compactedCount++
		}
	}

	if compactedCount > 0 {
		log.Printf("🗜️ Compacted %d rooms", compactedCount)
	}
	return compactedCount
}

func (s *Service) shouldCompact(roomID string) bool {
	count, err := s.chat.ChatCount(roomID)
	if err != nil {
		return false
	}
	return count >= s.config.MessageThreshold
}

func (s *Service) compactRoom(roomID string) error {
	deleted, err := s.chat.PruneChat(roomID, s.config.KeepRecent)
	if err != nil {
		return err
	}
	if deleted > 0 {
		log.Printf("🗜️ Compacted room %s: dropped %d chat messages, kept %d",
			roomID, deleted, s.config.KeepRecent)
	}
	return nil
}

// CompactNow prunes one room immediately, ignoring the threshold
func (s *Service) CompactNow(roomID string) error {
	return s.compactRoom(roomID)
}
