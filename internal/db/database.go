package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/codepair/internal/protocol"
	"github.com/manpreetbhatti/codepair/internal/relay"
)

// MemoryPath keeps the database for the lifetime of the process only
const MemoryPath = ":memory:"

type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	inMemory := dbPath == MemoryPath

	if !inMemory {
		// Ensure directory exists
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if inMemory {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.Printf("Database initialized at %s", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		room_id TEXT PRIMARY KEY,
		code TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at DESC);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		sent_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chat_messages_room_id ON chat_messages(room_id, id);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Document operations

func (d *Database) Document(roomID string) (string, bool, error) {
	var code string
	err := d.db.QueryRow("SELECT code FROM documents WHERE room_id = ?", roomID).Scan(&code)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return code, true, nil
}

func (d *Database) SetDocument(roomID, code string) error {
	_, err := d.db.Exec(`
		INSERT INTO documents (room_id, code, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			code = excluded.code,
			updated_at = CURRENT_TIMESTAMP
	`, roomID, code)
	return err
}

// ListDocuments returns stored documents, most recently updated first
func (d *Database) ListDocuments(limit, offset int) ([]relay.DocumentInfo, error) {
	rows, err := d.db.Query(`
		SELECT room_id, length(code), updated_at
		FROM documents
		ORDER BY updated_at DESC, room_id ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]relay.DocumentInfo, 0)
	for rows.Next() {
		var info relay.DocumentInfo
		if err := rows.Scan(&info.RoomID, &info.Length, &info.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, info)
	}
	return docs, rows.Err()
}

func (d *Database) DocumentInfo(roomID string) (relay.DocumentInfo, bool, error) {
	var info relay.DocumentInfo
	err := d.db.QueryRow(`
		SELECT room_id, length(code), updated_at
		FROM documents
		WHERE room_id = ?
	`, roomID).Scan(&info.RoomID, &info.Length, &info.UpdatedAt)
	if err == sql.ErrNoRows {
		return relay.DocumentInfo{}, false, nil
	}
	if err != nil {
		return relay.DocumentInfo{}, false, err
	}
	return info, true, nil
}

func (d *Database) DocumentCount() (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&count)
	return count, err
}

// Chat operations

func (d *Database) AppendChat(roomID string, msg protocol.ChatMessage) error {
	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	_, err := d.db.Exec(
		"INSERT INTO chat_messages (room_id, username, message, sent_at) VALUES (?, ?, ?, ?)",
		roomID, msg.Username, msg.Message, sentAt,
	)
	return err
}

// RecentChat returns up to limit of the newest messages, oldest first
func (d *Database) RecentChat(roomID string, limit int) ([]protocol.ChatMessage, error) {
	rows, err := d.db.Query(`
		SELECT username, message, sent_at FROM (
			SELECT id, username, message, sent_at
			FROM chat_messages
			WHERE room_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []protocol.ChatMessage
	for rows.Next() {
		var msg protocol.ChatMessage
		if err := rows.Scan(&msg.Username, &msg.Message, &msg.SentAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (d *Database) ChatCount(roomID string) (int, error) {
	var count int
	err := d.db.QueryRow(
		"SELECT COUNT(*) FROM chat_messages WHERE room_id = ?",
		roomID,
	).Scan(&count)
	return count, err
}

// ChatRooms lists every room that has chat history
func (d *Database) ChatRooms() ([]string, error) {
	rows, err := d.db.Query("SELECT DISTINCT room_id FROM chat_messages ORDER BY room_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// PruneChat deletes all but the newest keepCount messages of a room
func (d *Database) PruneChat(roomID string, keepCount int) (int64, error) {
	result, err := d.db.Exec(`
		DELETE FROM chat_messages
		WHERE room_id = ? AND id NOT IN (
			SELECT id FROM chat_messages
			WHERE room_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, roomID, roomID, keepCount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
