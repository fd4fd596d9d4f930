package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"golang.org/x/time/rate"
)

var ErrNotFound = errors.New("record not found")

// Embedder turns text into an embedding vector.
type Embedder func(ctx context.Context, text string) ([]float32, error)

type SQLiteStore struct {
	db *sql.DB

	// IngestRate bounds embedding calls during material ingestion.
	IngestRate rate.Limit
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite allows a single writer

	store := &SQLiteStore{db: db, IngestRate: rate.Every(40 * time.Millisecond)} // 1500/min embedding quota
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        external_user_id TEXT UNIQUE NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        title TEXT NOT NULL DEFAULT '',
        subject TEXT NOT NULL DEFAULT '',
        unit TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    CREATE INDEX IF NOT EXISTS idx_chats_user_subject ON chats (user_id, subject);

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        chat_id TEXT NOT NULL,
        sender TEXT NOT NULL CHECK (sender IN ('user', 'ai')),
        content TEXT NOT NULL,
        timestamp DATETIME NOT NULL,
        FOREIGN KEY (chat_id) REFERENCES chats (id)
    );
    CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id);

    CREATE TABLE IF NOT EXISTS materials (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        subject TEXT NOT NULL,
        unit TEXT NOT NULL,
        title TEXT NOT NULL,
        content TEXT NOT NULL,
        embedding_json TEXT -- Storing as JSON string of []float32
    );
    CREATE INDEX IF NOT EXISTS idx_materials_subject_unit ON materials (subject, unit);
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods

// GetOrCreateUser returns the user known under the identity provider's id,
// creating the row on first sight.
func (s *SQLiteStore) GetOrCreateUser(externalUserID string) (*User, error) {
	if _, err := s.db.Exec("INSERT OR IGNORE INTO users (external_user_id) VALUES (?)", externalUserID); err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	user, err := s.GetUserByExternalID(externalUserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %s missing after insert", externalUserID)
	}
	return user, nil
}

func (s *SQLiteStore) GetUserByExternalID(externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, external_user_id, created_at FROM users WHERE external_user_id = ?", externalUserID).Scan(&user.ID, &user.ExternalUserID, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

// Chat methods
func (s *SQLiteStore) CreateChat(userID int64, title, subject, unit string) (*Chat, error) {
	chatID := uuid.NewString()
	stmt, err := s.db.Prepare("INSERT INTO chats (id, user_id, title, subject, unit, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare chat insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	_, err = stmt.Exec(chatID, userID, title, subject, unit, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to execute chat insert: %w", err)
	}
	return &Chat{ID: chatID, UserID: userID, Title: title, Subject: subject, Unit: unit, CreatedAt: now, UpdatedAt: now}, nil
}

const chatColumns = "id, user_id, title, subject, unit, created_at, updated_at"

func scanChat(row interface{ Scan(...any) error }, chat *Chat) error {
	return row.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.Subject, &chat.Unit, &chat.CreatedAt, &chat.UpdatedAt)
}

func (s *SQLiteStore) GetChatByID(chatID string, userID int64) (*Chat, error) {
	var chat Chat
	err := scanChat(s.db.QueryRow("SELECT "+chatColumns+" FROM chats WHERE id = ? AND user_id = ?", chatID, userID), &chat)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &chat, nil
}

// ListChats returns the user's chats newest first, restricted to subject when
// it is non-empty.
func (s *SQLiteStore) ListChats(userID int64, subject string) ([]Chat, error) {
	query := "SELECT " + chatColumns + " FROM chats WHERE user_id = ?"
	args := []any{userID}
	if subject != "" {
		query += " AND subject = ?"
		args = append(args, subject)
	}
	query += " ORDER BY rowid DESC" // creation order, newest first

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		var chat Chat
		if err := scanChat(rows, &chat); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) CountChatsBySubject(userID int64, subject string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM chats WHERE user_id = ? AND subject = ?", userID, subject).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count chats: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) UpdateChatTitle(chatID string, userID int64, title string) error {
	stmt, err := s.db.Prepare("UPDATE chats SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare chat title update: %w", err)
	}
	defer stmt.Close()

	res, err := stmt.Exec(title, time.Now(), chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to execute chat title update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return nil
}

// DeleteChat removes the chat and its messages in one transaction.
func (s *SQLiteStore) DeleteChat(chatID string, userID int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin chat delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM chats WHERE id = ? AND user_id = ?", chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE chat_id = ?", chatID); err != nil {
		return fmt.Errorf("failed to delete chat messages: %w", err)
	}
	return tx.Commit()
}

// Message methods

// CreateMessage stores msg, filling its ID and timestamp, and bumps the
// owning chat's updated_at.
func (s *SQLiteStore) CreateMessage(msg *Message) error {
	msg.ID = uuid.NewString() // Ensure ID is set
	msg.Timestamp = time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin message insert: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec("INSERT INTO messages (id, chat_id, sender, content, timestamp) VALUES (?, ?, ?, ?, ?)",
		msg.ID, msg.ChatID, string(msg.Sender), msg.Content, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to execute message insert: %w", err)
	}
	if _, err := tx.Exec("UPDATE chats SET updated_at = ? WHERE id = ?", msg.Timestamp, msg.ChatID); err != nil {
		return fmt.Errorf("failed to touch chat: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetMessagesByChatID(chatID string, limit int, offset int) ([]Message, error) {
	query := "SELECT id, chat_id, sender, content, timestamp FROM messages WHERE chat_id = ? ORDER BY rowid ASC LIMIT ? OFFSET ?"
	rows, err := s.db.Query(query, chatID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetLastNMessagesByChatID returns the newest n messages in chronological order.
func (s *SQLiteStore) GetLastNMessagesByChatID(chatID string, n int) ([]Message, error) {
	query := `
        SELECT id, chat_id, sender, content, timestamp
        FROM messages
        WHERE chat_id = ?
        ORDER BY rowid DESC
        LIMIT ?
    `

	rows, err := s.db.Query(query, chatID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	messages := []Message{}
	for rows.Next() {
		var msg Message
		var sender string
		if err := rows.Scan(&msg.ID, &msg.ChatID, &sender, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Sender = Sender(sender)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Material methods (study materials and their embeddings)
func (s *SQLiteStore) CreateMaterial(m *Material) error {
	m.EmbeddingJSON = ""
	if len(m.Embedding) > 0 {
		embeddingBytes, err := json.Marshal(m.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		m.EmbeddingJSON = string(embeddingBytes)
	}

	res, err := s.db.Exec("INSERT INTO materials (subject, unit, title, content, embedding_json) VALUES (?, ?, ?, ?, ?)",
		m.Subject, m.Unit, m.Title, m.Content, m.EmbeddingJSON)
	if err != nil {
		return fmt.Errorf("failed to execute material insert: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// ListMaterials returns materials for subject, restricted to unit when it is
// non-empty.
func (s *SQLiteStore) ListMaterials(subject, unit string) ([]Material, error) {
	query := "SELECT id, subject, unit, title, content, COALESCE(embedding_json, '') FROM materials WHERE subject = ?"
	args := []any{subject}
	if unit != "" {
		query += " AND unit = ?"
		args = append(args, unit)
	}
	query += " ORDER BY id ASC"
	return s.queryMaterials(query, args...)
}

func (s *SQLiteStore) GetAllMaterials() ([]Material, error) {
	return s.queryMaterials("SELECT id, subject, unit, title, content, COALESCE(embedding_json, '') FROM materials ORDER BY id ASC")
}

func (s *SQLiteStore) queryMaterials(query string, args ...any) ([]Material, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query materials: %w", err)
	}
	defer rows.Close()

	materials := []Material{}
	for rows.Next() {
		var m Material
		if err := rows.Scan(&m.ID, &m.Subject, &m.Unit, &m.Title, &m.Content, &m.EmbeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan material row: %w", err)
		}
		if m.EmbeddingJSON != "" {
			if err := json.Unmarshal([]byte(m.EmbeddingJSON), &m.Embedding); err != nil {
				log.Printf("Warning: failed to unmarshal embedding for material %d (%.50s...): %v. Embedding will be empty.", m.ID, m.Title, err)
				m.Embedding = nil
			}
		}
		materials = append(materials, m)
	}
	return materials, rows.Err()
}

func (s *SQLiteStore) ClearMaterials() error {
	_, err := s.db.Exec("DELETE FROM materials")
	if err != nil {
		return fmt.Errorf("failed to delete materials: %w", err)
	}
	_, err = s.db.Exec("DELETE FROM sqlite_sequence WHERE name='materials'")
	if err != nil && !strings.Contains(err.Error(), "no such table") {
		log.Printf("Warning: could not reset sequence for materials: %v", err)
	}
	return nil
}

// IngestMaterialsFromFile replaces all materials with the rows of a markdown
// table shaped | subject | unit | title | content |. When embed is non-nil
// every row is embedded, throttled by IngestRate; rows whose embedding fails
// are skipped.
func (s *SQLiteStore) IngestMaterialsFromFile(ctx context.Context, filePath string, embed Embedder) (int, error) {
	contentBytes, err := os.ReadFile(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read materials file %s: %w", filePath, err)
	}

	rows := ParseMaterialsTable(string(contentBytes))
	if len(rows) == 0 {
		log.Println("No materials found. Expected a Markdown table with subject, unit, title and content columns.")
		return 0, nil
	}
	log.Printf("Parsed %d materials from %s.", len(rows), filePath)

	if err := s.ClearMaterials(); err != nil {
		return 0, fmt.Errorf("failed to clear existing materials: %w", err)
	}

	limiter := rate.NewLimiter(s.IngestRate, 1)
	count := 0
	for i := range rows {
		m := rows[i]
		if embed != nil {
			if err := limiter.Wait(ctx); err != nil {
				return count, fmt.Errorf("ingestion interrupted: %w", err)
			}
			embedding, err := embed(ctx, m.Title+"\n"+m.Content)
			if err != nil {
				log.Printf("Failed to embed material %d (%q): %v. Skipping.", i+1, m.Title, err)
				continue
			}
			m.Embedding = embedding
		}
		if err := s.CreateMaterial(&m); err != nil {
			log.Printf("Failed to store material %d: %v. Skipping.", i+1, err)
			continue
		}
		count++
		if count%10 == 0 || count == len(rows) {
			log.Printf("Ingested %d/%d materials...", count, len(rows))
		}
	}
	log.Printf("Successfully ingested %d materials.", count)
	return count, nil
}

// ParseMaterialsTable extracts material rows from a four-column markdown table.
// The header and separator rows are skipped, as are rows with an empty cell.
func ParseMaterialsTable(doc string) []Material {
	var materials []Material
	for _, line := range strings.Split(doc, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "|") || !strings.HasSuffix(trimmed, "|") {
			continue
		}
		if strings.Trim(trimmed, "|-: ") == "" {
			continue // separator
		}

		parts := strings.Split(trimmed, "|")
		// "| a | b | c | d |" splits into ["", a, b, c, d, ""]
		if len(parts) < 6 {
			log.Printf("Skipping malformed table row (expected 4 cells): %s", trimmed)
			continue
		}
		cells := make([]string, 4)
		for i := range cells {
			cells[i] = strings.TrimSpace(parts[i+1])
		}
		if strings.EqualFold(cells[0], "subject") && strings.EqualFold(cells[3], "content") {
			continue // header
		}
		if cells[0] == "" || cells[1] == "" || cells[2] == "" || cells[3] == "" {
			log.Printf("Skipping row with empty cell: %s", trimmed)
			continue
		}
		materials = append(materials, Material{Subject: cells[0], Unit: cells[1], Title: cells[2], Content: cells[3]})
	}
	return materials
}
