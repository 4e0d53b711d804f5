package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Database is the activity ledger: which rooms existed and who was in
// them when. Buffer contents are never stored.
type Database struct {
	db *sql.DB
}

type Room struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Language     string    `json:"language,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

type Session struct {
	ID           int64      `json:"id"`
	RoomID       string     `json:"room_id"`
	ConnectionID string     `json:"connection_id"`
	DisplayName  string     `json:"display_name"`
	JoinedAt     time.Time  `json:"joined_at"`
	LeftAt       *time.Time `json:"left_at,omitempty"`
}

func New(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer; WAL lets the API read while the journal writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Database{db: db}, nil
}

// Times are stored as unix milliseconds so range queries compare numbers.
func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_last_active ON rooms(last_active_at DESC);

	CREATE TABLE IF NOT EXISTS room_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		joined_at INTEGER NOT NULL,
		left_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_room_sessions_room_id ON room_sessions(room_id, joined_at DESC);
	CREATE INDEX IF NOT EXISTS idx_room_sessions_open ON room_sessions(connection_id) WHERE left_at IS NULL;
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Room operations

// CreateRoom records a room if it is not known yet
func (d *Database) CreateRoom(id, name string, at time.Time) error {
	_, err := d.db.Exec(
		"INSERT OR IGNORE INTO rooms (id, name, created_at, last_active_at) VALUES (?, ?, ?, ?)",
		id, name, toMillis(at), toMillis(at),
	)
	return err
}

// TouchRoom records activity, creating the room on first sight
func (d *Database) TouchRoom(id string, at time.Time) error {
	_, err := d.db.Exec(`
		INSERT INTO rooms (id, created_at, last_active_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_active_at = excluded.last_active_at
	`, id, toMillis(at), toMillis(at))
	return err
}

func (d *Database) SetRoomLanguage(id, language string, at time.Time) error {
	_, err := d.db.Exec(`
		INSERT INTO rooms (id, language, created_at, last_active_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			language = excluded.language,
			last_active_at = excluded.last_active_at
	`, id, language, toMillis(at), toMillis(at))
	return err
}

func (d *Database) GetRoom(id string) (*Room, error) {
	row := d.db.QueryRow(
		"SELECT id, name, language, created_at, last_active_at FROM rooms WHERE id = ?",
		id,
	)

	room, err := scanRoom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (d *Database) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := d.db.Query(`
		SELECT id, name, language, created_at, last_active_at FROM rooms
		ORDER BY last_active_at DESC, id ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// DeleteRoom forgets a room and its session history
func (d *Database) DeleteRoom(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM room_sessions WHERE room_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM rooms WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(s scanner) (*Room, error) {
	var room Room
	var createdAt, lastActiveAt int64
	if err := s.Scan(&room.ID, &room.Name, &room.Language, &createdAt, &lastActiveAt); err != nil {
		return nil, err
	}
	room.CreatedAt = fromMillis(createdAt)
	room.LastActiveAt = fromMillis(lastActiveAt)
	return &room, nil
}

// Session operations

// OpenSession records a join and touches the room
func (d *Database) OpenSession(roomID, connectionID, displayName string, at time.Time) error {
	if err := d.TouchRoom(roomID, at); err != nil {
		return err
	}
	_, err := d.db.Exec(
		"INSERT INTO room_sessions (room_id, connection_id, display_name, joined_at) VALUES (?, ?, ?, ?)",
		roomID, connectionID, displayName, toMillis(at),
	)
	return err
}

// CloseSession marks the open session of a connection in a room as ended
func (d *Database) CloseSession(roomID, connectionID string, at time.Time) error {
	if _, err := d.db.Exec(`
		UPDATE room_sessions SET left_at = ?
		WHERE room_id = ? AND connection_id = ? AND left_at IS NULL
	`, toMillis(at), roomID, connectionID); err != nil {
		return err
	}
	return d.TouchRoom(roomID, at)
}

// CloseOpenSessions ends every session still open, for sessions left
// dangling by a previous process.
func (d *Database) CloseOpenSessions(at time.Time) (int64, error) {
	result, err := d.db.Exec("UPDATE room_sessions SET left_at = ? WHERE left_at IS NULL", toMillis(at))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListSessions returns a room's sessions, newest first
func (d *Database) ListSessions(roomID string, limit, offset int) ([]Session, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, connection_id, display_name, joined_at, left_at
		FROM room_sessions
		WHERE room_id = ?
		ORDER BY joined_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var joinedAt int64
		var leftAt sql.NullInt64
		if err := rows.Scan(&s.ID, &s.RoomID, &s.ConnectionID, &s.DisplayName, &joinedAt, &leftAt); err != nil {
			return nil, err
		}
		s.JoinedAt = fromMillis(joinedAt)
		if leftAt.Valid {
			t := fromMillis(leftAt.Int64)
			s.LeftAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (d *Database) GetSessionCount(roomID string) (int, error) {
	var count int
	err := d.db.QueryRow(
		"SELECT COUNT(*) FROM room_sessions WHERE room_id = ?",
		roomID,
	).Scan(&count)
	return count, err
}

// Retention

// DeleteClosedSessionsBefore removes sessions that ended before cutoff
func (d *Database) DeleteClosedSessionsBefore(cutoff time.Time) (int64, error) {
	result, err := d.db.Exec(
		"DELETE FROM room_sessions WHERE left_at IS NOT NULL AND left_at < ?",
		toMillis(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteIdleRoomsBefore removes rooms idle since before cutoff that
// have no open session.
func (d *Database) DeleteIdleRoomsBefore(cutoff time.Time) (int64, error) {
	result, err := d.db.Exec(`
		DELETE FROM rooms
		WHERE last_active_at < ? AND id NOT IN (
			SELECT room_id FROM room_sessions WHERE left_at IS NULL
		)
	`, toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var sessionCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM room_sessions").Scan(&sessionCount); err != nil {
		return nil, err
	}
	stats["session_count"] = sessionCount

	var openCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM room_sessions WHERE left_at IS NULL").Scan(&openCount); err != nil {
		return nil, err
	}
	stats["open_session_count"] = openCount

	return stats, nil
}
