// Package logging collects structured log entries in a bounded in-memory
// ring, fans them out to handlers (the event bus, notably), and can
// archive them to Postgres for operators who want history past a restart.
package logging

import (
	"container/ring"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one structured log record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

// Handler receives every appended entry.
type Handler func(Entry)

// Manager is the in-memory log hub.
type Manager struct {
	mu       sync.RWMutex
	buf      *ring.Ring
	size     int
	count    int
	handlers []Handler

	db *sql.DB
}

// NewManager creates a manager retaining the last bufferSize entries.
func NewManager(bufferSize int) *Manager {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Manager{
		buf:  ring.New(bufferSize),
		size: bufferSize,
	}
}

// EnablePostgres opens the archive database and creates the log table.
func (m *Manager) EnablePostgres(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open log archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("ping log archive: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS mayor_logs (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		level TEXT NOT NULL,
		component TEXT NOT NULL,
		message TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return fmt.Errorf("create log table: %w", err)
	}

	m.mu.Lock()
	m.db = db
	m.mu.Unlock()
	log.Printf("[Logging] postgres archive enabled")
	return nil
}

// AddHandler registers a fan-out handler for future entries.
func (m *Manager) AddHandler(h Handler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Append records an entry, fans it out, and archives it when enabled.
func (m *Manager) Append(level Level, component, format string, args ...interface{}) {
	e := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Component: component,
		Message:   fmt.Sprintf(format, args...),
	}

	m.mu.Lock()
	m.buf.Value = e
	m.buf = m.buf.Next()
	if m.count < m.size {
		m.count++
	}
	handlers := append([]Handler(nil), m.handlers...)
	db := m.db
	m.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}

	if db != nil {
		go func() {
			_, err := db.Exec(
				`INSERT INTO mayor_logs (ts, level, component, message) VALUES ($1, $2, $3, $4)`,
				e.Timestamp, string(e.Level), e.Component, e.Message)
			if err != nil {
				log.Printf("[Logging] archive insert: %v", err)
			}
		}()
	}
}

// Recent returns up to n of the newest entries, oldest first.
func (m *Manager) Recent(n int) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n <= 0 || n > m.count {
		n = m.count
	}
	out := make([]Entry, 0, n)
	// m.buf points at the next write slot; walk backwards n slots.
	r := m.buf
	for i := 0; i < n; i++ {
		r = r.Prev()
	}
	for i := 0; i < n; i++ {
		if e, ok := r.Value.(Entry); ok {
			out = append(out, e)
		}
		r = r.Next()
	}
	return out
}

// Close releases the archive database, if open.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		err := m.db.Close()
		m.db = nil
		return err
	}
	return nil
}
