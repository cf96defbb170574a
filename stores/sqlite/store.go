package sqlite

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"pixeldraw/core"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// sqliteStore keeps the working map in memory and mirrors it to a cooldowns
// table. Only rows touched since the last flush are written back, with a
// MAX() merge so a concurrent process sharing the database cannot shorten a
// window this one already recorded.
type sqliteStore struct {
	db *sql.DB

	mu        sync.RWMutex
	cooldowns map[core.Point]time.Time
	dirty     map[core.Point]struct{}
}

// NewStore creates a new SQLite-based store.
func NewStore(dataSourceName string) *sqliteStore {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		log.Fatalf("failed to open sqlite database: %v", err)
	}

	tableStmt := `
	CREATE TABLE IF NOT EXISTS cooldowns (
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		not_before_ms INTEGER NOT NULL,
		PRIMARY KEY (x, y)
	);`
	if _, err = db.Exec(tableStmt); err != nil {
		log.Fatalf("failed to create cooldowns table: %v", err)
	}

	return &sqliteStore{
		db:        db,
		cooldowns: make(map[core.Point]time.Time),
		dirty:     make(map[core.Point]struct{}),
	}
}

func (s *sqliteStore) Get(p core.Point) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.cooldowns[p]
	return t, ok
}

func (s *sqliteStore) Set(p core.Point, notBefore time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.cooldowns[p]; ok && existing.After(notBefore) {
		return
	}
	s.cooldowns[p] = notBefore
	s.dirty[p] = struct{}{}
}

func (s *sqliteStore) Snapshot() map[core.Point]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[core.Point]time.Time, len(s.cooldowns))
	for p, t := range s.cooldowns {
		out[p] = t
	}
	return out
}

func (s *sqliteStore) Load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT x, y, not_before_ms FROM cooldowns")
	if err != nil {
		return err
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := 0
	for rows.Next() {
		var p core.Point
		var millis int64
		if err := rows.Scan(&p.X, &p.Y, &millis); err != nil {
			return err
		}
		notBefore := time.UnixMilli(millis)
		if existing, ok := s.cooldowns[p]; !ok || notBefore.After(existing) {
			s.cooldowns[p] = notBefore
		}
		loaded++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	logrus.WithField("entries", loaded).Debug("Loaded cooldowns from sqlite")
	return nil
}

func (s *sqliteStore) Persist(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]core.CooldownEntry, 0, len(s.dirty))
	for p := range s.dirty {
		pending = append(pending, core.CooldownEntry{Pixel: p, NotBefore: s.cooldowns[p]})
	}
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	upsert := `
	INSERT INTO cooldowns (x, y, not_before_ms) VALUES (?, ?, ?)
	ON CONFLICT (x, y) DO UPDATE SET not_before_ms = MAX(not_before_ms, excluded.not_before_ms)`
	for _, entry := range pending {
		if _, err := tx.ExecContext(ctx, upsert, entry.Pixel.X, entry.Pixel.Y, entry.NotBefore.UnixMilli()); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// Entries set while the flush ran stay dirty for the next one.
	s.mu.Lock()
	for _, entry := range pending {
		if s.cooldowns[entry.Pixel].Equal(entry.NotBefore) {
			delete(s.dirty, entry.Pixel)
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *sqliteStore) Close() error {
	if err := s.Persist(context.Background()); err != nil {
		logrus.WithError(err).Warn("Failed to flush cooldowns on close")
	}
	return s.db.Close()
}
