package filesystem

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pixeldraw/core"

	"github.com/sirupsen/logrus"
)

// fsStore persists the cooldown map as a single JSON object of "x,y" keys
// to unix-millisecond timestamps. Writes go to a temp file first and are
// renamed into place, so a crash mid-persist leaves the previous file
// intact rather than a truncated one.
type fsStore struct {
	path string

	mu        sync.RWMutex
	cooldowns map[core.Point]time.Time
}

// NewStore creates a new filesystem-based store backed by the given file.
func NewStore(path string) *fsStore {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("failed to create cooldown directory: %v", err)
		}
	}
	return &fsStore{
		path:      path,
		cooldowns: make(map[core.Point]time.Time),
	}
}

func (s *fsStore) Get(p core.Point) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.cooldowns[p]
	return t, ok
}

func (s *fsStore) Set(p core.Point, notBefore time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(p, notBefore)
}

func (s *fsStore) setLocked(p core.Point, notBefore time.Time) {
	if existing, ok := s.cooldowns[p]; ok && existing.After(notBefore) {
		return
	}
	s.cooldowns[p] = notBefore
}

func (s *fsStore) Snapshot() map[core.Point]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[core.Point]time.Time, len(s.cooldowns))
	for p, t := range s.cooldowns {
		out[p] = t
	}
	return out
}

// Load merges the persisted file into memory, keeping the later instant per
// pixel. A missing file is an empty store; a file that fails to decode is
// logged and treated as empty so startup never dies over stale state.
func (s *fsStore) Load(ctx context.Context) error {
	logEntry := logrus.WithField("path", s.path)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			logEntry.Info("No cooldown file yet, starting empty")
			return nil
		}
		logEntry.WithError(err).Error("Failed to read cooldown file")
		return err
	}

	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		logEntry.WithError(err).Warn("Cooldown file is malformed, starting empty")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := 0
	for key, millis := range raw {
		p, err := core.ParsePointKey(key)
		if err != nil {
			logEntry.WithField("key", key).Warn("Skipping malformed cooldown key")
			continue
		}
		s.setLocked(p, time.UnixMilli(millis))
		loaded++
	}
	logEntry.WithField("entries", loaded).Info("Loaded cooldowns")
	return nil
}

// Persist writes the whole map out. The in-memory state is untouched on
// failure.
func (s *fsStore) Persist(ctx context.Context) error {
	snapshot := s.Snapshot()
	raw := make(map[string]int64, len(snapshot))
	for p, t := range snapshot {
		raw[p.Key()] = t.UnixMilli()
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fsStore) Close() error {
	return s.Persist(context.Background())
}
