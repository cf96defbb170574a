package aws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"pixeldraw/core"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// s3Store persists the cooldown map as one JSON object in a bucket, so a
// drawer hopping between hosts keeps the windows it already paid for.
type s3Store struct {
	s3Client *s3.Client
	bucket   string
	key      string

	mu        sync.RWMutex
	cooldowns map[core.Point]time.Time
}

// NewStore creates a new S3-based store.
func NewStore(bucketName, key string) *s3Store {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}

	return &s3Store{
		s3Client:  s3.NewFromConfig(cfg),
		bucket:    bucketName,
		key:       key,
		cooldowns: make(map[core.Point]time.Time),
	}
}

func (s *s3Store) Get(p core.Point) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.cooldowns[p]
	return t, ok
}

func (s *s3Store) Set(p core.Point, notBefore time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.cooldowns[p]; ok && existing.After(notBefore) {
		return
	}
	s.cooldowns[p] = notBefore
}

func (s *s3Store) Snapshot() map[core.Point]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[core.Point]time.Time, len(s.cooldowns))
	for p, t := range s.cooldowns {
		out[p] = t
	}
	return out
}

func (s *s3Store) Load(ctx context.Context) error {
	logEntry := logrus.WithFields(logrus.Fields{"bucket": s.bucket, "key": s.key})

	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			logEntry.Info("No cooldown object yet, starting empty")
			return nil
		}
		logEntry.WithError(err).Error("Failed to get cooldown object")
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		logEntry.WithError(err).Warn("Cooldown object is malformed, starting empty")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, millis := range raw {
		p, err := core.ParsePointKey(key)
		if err != nil {
			logEntry.WithField("key", key).Warn("Skipping malformed cooldown key")
			continue
		}
		notBefore := time.UnixMilli(millis)
		if existing, ok := s.cooldowns[p]; !ok || notBefore.After(existing) {
			s.cooldowns[p] = notBefore
		}
	}
	logEntry.WithField("entries", len(raw)).Info("Loaded cooldowns")
	return nil
}

func (s *s3Store) Persist(ctx context.Context) error {
	snapshot := s.Snapshot()
	raw := make(map[string]int64, len(snapshot))
	for p, t := range snapshot {
		raw[p.Key()] = t.UnixMilli()
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (s *s3Store) Close() error {
	return s.Persist(context.Background())
}
