package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/not-nullexception/image-reducer/internal/artifact"
	"github.com/not-nullexception/image-reducer/internal/logger"
	"github.com/rs/zerolog"
)

type entry struct {
	data        []byte
	contentType string
}

// Store keeps references in process memory. URLs point at the API route that
// serves them.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]entry
	urlPrefix string
	logger    zerolog.Logger
}

func NewStore(urlPrefix string) *Store {
	return &Store{
		entries:   make(map[string]entry),
		urlPrefix: strings.TrimSuffix(urlPrefix, "/"),
		logger:    logger.GetLogger("memory-store"),
	}
}

// Put stores a copy of data under a new id
func (s *Store) Put(ctx context.Context, data []byte, contentType string) (artifact.Ref, error) {
	id := uuid.New().String()
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.entries[id] = entry{data: buf, contentType: contentType}
	s.mu.Unlock()

	s.logger.Debug().Str("artifact_id", id).Int("size", len(buf)).Msg("Artifact stored")

	return artifact.Ref{
		ID:          id,
		URL:         fmt.Sprintf("%s/%s", s.urlPrefix, id),
		Size:        int64(len(buf)),
		ContentType: contentType,
	}, nil
}

// Open returns a reader over the stored bytes
func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("error opening artifact %s: %w", id, artifact.ErrNotFound)
	}

	return io.NopCloser(bytes.NewReader(e.data)), nil
}

// Stat returns the reference stored under id
func (s *Store) Stat(ctx context.Context, id string) (artifact.Ref, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return artifact.Ref{}, fmt.Errorf("error reading artifact %s: %w", id, artifact.ErrNotFound)
	}

	return artifact.Ref{
		ID:          id,
		URL:         fmt.Sprintf("%s/%s", s.urlPrefix, id),
		Size:        int64(len(e.data)),
		ContentType: e.contentType,
	}, nil
}

// Release drops the bytes behind id
func (s *Store) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("error releasing artifact %s: %w", id, artifact.ErrNotFound)
	}

	s.logger.Debug().Str("artifact_id", id).Msg("Artifact released")
	return nil
}

// Len returns the number of live references
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close drops every reference
func (s *Store) Close() error {
	s.mu.Lock()
	s.entries = make(map[string]entry)
	s.mu.Unlock()
	return nil
}
