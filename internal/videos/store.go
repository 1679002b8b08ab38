package videos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clipstream/backend/internal/models"
	"github.com/clipstream/backend/pkg/cache"
)

// Cache TTLs. List views mutate more often than single records, so the
// owner-list snapshot expires faster.
const (
	VideoTTL     = 5 * time.Minute
	OwnerListTTL = time.Minute
)

// recordReader is the slice of Repository the cache-aside path needs.
type recordReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Video, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Video, error)
}

// byteCache is the cache contract: get is miss-on-error, set and delete are
// best-effort.
type byteCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// Store is the read-through/invalidate-on-write accessor over the videos
// repository. Cached snapshots are never treated as more authoritative than
// the store; staleness is bounded by the entry TTL.
type Store struct {
	repo   recordReader
	cache  byteCache
	logger *zap.Logger
}

// NewStore creates a cache-aside accessor.
func NewStore(repo recordReader, c byteCache, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{repo: repo, cache: c, logger: logger}
}

// Get returns one record, trying the cache first and populating it on a miss.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	key := cache.VideoKey(id.String())
	if raw, ok := s.cache.Get(ctx, key); ok {
		var v models.Video
		if err := json.Unmarshal(raw, &v); err == nil {
			return &v, nil
		}
		// Corrupt entry: drop it and fall through to the store.
		s.cache.Delete(ctx, key)
	}

	v, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(v); err == nil {
		s.cache.Set(ctx, key, raw, VideoTTL)
	}
	return v, nil
}

// ListByOwner returns the owner's records, newest first, cache-aside with the
// shorter list TTL.
func (s *Store) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Video, error) {
	key := cache.OwnerKey(ownerID.String())
	if raw, ok := s.cache.Get(ctx, key); ok {
		var list []models.Video
		if err := json.Unmarshal(raw, &list); err == nil {
			return list, nil
		}
		s.cache.Delete(ctx, key)
	}

	list, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(list); err == nil {
		s.cache.Set(ctx, key, raw, OwnerListTTL)
	}
	return list, nil
}

// Invalidate drops the single-record cache entry. Called after every store
// write to that record.
func (s *Store) Invalidate(ctx context.Context, id uuid.UUID) {
	s.cache.Delete(ctx, cache.VideoKey(id.String()))
}

// InvalidateOwner drops the owner's list cache entry.
func (s *Store) InvalidateOwner(ctx context.Context, ownerID uuid.UUID) {
	s.cache.Delete(ctx, cache.OwnerKey(ownerID.String()))
}
