package videos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipstream/backend/internal/models"
)

type fakeRepo struct {
	videos    map[uuid.UUID]*models.Video
	getCalls  int
	listCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{videos: make(map[uuid.UUID]*models.Video)}
}

func (f *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Video, error) {
	f.getCalls++
	v, ok := f.videos[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (f *fakeRepo) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]models.Video, error) {
	f.listCalls++
	var list []models.Video
	for _, v := range f.videos {
		if v.OwnerID == ownerID {
			list = append(list, *v)
		}
	}
	return list, nil
}

type fakeCache struct {
	entries map[string][]byte
	// failing simulates a cache dependency outage: every op errors out,
	// which the accessor must treat as a miss.
	failing bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, bool) {
	if f.failing {
		return nil, false
	}
	v, ok := f.entries[key]
	return v, ok
}

func (f *fakeCache) Set(_ context.Context, key string, val []byte, _ time.Duration) {
	if f.failing {
		return
	}
	f.entries[key] = val
}

func (f *fakeCache) Delete(_ context.Context, key string) {
	if f.failing {
		return
	}
	delete(f.entries, key)
}

func seedVideo(repo *fakeRepo, owner uuid.UUID, status models.VideoStatus) *models.Video {
	v := &models.Video{
		ID:           uuid.New(),
		OwnerID:      owner,
		OriginalName: "clip.mov",
		StoredKey:    "stored.mov",
		Status:       status,
		UploadedAt:   time.Now().UTC(),
	}
	repo.videos[v.ID] = v
	return v
}

func TestGetPopulatesCacheOnMiss(t *testing.T) {
	repo := newFakeRepo()
	c := newFakeCache()
	store := NewStore(repo, c, nil)
	owner := uuid.New()
	v := seedVideo(repo, owner, models.StatusUploading)

	got, err := store.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.ID)
	assert.Equal(t, 1, repo.getCalls)

	// Second read is served from cache: no extra store hit.
	got, err = store.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.ID)
	assert.Equal(t, 1, repo.getCalls)
}

func TestListByOwnerCachedWithinTTL(t *testing.T) {
	repo := newFakeRepo()
	c := newFakeCache()
	store := NewStore(repo, c, nil)
	owner := uuid.New()
	seedVideo(repo, owner, models.StatusCompleted)
	seedVideo(repo, owner, models.StatusUploading)

	first, err := store.ListByOwner(context.Background(), owner)
	require.NoError(t, err)
	second, err := store.ListByOwner(context.Background(), owner)
	require.NoError(t, err)

	assert.Equal(t, 1, repo.listCalls, "second list within TTL must not hit the store")
	assert.Equal(t, first, second)
}

func TestInvalidationMakesNextReadFresh(t *testing.T) {
	repo := newFakeRepo()
	c := newFakeCache()
	store := NewStore(repo, c, nil)
	owner := uuid.New()
	v := seedVideo(repo, owner, models.StatusQueued)

	got, err := store.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)

	// Mutate the store, then invalidate: the next read must reflect the
	// mutation, never resurrect the pre-invalidation snapshot.
	repo.videos[v.ID].Status = models.StatusCompleted
	repo.videos[v.ID].OutputKey = "transcoded-stored.mp4"
	store.Invalidate(context.Background(), v.ID)

	got, err = store.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "transcoded-stored.mp4", got.OutputKey)
}

func TestOwnerInvalidationRefreshesList(t *testing.T) {
	repo := newFakeRepo()
	c := newFakeCache()
	store := NewStore(repo, c, nil)
	owner := uuid.New()
	seedVideo(repo, owner, models.StatusUploading)

	list, err := store.ListByOwner(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, list, 1)

	seedVideo(repo, owner, models.StatusUploading)
	store.InvalidateOwner(context.Background(), owner)

	list, err = store.ListByOwner(context.Background(), owner)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, 2, repo.listCalls)
}

func TestCacheFailureDowngradesToStoreRead(t *testing.T) {
	repo := newFakeRepo()
	c := newFakeCache()
	c.failing = true
	store := NewStore(repo, c, nil)
	owner := uuid.New()
	v := seedVideo(repo, owner, models.StatusAudioReady)

	// A broken cache never surfaces as an error to the caller.
	got, err := store.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAudioReady, got.Status)

	got, err = store.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.getCalls, "every read falls through to the store while the cache is down")

	_, err = store.ListByOwner(context.Background(), owner)
	require.NoError(t, err)
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	store := NewStore(newFakeRepo(), newFakeCache(), nil)
	_, err := store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCorruptCacheEntryFallsBack(t *testing.T) {
	repo := newFakeRepo()
	c := newFakeCache()
	store := NewStore(repo, c, nil)
	owner := uuid.New()
	v := seedVideo(repo, owner, models.StatusQueued)

	c.entries["video:"+v.ID.String()] = []byte("{not json")

	got, err := store.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.ID, got.ID)
	assert.Equal(t, 1, repo.getCalls)
}
