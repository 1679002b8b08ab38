package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipstream/backend/internal/models"
	"github.com/clipstream/backend/pkg/queue"
	"github.com/clipstream/backend/pkg/storage"
)

type fakeStore struct {
	mu     sync.Mutex
	videos map[uuid.UUID]*models.Video
}

func newFakeStore(vs ...*models.Video) *fakeStore {
	s := &fakeStore{videos: make(map[uuid.UUID]*models.Video)}
	for _, v := range vs {
		s.videos[v.ID] = v
	}
	return s
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok {
		return nil, errors.New("video not found")
	}
	cp := *v
	return &cp, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id uuid.UUID, status models.VideoStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videos[id].Status = status
	return nil
}

func (s *fakeStore) UpdateOutput(_ context.Context, id uuid.UUID, status models.VideoStatus, outputKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videos[id].Status = status
	s.videos[id].OutputKey = outputKey
	return nil
}

func (s *fakeStore) SetTranscript(_ context.Context, id uuid.UUID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videos[id].Transcript = text
	return nil
}

func (s *fakeStore) get(id uuid.UUID) models.Video {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.videos[id]
}

type fakeInvalidator struct {
	mu    sync.Mutex
	video int
	owner int
}

func (f *fakeInvalidator) Invalidate(_ context.Context, _ uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.video++
}

func (f *fakeInvalidator) InvalidateOwner(_ context.Context, _ uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owner++
}

type fakeBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{objects: make(map[string][]byte)}
}

func (b *fakeBlob) put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
}

func (b *fakeBlob) OpenRead(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("get object %s: no such key", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBlob) Upload(_ context.Context, key, _ string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.put(key, data)
	return nil
}

func (b *fakeBlob) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

func (b *fakeBlob) PresignDownload(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://signed.example.com/" + key, nil
}

func (b *fakeBlob) PresignExpire() time.Duration { return 15 * time.Minute }

type fakeTransformer struct {
	mu             sync.Mutex
	transcodeCalls int
	extractCalls   int
	fail           bool
}

func (t *fakeTransformer) run(in io.Reader, out io.Writer, tag string) error {
	if t.fail {
		return errors.New("codec blew up")
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	_, err = out.Write(append([]byte(tag+":"), data...))
	return err
}

func (t *fakeTransformer) Transcode(_ context.Context, in io.Reader, out io.Writer) error {
	t.mu.Lock()
	t.transcodeCalls++
	t.mu.Unlock()
	return t.run(in, out, "mp4")
}

func (t *fakeTransformer) ExtractAudio(_ context.Context, in io.Reader, out io.Writer) error {
	t.mu.Lock()
	t.extractCalls++
	t.mu.Unlock()
	return t.run(in, out, "mp3")
}

type fakeTranscriber struct {
	text  string
	err   error
	calls int
}

func (t *fakeTranscriber) Transcribe(_ context.Context, _ string) (string, error) {
	t.calls++
	if t.err != nil {
		return "", t.err
	}
	return t.text, nil
}

type fakeLease struct {
	deny bool
}

func (l *fakeLease) Acquire(_ context.Context, _ uuid.UUID) (bool, error) { return !l.deny, nil }
func (l *fakeLease) Release(_ context.Context, _ uuid.UUID)              {}

type fixture struct {
	store       *fakeStore
	caches      *fakeInvalidator
	blob        *fakeBlob
	transformer *fakeTransformer
	transcriber *fakeTranscriber
	lease       *fakeLease
	processor   *Processor
}

func newFixture(vs ...*models.Video) *fixture {
	f := &fixture{
		store:       newFakeStore(vs...),
		caches:      &fakeInvalidator{},
		blob:        newFakeBlob(),
		transformer: &fakeTransformer{},
		transcriber: &fakeTranscriber{text: "the transcript"},
		lease:       &fakeLease{},
	}
	f.processor = NewProcessor(f.store, f.caches, f.blob, f.transformer, f.transcriber, f.lease, nil,
		Options{Concurrency: 1, TaskTimeout: time.Minute}, nil)
	return f
}

func newVideo(status models.VideoStatus) *models.Video {
	return &models.Video{
		ID:           uuid.New(),
		OwnerID:      uuid.New(),
		OriginalName: "clip.mov",
		StoredKey:    "abc-1700000000000.mov",
		Status:       status,
	}
}

func job(t *testing.T, id uuid.UUID, task queue.TaskType, force bool) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(queue.TaskPayload{VideoID: id, TaskType: task, Force: force})
	require.NoError(t, err)
	return &queue.Job{ID: uuid.New().String(), Type: task, Payload: payload}
}

func TestExtractAudioProducesAudioReady(t *testing.T) {
	v := newVideo(models.StatusQueued)
	f := newFixture(v)
	f.blob.put(v.StoredKey, []byte("video-bytes"))

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskExtractAudio, false))
	require.NoError(t, err)

	got := f.store.get(v.ID)
	assert.Equal(t, models.StatusAudioReady, got.Status)
	assert.Equal(t, storage.AudioKey(v.StoredKey), got.OutputKey)
	assert.Equal(t, 1, f.transformer.extractCalls)

	data, ok := f.blob.objects[storage.AudioKey(v.StoredKey)]
	require.True(t, ok, "derived audio object must exist")
	assert.Equal(t, []byte("mp3:video-bytes"), data)
	assert.Greater(t, f.caches.video, 0)
	assert.Greater(t, f.caches.owner, 0)
}

func TestTranscodeProducesCompleted(t *testing.T) {
	v := newVideo(models.StatusQueued)
	f := newFixture(v)
	f.blob.put(v.StoredKey, []byte("video-bytes"))

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskTranscode, false))
	require.NoError(t, err)

	got := f.store.get(v.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, storage.TranscodedKey(v.StoredKey), got.OutputKey)
	assert.Equal(t, []byte("mp4:video-bytes"), f.blob.objects[got.OutputKey])
}

func TestTranscodeMissingSourceFails(t *testing.T) {
	v := newVideo(models.StatusQueued)
	f := newFixture(v)
	// no source blob uploaded

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskTranscode, false))
	require.Error(t, err)

	got := f.store.get(v.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Empty(t, got.OutputKey, "failed transform must not record an output key")
}

func TestTranscodeRedeliveryShortCircuits(t *testing.T) {
	v := newVideo(models.StatusCompleted)
	v.OutputKey = storage.TranscodedKey(v.StoredKey)
	f := newFixture(v)
	f.blob.put(v.StoredKey, []byte("video-bytes"))

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskTranscode, false))
	require.NoError(t, err)

	assert.Equal(t, 0, f.transformer.transcodeCalls, "redelivery must not re-run the transform")
	got := f.store.get(v.ID)
	assert.Equal(t, storage.TranscodedKey(v.StoredKey), got.OutputKey)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestExtractAudioShortCircuitsOnExistingArtifact(t *testing.T) {
	v := newVideo(models.StatusQueued)
	f := newFixture(v)
	audioKey := storage.AudioKey(v.StoredKey)
	f.blob.put(v.StoredKey, []byte("video-bytes"))
	f.blob.put(audioKey, []byte("already-there"))

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskExtractAudio, false))
	require.NoError(t, err)

	assert.Equal(t, 0, f.transformer.extractCalls)
	got := f.store.get(v.ID)
	assert.Equal(t, models.StatusAudioReady, got.Status)
	assert.Equal(t, audioKey, got.OutputKey)
	assert.Equal(t, []byte("already-there"), f.blob.objects[audioKey], "existing artifact must not be overwritten")
}

func TestTransformFailureMarksFailed(t *testing.T) {
	v := newVideo(models.StatusQueued)
	f := newFixture(v)
	f.blob.put(v.StoredKey, []byte("video-bytes"))
	f.transformer.fail = true

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskTranscode, false))
	require.Error(t, err)

	got := f.store.get(v.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Empty(t, got.OutputKey)
	assert.Greater(t, f.caches.video, 0)
	assert.Greater(t, f.caches.owner, 0)
}

func TestTranscribeRequiresAudioArtifact(t *testing.T) {
	v := newVideo(models.StatusQueued)
	f := newFixture(v)
	f.blob.put(v.StoredKey, []byte("video-bytes"))
	// no audio artifact

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskTranscribe, false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audio not extracted")

	got := f.store.get(v.ID)
	assert.Equal(t, models.StatusQueued, got.Status, "precondition failure must not mutate status")
	assert.Equal(t, 0, f.transcriber.calls)
}

func TestTranscribePersistsTranscript(t *testing.T) {
	v := newVideo(models.StatusQueued)
	f := newFixture(v)
	audioKey := storage.AudioKey(v.StoredKey)
	f.blob.put(audioKey, []byte("audio-bytes"))

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskTranscribe, false))
	require.NoError(t, err)

	got := f.store.get(v.ID)
	assert.Equal(t, "the transcript", got.Transcript)
	assert.Equal(t, models.StatusAudioReady, got.Status, "status returns to the artifact state")
	assert.Equal(t, audioKey, got.OutputKey)
	assert.Equal(t, 1, f.transcriber.calls)
}

func TestTranscribeReusesStoredTranscript(t *testing.T) {
	v := newVideo(models.StatusQueued)
	v.Transcript = "already transcribed"
	f := newFixture(v)
	f.blob.put(storage.AudioKey(v.StoredKey), []byte("audio-bytes"))

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskTranscribe, false))
	require.NoError(t, err)

	assert.Equal(t, 0, f.transcriber.calls, "provider must not be hit when a transcript exists")
	assert.Equal(t, "already transcribed", f.store.get(v.ID).Transcript)
}

func TestTranscribeForceOverwrites(t *testing.T) {
	v := newVideo(models.StatusAudioReady)
	v.OutputKey = storage.AudioKey(v.StoredKey)
	v.Transcript = "stale transcript"
	f := newFixture(v)
	f.transcriber.text = "fresh transcript"
	f.blob.put(storage.AudioKey(v.StoredKey), []byte("audio-bytes"))

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskTranscribe, true))
	require.NoError(t, err)

	assert.Equal(t, 1, f.transcriber.calls)
	assert.Equal(t, "fresh transcript", f.store.get(v.ID).Transcript)
}

func TestTranscribeProviderFailureDoesNotFailRecord(t *testing.T) {
	v := newVideo(models.StatusQueued)
	f := newFixture(v)
	f.transcriber.err = errors.New("provider down")
	f.blob.put(storage.AudioKey(v.StoredKey), []byte("audio-bytes"))

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskTranscribe, false))
	require.Error(t, err)

	got := f.store.get(v.ID)
	assert.NotEqual(t, models.StatusFailed, got.Status, "provider errors fail the task, not the record")
	assert.Equal(t, models.StatusAudioReady, got.Status)
	assert.Empty(t, got.Transcript)
}

func TestLeaseHeldSkipsProcessing(t *testing.T) {
	v := newVideo(models.StatusQueued)
	f := newFixture(v)
	f.lease.deny = true
	f.blob.put(v.StoredKey, []byte("video-bytes"))

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskTranscode, false))
	require.NoError(t, err, "a held lease is a skip, not a retryable failure")

	assert.Equal(t, 0, f.transformer.transcodeCalls)
	assert.Equal(t, models.StatusQueued, f.store.get(v.ID).Status)
}

func TestTranscribeCompletedRecordRestoresCompleted(t *testing.T) {
	v := newVideo(models.StatusQueued)
	v.OutputKey = storage.TranscodedKey(v.StoredKey)
	f := newFixture(v)
	f.blob.put(storage.AudioKey(v.StoredKey), []byte("audio-bytes"))

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskTranscribe, false))
	require.NoError(t, err)

	got := f.store.get(v.ID)
	assert.Equal(t, models.StatusCompleted, got.Status, "transcoded artifact implies completed after transcription")
	assert.Equal(t, storage.TranscodedKey(v.StoredKey), got.OutputKey)
}

func TestExtractAudioStaleRedeliveryAfterCompleted(t *testing.T) {
	v := newVideo(models.StatusCompleted)
	v.OutputKey = storage.TranscodedKey(v.StoredKey)
	f := newFixture(v)
	f.blob.put(v.StoredKey, []byte("video-bytes"))
	f.blob.put(storage.AudioKey(v.StoredKey), []byte("audio-bytes"))

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskExtractAudio, false))
	require.NoError(t, err, "a superseded redelivery is dropped, never retried")

	got := f.store.get(v.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, storage.TranscodedKey(v.StoredKey), got.OutputKey)
	assert.Equal(t, 0, f.transformer.extractCalls)
}

func TestTranscodeStaleRedeliveryAfterAudioReady(t *testing.T) {
	v := newVideo(models.StatusAudioReady)
	v.OutputKey = storage.AudioKey(v.StoredKey)
	f := newFixture(v)
	f.blob.put(v.StoredKey, []byte("video-bytes"))

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskTranscode, false))
	require.NoError(t, err)

	got := f.store.get(v.ID)
	assert.Equal(t, models.StatusAudioReady, got.Status)
	assert.Equal(t, storage.AudioKey(v.StoredKey), got.OutputKey)
	assert.Equal(t, 0, f.transformer.transcodeCalls)
}

func TestTranscribeForceStaleRedeliveryAfterCompleted(t *testing.T) {
	v := newVideo(models.StatusCompleted)
	v.OutputKey = storage.TranscodedKey(v.StoredKey)
	v.Transcript = "existing transcript"
	f := newFixture(v)
	f.blob.put(storage.AudioKey(v.StoredKey), []byte("audio-bytes"))

	err := f.processor.Process(context.Background(), job(t, v.ID, queue.TaskTranscribe, true))
	require.NoError(t, err)

	got := f.store.get(v.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "existing transcript", got.Transcript)
	assert.Equal(t, 0, f.transcriber.calls)
}

func TestProcessRejectsUnknownTask(t *testing.T) {
	v := newVideo(models.StatusQueued)
	f := newFixture(v)

	payload, err := json.Marshal(queue.TaskPayload{VideoID: v.ID, TaskType: "explode"})
	require.NoError(t, err)
	err = f.processor.Process(context.Background(), &queue.Job{ID: "x", Type: "explode", Payload: payload})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task type")
}
