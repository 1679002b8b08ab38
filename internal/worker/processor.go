// Package worker consumes media tasks from the queue and drives the record
// state machine: streaming transforms through ffmpeg into blob storage,
// transcription via the external provider, and cache invalidation on every
// record mutation. Delivery is at-least-once, so every task short-circuits
// when it observes a record already in its terminal state.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/clipstream/backend/internal/models"
	"github.com/clipstream/backend/pkg/queue"
	"github.com/clipstream/backend/pkg/storage"
)

// MediaStore is the slice of the videos repository the worker mutates.
type MediaStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Video, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus) error
	UpdateOutput(ctx context.Context, id uuid.UUID, status models.VideoStatus, outputKey string) error
	SetTranscript(ctx context.Context, id uuid.UUID, text string) error
}

// CacheInvalidator drops cached snapshots after a store write. Implemented
// by the videos cache-aside store.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, id uuid.UUID)
	InvalidateOwner(ctx context.Context, ownerID uuid.UUID)
}

// BlobStore streams bytes in and out of the object store and issues
// time-limited handles.
type BlobStore interface {
	OpenRead(ctx context.Context, key string) (io.ReadCloser, error)
	Upload(ctx context.Context, key, contentType string, body io.Reader) error
	Exists(ctx context.Context, key string) (bool, error)
	PresignDownload(ctx context.Context, key, filename string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
}

// Transformer is the streaming codec stage.
type Transformer interface {
	Transcode(ctx context.Context, in io.Reader, out io.Writer) error
	ExtractAudio(ctx context.Context, in io.Reader, out io.Writer) error
}

// Transcriber converts an audio URL into text via the external provider.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) (string, error)
}

// Lease grants per-record exclusivity for the duration of a task.
type Lease interface {
	Acquire(ctx context.Context, id uuid.UUID) (bool, error)
	Release(ctx context.Context, id uuid.UUID)
}

// taskSource is the consuming side of the task queue.
type taskSource interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Options bounds the processor's resource usage.
type Options struct {
	// Concurrency is the number of transform pipelines allowed in flight.
	Concurrency int64
	// TaskTimeout is the per-task deadline; on expiry the transform process
	// and both streams are aborted and the record marked failed.
	TaskTimeout time.Duration
}

// Processor is the job dispatcher: one consumer loop, a bounded pool of
// pipelines.
type Processor struct {
	store       MediaStore
	caches      CacheInvalidator
	blobs       BlobStore
	transformer Transformer
	transcriber Transcriber
	lease       Lease
	tasks       taskSource
	opts        Options
	logger      *zap.Logger
}

// NewProcessor creates a media task processor.
func NewProcessor(store MediaStore, caches CacheInvalidator, blobs BlobStore, transformer Transformer, transcriber Transcriber, lease Lease, tasks taskSource, opts Options, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Minute
	}
	return &Processor{
		store:       store,
		caches:      caches,
		blobs:       blobs,
		transformer: transformer,
		transcriber: transcriber,
		lease:       lease,
		tasks:       tasks,
		opts:        opts,
		logger:      logger,
	}
}

// Run starts the consumer loop: dequeue, dispatch into the bounded pool,
// retry on failure. Returns once ctx is cancelled and in-flight pipelines
// have drained.
func (p *Processor) Run(ctx context.Context) {
	sem := semaphore.NewWeighted(p.opts.Concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping, draining pipelines")
			wg.Wait()
			return
		default:
		}

		job, err := p.tasks.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			// Shutting down with a claimed job: put it back.
			if reErr := p.tasks.Retry(ctx, job); reErr != nil {
				p.logger.Error("requeue on shutdown failed", zap.Error(reErr), zap.String("job_id", job.ID))
			}
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(job *queue.Job) {
			defer wg.Done()
			defer sem.Release(1)

			p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
			if err := p.Process(ctx, job); err != nil {
				p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
				if reErr := p.tasks.Retry(ctx, job); reErr != nil {
					p.logger.Error("retry enqueue failed", zap.Error(reErr), zap.String("job_id", job.ID))
				}
			}
		}(job)
	}
}

// Process executes one task end to end under the record's lease and the
// per-task deadline.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	var payload queue.TaskPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if !payload.TaskType.Valid() {
		return fmt.Errorf("unknown task type: %s", payload.TaskType)
	}

	ok, err := p.lease.Acquire(ctx, payload.VideoID)
	if err != nil {
		return err
	}
	if !ok {
		// Another worker holds the record; the redelivered message is
		// dropped, not retried, because that worker will finish the task.
		p.logger.Info("record lease held elsewhere, skipping",
			zap.String("video_id", payload.VideoID.String()),
			zap.String("task_type", string(payload.TaskType)))
		return nil
	}
	defer p.lease.Release(ctx, payload.VideoID)

	taskCtx, cancel := context.WithTimeout(ctx, p.opts.TaskTimeout)
	defer cancel()

	v, err := p.store.GetByID(taskCtx, payload.VideoID)
	if err != nil {
		return fmt.Errorf("load record %s: %w", payload.VideoID, err)
	}

	switch payload.TaskType {
	case queue.TaskTranscode:
		return p.transcode(taskCtx, v)
	case queue.TaskExtractAudio:
		return p.extractAudio(taskCtx, v)
	case queue.TaskTranscribe:
		return p.transcribe(taskCtx, v, payload.Force)
	}
	return nil
}

// transcode streams the source blob through the video transform into a
// derived key and marks the record completed.
func (p *Processor) transcode(ctx context.Context, v *models.Video) error {
	if v.Status.TerminalForTranscode() && v.HasOutput() {
		p.logger.Info("transcode already satisfied", zap.String("video_id", v.ID.String()))
		return nil
	}

	outKey := storage.TranscodedKey(v.StoredKey)
	ok, err := p.beginTask(ctx, v, models.StatusTranscoding)
	if err != nil || !ok {
		return err
	}

	if err := p.runPipeline(ctx, v.StoredKey, outKey, storage.ContentTypeMP4, p.transformer.Transcode); err != nil {
		p.fail(ctx, v, err)
		return fmt.Errorf("transcode %s: %w", v.ID, err)
	}

	return p.markOutput(ctx, v, models.StatusCompleted, outKey)
}

// extractAudio streams the source blob through the audio transform. If the
// derived audio object already exists the transform is skipped and only the
// record is reconciled.
func (p *Processor) extractAudio(ctx context.Context, v *models.Video) error {
	audioKey := storage.AudioKey(v.StoredKey)

	if v.Status.TerminalForAudio() && v.HasOutput() {
		p.logger.Info("extract-audio already satisfied", zap.String("video_id", v.ID.String()))
		return nil
	}
	if exists, err := p.blobs.Exists(ctx, audioKey); err == nil && exists {
		if v.Status != models.StatusAudioReady && !v.Status.CanTransition(models.StatusAudioReady) {
			// The record moved past this task while the message waited in
			// the queue (e.g. a transcode completed it). Already satisfied.
			p.logger.Info("stale extract-audio redelivery, skipping",
				zap.String("video_id", v.ID.String()), zap.String("status", string(v.Status)))
			return nil
		}
		p.logger.Info("audio artifact already present", zap.String("video_id", v.ID.String()), zap.String("key", audioKey))
		return p.markOutput(ctx, v, models.StatusAudioReady, audioKey)
	}

	ok, err := p.beginTask(ctx, v, models.StatusExtractingAudio)
	if err != nil || !ok {
		return err
	}

	if err := p.runPipeline(ctx, v.StoredKey, audioKey, storage.ContentTypeMP3, p.transformer.ExtractAudio); err != nil {
		p.fail(ctx, v, err)
		return fmt.Errorf("extract audio %s: %w", v.ID, err)
	}

	return p.markOutput(ctx, v, models.StatusAudioReady, audioKey)
}

// transcribe submits the audio artifact to the transcription provider and
// persists the text. Provider failures fail the task, never the record: the
// status is restored to the artifact state the output key implies.
func (p *Processor) transcribe(ctx context.Context, v *models.Video, force bool) error {
	audioKey := storage.AudioKey(v.StoredKey)

	exists, err := p.blobs.Exists(ctx, audioKey)
	if err != nil {
		return fmt.Errorf("probe audio %s: %w", v.ID, err)
	}
	if !exists {
		return fmt.Errorf("transcribe %s: audio not extracted", v.ID)
	}

	if v.Transcript != "" && !force {
		p.logger.Info("reusing stored transcript", zap.String("video_id", v.ID.String()))
		if v.Status == models.StatusQueued {
			return p.markOutput(ctx, v, p.restoreStatus(v, audioKey), p.outputKeyOr(v, audioKey))
		}
		return nil
	}

	restore := p.restoreStatus(v, audioKey)
	outKey := p.outputKeyOr(v, audioKey)

	ok, err := p.beginTask(ctx, v, models.StatusTranscribing)
	if err != nil || !ok {
		return err
	}

	audioURL, err := p.blobs.PresignDownload(ctx, audioKey, "", p.blobs.PresignExpire())
	if err != nil {
		p.markOutputBestEffort(ctx, v, restore, outKey)
		return fmt.Errorf("presign audio %s: %w", v.ID, err)
	}

	text, err := p.transcriber.Transcribe(ctx, audioURL)
	if err != nil {
		p.markOutputBestEffort(ctx, v, restore, outKey)
		return fmt.Errorf("transcribe %s: %w", v.ID, err)
	}

	if err := p.store.SetTranscript(ctx, v.ID, text); err != nil {
		p.markOutputBestEffort(ctx, v, restore, outKey)
		return fmt.Errorf("persist transcript %s: %w", v.ID, err)
	}
	return p.markOutput(ctx, v, restore, outKey)
}

// restoreStatus derives the status a record returns to after transcription
// from the artifact its output key names.
func (p *Processor) restoreStatus(v *models.Video, audioKey string) models.VideoStatus {
	if v.HasOutput() && v.OutputKey != audioKey {
		return models.StatusCompleted
	}
	return models.StatusAudioReady
}

func (p *Processor) outputKeyOr(v *models.Video, fallback string) string {
	if v.HasOutput() {
		return v.OutputKey
	}
	return fallback
}

// runPipeline connects blob read stream → transform process → blob write
// stream. The transform completion and the upload completion are joined:
// both must succeed, and either failing cancels the other via the shared
// group context so no stream dangles.
func (p *Processor) runPipeline(ctx context.Context, srcKey, dstKey, contentType string, transform func(context.Context, io.Reader, io.Writer) error) error {
	src, err := p.blobs.OpenRead(ctx, srcKey)
	if err != nil {
		return fmt.Errorf("open source %s: %w", srcKey, err)
	}
	defer src.Close()

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := transform(gctx, src, pw)
		// Propagate to the upload side: a nil err closes the pipe cleanly
		// ("data fully flushed"), a non-nil err poisons the read end.
		pw.CloseWithError(err)
		if err != nil {
			return fmt.Errorf("transform: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := p.blobs.Upload(gctx, dstKey, contentType, pr); err != nil {
			// Unblock the transform's writer before reporting.
			pr.CloseWithError(err)
			return fmt.Errorf("upload %s: %w", dstKey, err)
		}
		return nil
	})

	return g.Wait()
}

// beginTask marks the working status for a task. A record whose current
// status cannot legally take the edge was advanced by a competing task after
// this message was queued; such a stale redelivery is dropped, not retried.
func (p *Processor) beginTask(ctx context.Context, v *models.Video, to models.VideoStatus) (bool, error) {
	if !v.Status.CanTransition(to) {
		p.logger.Info("stale redelivery, skipping",
			zap.String("video_id", v.ID.String()),
			zap.String("status", string(v.Status)),
			zap.String("task_status", string(to)))
		return false, nil
	}
	if err := p.markStatus(ctx, v, to); err != nil {
		return false, err
	}
	return true, nil
}

// markStatus writes a validated status transition and invalidates both
// cache entries before returning.
func (p *Processor) markStatus(ctx context.Context, v *models.Video, to models.VideoStatus) error {
	if !v.Status.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s for %s", v.Status, to, v.ID)
	}
	if err := p.store.UpdateStatus(ctx, v.ID, to); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	v.Status = to
	p.invalidate(ctx, v)
	return nil
}

// markOutput writes the terminal status together with the derived key.
func (p *Processor) markOutput(ctx context.Context, v *models.Video, to models.VideoStatus, outputKey string) error {
	if v.Status != to && !v.Status.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s for %s", v.Status, to, v.ID)
	}
	if err := p.store.UpdateOutput(ctx, v.ID, to, outputKey); err != nil {
		return fmt.Errorf("update output: %w", err)
	}
	v.Status = to
	v.OutputKey = outputKey
	p.invalidate(ctx, v)
	return nil
}

func (p *Processor) markOutputBestEffort(ctx context.Context, v *models.Video, to models.VideoStatus, outputKey string) {
	// The task context may already be dead (deadline, provider abort); the
	// restore write still has to land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.markOutput(ctx, v, to, outputKey); err != nil {
		p.logger.Error("status restore failed", zap.Error(err), zap.String("video_id", v.ID.String()))
	}
}

// fail forces the record to failed. Any state may take this edge when the
// worker hits an unrecoverable error. The write uses a detached context so
// an expired task deadline cannot also suppress the failed mark.
func (p *Processor) fail(ctx context.Context, v *models.Video, cause error) {
	p.logger.Error("task failed, marking record",
		zap.String("video_id", v.ID.String()),
		zap.String("from", string(v.Status)),
		zap.Error(cause))
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.store.UpdateStatus(ctx, v.ID, models.StatusFailed); err != nil {
		p.logger.Error("mark failed errored", zap.Error(err), zap.String("video_id", v.ID.String()))
	}
	v.Status = models.StatusFailed
	p.invalidate(ctx, v)
}

func (p *Processor) invalidate(ctx context.Context, v *models.Video) {
	p.caches.Invalidate(ctx, v.ID)
	p.caches.InvalidateOwner(ctx, v.OwnerID)
}
