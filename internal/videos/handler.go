package videos

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clipstream/backend/internal/middleware"
	"github.com/clipstream/backend/internal/models"
	"github.com/clipstream/backend/pkg/queue"
	"github.com/clipstream/backend/pkg/response"
	"github.com/clipstream/backend/pkg/storage"
)

// blobGateway is the slice of the S3 gateway the handlers need: time-limited
// handles and an existence probe. Byte transfer happens directly between the
// client and the blob store.
type blobGateway interface {
	PresignUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, error)
	PresignDownload(ctx context.Context, key, filename string, expires time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	PresignExpire() time.Duration
}

// taskQueue enqueues media tasks.
type taskQueue interface {
	Enqueue(ctx context.Context, payload queue.TaskPayload) error
}

// recordWriter is the slice of Repository the handlers write through; reads
// go through the cache-aside Store instead.
type recordWriter interface {
	Create(ctx context.Context, v *models.Video) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus) error
}

// Summarizer produces a short natural-language summary of a transcript. The
// result is ephemeral and never persisted.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Handler handles video HTTP endpoints: ingestion, status queries and task
// submission.
type Handler struct {
	repo       recordWriter
	store      *Store
	blobs      blobGateway
	tasks      taskQueue
	summarizer Summarizer // optional; nil disables GET /videos/:id/summary
	logger     *zap.Logger
}

// NewHandler creates a videos handler.
func NewHandler(repo recordWriter, store *Store, blobs blobGateway, tasks taskQueue, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, store: store, blobs: blobs, tasks: tasks, logger: logger}
}

// SetSummarizer sets the optional summary provider.
func (h *Handler) SetSummarizer(s Summarizer) { h.summarizer = s }

// UploadRequest is the body for POST /videos/upload-request.
type UploadRequest struct {
	Filename string `json:"filename" binding:"required"`
}

// TranscribeRequest is the body for POST /videos/:id/transcribe.
type TranscribeRequest struct {
	// Force re-runs transcription even when a transcript is already stored.
	Force bool `json:"force"`
}

// RequestUpload handles POST /videos/upload-request. It derives a
// collision-free stored key, issues a presigned PUT handle, persists the
// record, enqueues the first task and only then marks the record queued.
func (h *Handler) RequestUpload(c *gin.Context) {
	var req UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ownerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	ctx := c.Request.Context()

	id := uuid.New()
	storedKey := storage.StoredKey(id, time.Now(), req.Filename)

	uploadURL, err := h.blobs.PresignUpload(ctx, storedKey, "", h.blobs.PresignExpire())
	if err != nil {
		h.logger.Error("presign upload failed", zap.Error(err), zap.String("key", storedKey))
		response.Internal(c, "failed to create upload URL")
		return
	}

	v := &models.Video{
		ID:           id,
		OwnerID:      ownerID,
		OriginalName: req.Filename,
		StoredKey:    storedKey,
		Status:       models.StatusUploading,
	}
	// Persist before enqueue: a crash in between leaves a recoverable
	// uploading record rather than an orphaned queue message.
	if err := h.repo.Create(ctx, v); err != nil {
		h.logger.Error("create video failed", zap.Error(err), zap.String("video_id", id.String()))
		response.Internal(c, "failed to create video record")
		return
	}
	h.store.InvalidateOwner(ctx, ownerID)

	if err := h.tasks.Enqueue(ctx, queue.TaskPayload{VideoID: id, TaskType: queue.TaskExtractAudio}); err != nil {
		h.logger.Error("enqueue first task failed", zap.Error(err), zap.String("video_id", id.String()))
		response.ServiceUnavailable(c, "failed to queue processing, retry the upload request")
		return
	}
	if err := h.repo.UpdateStatus(ctx, id, models.StatusQueued); err != nil {
		h.logger.Error("mark queued failed", zap.Error(err), zap.String("video_id", id.String()))
	}
	h.store.Invalidate(ctx, id)
	h.store.InvalidateOwner(ctx, ownerID)

	response.Created(c, gin.H{"video_id": id, "upload_url": uploadURL})
}

// List handles GET /videos: the caller's records, newest first, cache-aside.
func (h *Handler) List(c *gin.Context) {
	ownerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	list, err := h.store.ListByOwner(c.Request.Context(), ownerID)
	if err != nil {
		h.logger.Error("list videos failed", zap.Error(err), zap.String("owner_id", ownerID.String()))
		response.Internal(c, "failed to list videos")
		return
	}
	if list == nil {
		list = []models.Video{}
	}
	response.OK(c, list)
}

// authorize fetches a record and checks ownership. A record owned by someone
// else yields the same ErrNotFound the absent case does; the distinction
// lives only in the log line.
func (h *Handler) authorize(c *gin.Context) (*models.Video, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, ErrNotFound
	}
	callerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	v, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	if v.OwnerID != callerID {
		h.logger.Warn("video access denied",
			zap.String("video_id", id.String()),
			zap.String("owner_id", v.OwnerID.String()),
			zap.String("caller_id", callerID.String()))
		return nil, ErrNotFound
	}
	return v, nil
}

// GetByID handles GET /videos/:id.
func (h *Handler) GetByID(c *gin.Context) {
	v, err := h.authorize(c)
	if err != nil {
		h.respondLookupError(c, err)
		return
	}
	response.OK(c, v)
}

// DownloadURL handles GET /videos/:id/download-url. The derived artifact must
// exist; the handle carries an attachment disposition with the original name.
func (h *Handler) DownloadURL(c *gin.Context) {
	v, err := h.authorize(c)
	if err != nil {
		h.respondLookupError(c, err)
		return
	}
	if !v.HasOutput() || (v.Status != models.StatusCompleted && v.Status != models.StatusAudioReady) {
		response.BadRequest(c, "video not ready for download")
		return
	}
	url, err := h.blobs.PresignDownload(c.Request.Context(), v.OutputKey, v.OriginalName, h.blobs.PresignExpire())
	if err != nil {
		h.logger.Error("presign download failed", zap.Error(err), zap.String("video_id", v.ID.String()))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(h.blobs.PresignExpire().Seconds())})
}

// SubmitTranscode handles POST /videos/:id/transcode.
func (h *Handler) SubmitTranscode(c *gin.Context) {
	h.submitTask(c, queue.TaskTranscode, false)
}

// SubmitExtractAudio handles POST /videos/:id/extract-audio.
func (h *Handler) SubmitExtractAudio(c *gin.Context) {
	h.submitTask(c, queue.TaskExtractAudio, false)
}

// SubmitTranscribe handles POST /videos/:id/transcribe. The audio artifact is
// a synchronous precondition: without it the request fails and the record
// status is untouched.
func (h *Handler) SubmitTranscribe(c *gin.Context) {
	var req TranscribeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	h.submitTask(c, queue.TaskTranscribe, req.Force)
}

func (h *Handler) submitTask(c *gin.Context, task queue.TaskType, force bool) {
	v, err := h.authorize(c)
	if err != nil {
		h.respondLookupError(c, err)
		return
	}
	ctx := c.Request.Context()

	if task == queue.TaskTranscribe {
		ok := v.Status == models.StatusAudioReady
		if !ok {
			ok, err = h.blobs.Exists(ctx, storage.AudioKey(v.StoredKey))
			if err != nil {
				h.logger.Error("audio probe failed", zap.Error(err), zap.String("video_id", v.ID.String()))
				response.Internal(c, "failed to check audio artifact")
				return
			}
		}
		if !ok {
			response.BadRequest(c, "audio not extracted, run extract-audio first")
			return
		}
	}

	if v.Status != models.StatusQueued && !v.Status.CanTransition(models.StatusQueued) {
		response.BadRequest(c, "video is busy, retry once the current task finishes")
		return
	}

	if err := h.tasks.Enqueue(ctx, queue.TaskPayload{VideoID: v.ID, TaskType: task, Force: force}); err != nil {
		h.logger.Error("enqueue task failed", zap.Error(err),
			zap.String("video_id", v.ID.String()), zap.String("task_type", string(task)))
		response.ServiceUnavailable(c, "failed to queue task")
		return
	}
	if v.Status != models.StatusQueued {
		if err := h.repo.UpdateStatus(ctx, v.ID, models.StatusQueued); err != nil {
			h.logger.Error("mark queued failed", zap.Error(err), zap.String("video_id", v.ID.String()))
		}
	}
	h.store.Invalidate(ctx, v.ID)
	h.store.InvalidateOwner(ctx, v.OwnerID)

	response.OK(c, gin.H{"video_id": v.ID, "task": task, "status": models.StatusQueued})
}

// GetTranscript handles GET /videos/:id/transcript.
func (h *Handler) GetTranscript(c *gin.Context) {
	v, err := h.authorize(c)
	if err != nil {
		h.respondLookupError(c, err)
		return
	}
	if v.Transcript == "" {
		response.NotFound(c, "transcript not available")
		return
	}
	response.OK(c, gin.H{"video_id": v.ID, "transcript": v.Transcript})
}

// GetSummary handles GET /videos/:id/summary. The summary is derived on the
// fly from the stored transcript and is never persisted.
func (h *Handler) GetSummary(c *gin.Context) {
	if h.summarizer == nil {
		response.ServiceUnavailable(c, "summary provider not configured")
		return
	}
	v, err := h.authorize(c)
	if err != nil {
		h.respondLookupError(c, err)
		return
	}
	if v.Transcript == "" {
		response.BadRequest(c, "transcript not available, run transcribe first")
		return
	}
	summary, err := h.summarizer.Summarize(c.Request.Context(), v.Transcript)
	if err != nil {
		h.logger.Error("summary generation failed", zap.Error(err), zap.String("video_id", v.ID.String()))
		response.ServiceUnavailable(c, "summary generation failed")
		return
	}
	response.OK(c, gin.H{"video_id": v.ID, "summary": summary})
}

func (h *Handler) respondLookupError(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "video not found")
		return
	}
	h.logger.Error("video lookup failed", zap.Error(err), zap.String("path", c.Request.URL.Path))
	response.Internal(c, "failed to fetch video")
}
