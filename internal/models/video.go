package models

import (
	"time"

	"github.com/google/uuid"
)

// VideoStatus represents the lifecycle state of an uploaded video.
type VideoStatus string

const (
	StatusUploading       VideoStatus = "uploading"
	StatusQueued          VideoStatus = "queued"
	StatusTranscoding     VideoStatus = "transcoding"
	StatusExtractingAudio VideoStatus = "extracting_audio"
	StatusTranscribing    VideoStatus = "transcribing"
	StatusAudioReady      VideoStatus = "audio_ready"
	StatusCompleted       VideoStatus = "completed"
	StatusFailed          VideoStatus = "failed"
)

// transitions is the set of legal status edges. The store is only ever moved
// along these; anything else is a programming error surfaced by CanTransition.
var transitions = map[VideoStatus][]VideoStatus{
	StatusUploading: {StatusQueued, StatusFailed},
	// queued may jump straight to a terminal state when a redelivered task
	// finds its artifact already in the object store and only reconciles.
	StatusQueued:          {StatusTranscoding, StatusExtractingAudio, StatusTranscribing, StatusAudioReady, StatusCompleted, StatusFailed},
	StatusTranscoding:     {StatusCompleted, StatusFailed},
	StatusExtractingAudio: {StatusAudioReady, StatusFailed},
	StatusTranscribing:    {StatusAudioReady, StatusCompleted, StatusQueued, StatusFailed},
	// Terminal-for-task states accept new task submissions.
	StatusAudioReady: {StatusQueued, StatusTranscribing, StatusFailed},
	StatusCompleted:  {StatusQueued, StatusFailed},
	StatusFailed:     {StatusQueued},
}

// CanTransition reports whether moving from one status to another is legal.
func (s VideoStatus) CanTransition(to VideoStatus) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// TerminalForTranscode reports whether a transcode task against this record
// is already satisfied. Redelivered queue messages short-circuit on this.
func (s VideoStatus) TerminalForTranscode() bool {
	return s == StatusCompleted
}

// TerminalForAudio reports whether an extract-audio task is already satisfied.
func (s VideoStatus) TerminalForAudio() bool {
	return s == StatusAudioReady
}

// Video is the metadata record for one uploaded media item. The database row
// is the sole source of truth for Status; cached copies are bounded-staleness
// snapshots only.
type Video struct {
	ID           uuid.UUID   `json:"id"`
	OwnerID      uuid.UUID   `json:"owner_id"`
	OriginalName string      `json:"original_name"`
	StoredKey    string      `json:"stored_key"`
	OutputKey    string      `json:"output_key,omitempty"`
	Transcript   string      `json:"transcript,omitempty"`
	Status       VideoStatus `json:"status"`
	UploadedAt   time.Time   `json:"uploaded_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// HasOutput reports whether a derived artifact key is recorded.
func (v *Video) HasOutput() bool { return v.OutputKey != "" }
