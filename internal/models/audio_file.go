package models

import "time"

// Status tracks an audio file through the processing pipeline.
type Status string

const (
	StatusProcessing   Status = "processing"
	StatusTranscribing Status = "transcribing"
	StatusSummarizing  Status = "summarizing"
	StatusReady        Status = "ready"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no pipeline run is expected to mutate the record.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// AudioFile represents one uploaded recording and its analysis artifacts.
type AudioFile struct {
	ID            int64     `json:"id"`
	OwnerID       int64     `json:"owner_id"`
	FileName      string    `json:"file_name"`
	FileURL       string    `json:"file_url"`
	Size          int64     `json:"size"`
	Status        Status    `json:"status"`
	Transcription []Segment `json:"transcription"`
	KeyEvents     []string  `json:"key_events"`
	Summary       string    `json:"summary"`
	Error         string    `json:"error,omitempty"`
	UploadedAt    time.Time `json:"uploaded_at"`
}
