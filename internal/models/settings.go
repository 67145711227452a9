package models

// ProcessingSettings selects which pipeline stages run and how the analysis
// engines behave. Supplied per upload or reprocess request, never persisted.
type ProcessingSettings struct {
	TranscriptionEnabled bool   `json:"transcription_enabled"`
	SummaryEnabled       bool   `json:"summary_enabled"`
	KeyEventsEnabled     bool   `json:"key_events_enabled"`
	TranscriptionModel   string `json:"transcription_model,omitempty"`
	LanguageID           string `json:"language_id,omitempty"`
	SentimentDetect      bool   `json:"sentiment_detect,omitempty"`
	AIModel              string `json:"ai_model,omitempty"`
}

// DefaultSettings enables every stage with the engines' default models.
func DefaultSettings() ProcessingSettings {
	return ProcessingSettings{
		TranscriptionEnabled: true,
		SummaryEnabled:       true,
		KeyEventsEnabled:     true,
	}
}
