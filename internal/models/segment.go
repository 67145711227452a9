package models

// Segment is one utterance within a transcript. Speaker, channel and
// sentiment are filled in only when the engine produced them.
type Segment struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Text      string  `json:"text"`
	Speaker   string  `json:"speaker,omitempty"`
	Channel   int     `json:"channel,omitempty"`
	Sentiment string  `json:"sentiment,omitempty"`
}
