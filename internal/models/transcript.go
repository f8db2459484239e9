// Package models defines the data structures for transcript results and events.
package models

import "time"

// ResultStatus marks a transcript result as provisional or immutable.
type ResultStatus string

const (
	StatusPartial ResultStatus = "partial"
	StatusFinal   ResultStatus = "final"
)

// TranscriptResult is one unit of recognized text as seen by consumers.
type TranscriptResult struct {
	ID         uint64       `json:"id"`
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
	Status     ResultStatus `json:"status"`
	Timestamp  time.Time    `json:"timestamp"`
}

// TranscriptPartial is the event published for an interim transcript.
type TranscriptPartial struct {
	EventType    string `json:"eventType"`
	SessionID    string `json:"sessionId"`
	LanguageCode string `json:"languageCode"`
	Timestamp    int64  `json:"timestamp"`
	Text         string `json:"text"`
}

// TranscriptFinal is the event published for a final transcript with confidence score.
type TranscriptFinal struct {
	EventType    string  `json:"eventType"`
	SessionID    string  `json:"sessionId"`
	LanguageCode string  `json:"languageCode"`
	Timestamp    int64   `json:"timestamp"`
	ResultID     uint64  `json:"resultId"`
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
}

const (
	EventTypePartial = "session.transcript.partial"
	EventTypeFinal   = "session.transcript.final"
)
