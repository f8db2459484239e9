package websocket

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies an inbound or outbound recognizer message.
type MessageType string

const (
	MessageTypeBegin       MessageType = "Begin"
	MessageTypeTurn        MessageType = "Turn"
	MessageTypeTermination MessageType = "Termination"
	MessageTypeError       MessageType = "Error"
	MessageTypeTerminate   MessageType = "Terminate"
)

// BeginMessage announces the recognizer session.
type BeginMessage struct {
	Type      MessageType `json:"type"`
	ID        string      `json:"id"`
	ExpiresAt int64       `json:"expires_at"`
}

// TurnMessage carries the transcript of the current turn. It is final when
// EndOfTurn is set.
type TurnMessage struct {
	Type                MessageType `json:"type"`
	TurnOrder           int         `json:"turn_order"`
	Transcript          string      `json:"transcript"`
	EndOfTurn           bool        `json:"end_of_turn"`
	EndOfTurnConfidence float64     `json:"end_of_turn_confidence"`
	TurnIsFormatted     bool        `json:"turn_is_formatted"`
	Words               []Word      `json:"words,omitempty"`
}

// Word is a single recognized word with timing in milliseconds.
type Word struct {
	Start       int64   `json:"start"`
	End         int64   `json:"end"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	WordIsFinal bool    `json:"word_is_final"`
}

// Confidence returns the mean word confidence, or the end-of-turn confidence
// when the message carries no words.
func (m TurnMessage) Confidence() float64 {
	if len(m.Words) == 0 {
		return m.EndOfTurnConfidence
	}
	var sum float64
	for _, w := range m.Words {
		sum += w.Confidence
	}
	return sum / float64(len(m.Words))
}

// TerminationMessage is the recognizer's acknowledgement of a Terminate.
type TerminationMessage struct {
	Type                   MessageType `json:"type"`
	AudioDurationSeconds   float64     `json:"audio_duration_seconds"`
	SessionDurationSeconds float64     `json:"session_duration_seconds"`
}

// ErrorMessage reports a recognizer-side failure.
type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

// TerminateMessage asks the recognizer to flush and end the session.
type TerminateMessage struct {
	Type MessageType `json:"type"`
}

// Decode parses an inbound message into its concrete type.
func Decode(data []byte) (any, error) {
	var base struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeBegin:
		var msg BeginMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid begin message: %w", err)
		}
		return &msg, nil

	case MessageTypeTurn:
		var msg TurnMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid turn message: %w", err)
		}
		return &msg, nil

	case MessageTypeTermination:
		var msg TerminationMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid termination message: %w", err)
		}
		return &msg, nil

	case MessageTypeError:
		var msg ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid error message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %q", base.Type)
	}
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
