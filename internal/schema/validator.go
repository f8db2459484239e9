// Package schema validates transcript events against their JSON Schemas
// before they are handed to the transcript store.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"live-transcription-client/internal/models"
)

// ErrUnsupportedEvent is returned for values that have no registered schema.
var ErrUnsupportedEvent = errors.New("schema: unsupported event type")

const partialSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["eventType", "sessionId", "languageCode", "timestamp", "text"],
  "properties": {
    "eventType":    {"const": "session.transcript.partial"},
    "sessionId":    {"type": "string", "minLength": 1},
    "languageCode": {"type": "string", "minLength": 1},
    "timestamp":    {"type": "integer", "minimum": 1},
    "text":         {"type": "string", "pattern": "\\S"}
  }
}`

const finalSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["eventType", "sessionId", "languageCode", "timestamp", "resultId", "text", "confidence"],
  "properties": {
    "eventType":    {"const": "session.transcript.final"},
    "sessionId":    {"type": "string", "minLength": 1},
    "languageCode": {"type": "string", "minLength": 1},
    "timestamp":    {"type": "integer", "minimum": 1},
    "resultId":     {"type": "integer", "minimum": 0},
    "text":         {"type": "string", "pattern": "\\S"},
    "confidence":   {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

// Validator checks events against compiled schemas. It is safe for concurrent use.
type Validator struct {
	partial *gojsonschema.Schema
	final   *gojsonschema.Schema
}

// New compiles the event schemas.
func New() (*Validator, error) {
	partial, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(partialSchema))
	if err != nil {
		return nil, fmt.Errorf("compile partial schema: %w", err)
	}
	final, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(finalSchema))
	if err != nil {
		return nil, fmt.Errorf("compile final schema: %w", err)
	}
	return &Validator{partial: partial, final: final}, nil
}

// MustNew is New for package-level initialization with built-in schemas.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate returns a descriptive error when event does not satisfy its schema.
func (v *Validator) Validate(event any) error {
	var s *gojsonschema.Schema
	switch event.(type) {
	case models.TranscriptPartial, *models.TranscriptPartial:
		s = v.partial
	case models.TranscriptFinal, *models.TranscriptFinal:
		s = v.final
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedEvent, event)
	}

	res, err := s.Validate(gojsonschema.NewGoLoader(event))
	if err != nil {
		return fmt.Errorf("schema: validate: %w", err)
	}
	if res.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema: invalid %T: %s", event, strings.Join(msgs, "; "))
}
