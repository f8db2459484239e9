package transcript

import (
	"testing"

	"live-transcription-client/internal/models"
)

func results(texts ...string) []models.TranscriptResult {
	out := make([]models.TranscriptResult, len(texts))
	for i, t := range texts {
		out[i] = models.TranscriptResult{ID: uint64(i), Text: t, Status: models.StatusFinal}
	}
	return out
}

func TestVisible(t *testing.T) {
	tests := []struct {
		name      string
		in        []models.TranscriptResult
		wantIDs   []uint64
		wantConts []bool
	}{
		{
			name:      "empty",
			in:        nil,
			wantIDs:   []uint64{},
			wantConts: []bool{},
		},
		{
			name:      "distinct results",
			in:        results("hello", "goodbye"),
			wantIDs:   []uint64{0, 1},
			wantConts: []bool{false, false},
		},
		{
			name:      "retransmission hidden",
			in:        results("Hello world.", "hello world", "next"),
			wantIDs:   []uint64{0, 2},
			wantConts: []bool{false, false},
		},
		{
			name:      "prefix flagged as continuation",
			in:        results("the cell", "the cell divides"),
			wantIDs:   []uint64{0, 1},
			wantConts: []bool{false, true},
		},
		{
			name:      "punctuation separates words",
			in:        results("hello,world", "hello world"),
			wantIDs:   []uint64{0},
			wantConts: []bool{false},
		},
		{
			name:      "prefix inside a word is not a continuation",
			in:        results("cat", "category"),
			wantIDs:   []uint64{0, 1},
			wantConts: []bool{false, false},
		},
		{
			name:      "non-consecutive repeat kept",
			in:        results("yes", "no", "yes"),
			wantIDs:   []uint64{0, 1, 2},
			wantConts: []bool{false, false, false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Visible(tt.in)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("expected %d visible results, got %d", len(tt.wantIDs), len(got))
			}
			for i, v := range got {
				if v.ID != tt.wantIDs[i] {
					t.Errorf("result %d: expected id %d, got %d", i, tt.wantIDs[i], v.ID)
				}
				if v.Continuation != tt.wantConts[i] {
					t.Errorf("result %d: expected continuation %v, got %v", i, tt.wantConts[i], v.Continuation)
				}
			}
		})
	}
}

func TestVisible_DoesNotModifyInput(t *testing.T) {
	in := results("a", "a", "a")
	_ = Visible(in)
	if len(in) != 3 || in[1].Text != "a" {
		t.Errorf("input modified: %v", in)
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"Hello, World!":    "hello world",
		"  spaced   out  ": "spaced out",
		"It's 4 o'clock.":  "its 4 oclock",
		"hello,world":      "hello world",
		"mid-term’s":       "mid terms",
		"":                 "",
		"...":              "",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
