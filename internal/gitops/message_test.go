package gitops

import (
	"strings"
	"testing"
)

func TestTruncateSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{
			name:    "short subject untouched",
			subject: "Update the hero image",
			want:    "Update the hero image",
		},
		{
			name:    "surrounding whitespace trimmed",
			subject: "  Update the hero image  ",
			want:    "Update the hero image",
		},
		{
			name:    "long subject cut on word boundary",
			subject: "Change the contact form to send submissions to the new support address instead",
			want:    "Change the contact form to send submissions to the new support address",
		},
		{
			name:    "exactly at limit untouched",
			subject: strings.Repeat("a", 72),
			want:    strings.Repeat("a", 72),
		},
		{
			name:    "unbroken text hard-cut",
			subject: strings.Repeat("a", 100),
			want:    strings.Repeat("a", 72),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateSubject(tt.subject)
			if got != tt.want {
				t.Errorf("TruncateSubject(%q) = %q, want %q", tt.subject, got, tt.want)
			}
			if len(got) > 72 {
				t.Errorf("result length %d exceeds 72", len(got))
			}
		})
	}
}

func TestWrapBody(t *testing.T) {
	long := "This paragraph is deliberately written to be much longer than seventy-two characters so that wrapping has something to do."
	got := WrapBody(long)
	for _, line := range strings.Split(got, "\n") {
		if len(line) > 72 {
			t.Errorf("wrapped line exceeds 72 chars: %q", line)
		}
	}
	if strings.Join(strings.Fields(got), " ") != long {
		t.Errorf("wrapping altered the words: %q", got)
	}
}

func TestWrapBodyPreservesShortLinesAndBlanks(t *testing.T) {
	body := "First paragraph.\n\nSecond paragraph."
	if got := WrapBody(body); got != body {
		t.Errorf("WrapBody(%q) = %q, want unchanged", body, got)
	}
}

func TestWrapBodyLeavesUnbreakableLines(t *testing.T) {
	url := "https://example.com/" + strings.Repeat("segment/", 12)
	if got := WrapBody(url); got != url {
		t.Errorf("WrapBody split an unbreakable line: %q", got)
	}
}
