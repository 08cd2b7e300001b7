package workflow

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/webordinary/edit-worker/internal/gitops"
	"github.com/webordinary/edit-worker/internal/queue"
)

// politePrefixes are stripped from the instruction before it becomes a
// commit subject.
var politePrefixes = []string{
	"please ",
	"can you ",
	"could you ",
	"would you ",
	"kindly ",
	"pls ",
}

// idPrefixLen is how much of the instruction id goes into the subject.
const idPrefixLen = 8

// bodyPathThreshold is the changed-path count above which the body lists
// them.
const bodyPathThreshold = 3

// CommitMessage derives the commit subject and body for an instruction.
//
// The subject is the instruction, trimmed, stripped of polite prefixes,
// capitalized, prefixed with the first 8 characters of the instruction id
// in brackets, and truncated to 72 characters. The body is emitted only
// when something needs it: the full instruction when the subject was
// truncated, the changed paths when more than three changed; trailer lines
// follow whenever a body exists.
func CommitMessage(msg queue.WorkMessage, changedPaths []string) (subject, body string) {
	cleaned := capitalize(stripPolite(strings.TrimSpace(msg.Instruction)))
	full := fmt.Sprintf("[%s] %s", idPrefix(msg.MessageID), cleaned)
	subject = gitops.TruncateSubject(full)

	var parts []string
	if subject != full {
		parts = append(parts, strings.TrimSpace(msg.Instruction))
	}
	if len(changedPaths) > bodyPathThreshold {
		var b strings.Builder
		b.WriteString("Changed paths:\n")
		for _, p := range changedPaths {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))
	}
	if len(parts) == 0 {
		return subject, ""
	}

	parts = append(parts, trailers(msg))
	return subject, strings.Join(parts, "\n\n")
}

// WIPCommitMessage derives the message for parking partial work after a
// preemption.
func WIPCommitMessage(msg queue.WorkMessage, changedPaths []string) (subject, body string) {
	subject = gitops.TruncateSubject("WIP: interrupted — " + strings.TrimSpace(msg.Instruction))

	var parts []string
	if len(changedPaths) > bodyPathThreshold {
		var b strings.Builder
		b.WriteString("Changed paths:\n")
		for _, p := range changedPaths {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		parts = append(parts, strings.TrimRight(b.String(), "\n"))
	}
	parts = append(parts, trailers(msg))
	return subject, strings.Join(parts, "\n\n")
}

func trailers(msg queue.WorkMessage) string {
	return strings.Join([]string{
		"Instruction-Id: " + msg.MessageID,
		"User: " + msg.UserID,
		"Timestamp: " + time.Now().UTC().Format(time.RFC3339),
	}, "\n")
}

// idPrefix returns up to the first 8 characters of the instruction id;
// shorter ids are used whole.
func idPrefix(id string) string {
	if len(id) <= idPrefixLen {
		return id
	}
	return id[:idPrefixLen]
}

func stripPolite(s string) string {
	for {
		stripped := false
		lower := strings.ToLower(s)
		for _, prefix := range politePrefixes {
			if strings.HasPrefix(lower, prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				stripped = true
				break
			}
		}
		if !stripped {
			return s
		}
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
