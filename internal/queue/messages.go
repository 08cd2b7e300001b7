// Package queue defines the worker's inbound SQS channels: the cluster-wide
// unclaimed queue, the per-pair FIFO work queue, and the per-pair interrupt
// queue.
package queue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ClaimRequest announces that a (project, user) pair is available for
// claiming. Delivered on the cluster-wide unclaimed queue.
type ClaimRequest struct {
	Type      string `json:"type"`
	Project   string `json:"project"`
	User      string `json:"user"`
	QueueURL  string `json:"queueUrl"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ParseClaimRequest decodes and validates a claim-request body.
func ParseClaimRequest(body string) (ClaimRequest, error) {
	var req ClaimRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return req, fmt.Errorf("decoding claim request: %w", err)
	}
	if req.Type != "claim_request" {
		return req, fmt.Errorf("unexpected message type %q", req.Type)
	}
	var missing []string
	if req.Project == "" {
		missing = append(missing, "project")
	}
	if req.User == "" {
		missing = append(missing, "user")
	}
	if req.QueueURL == "" {
		missing = append(missing, "queueUrl")
	}
	if len(missing) > 0 {
		return req, fmt.Errorf("claim request missing fields: %s", strings.Join(missing, ", "))
	}
	return req, nil
}

// Attachment points at pre-fetched input for an instruction (documents,
// images). The worker passes them through; intake happens upstream.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// WorkMessage is one instruction on the owned FIFO work queue.
type WorkMessage struct {
	TaskToken   string       `json:"taskToken"`
	MessageID   string       `json:"messageId"`
	ThreadID    string       `json:"threadId"`
	ProjectID   string       `json:"projectId"`
	UserID      string       `json:"userId"`
	RepoURL     string       `json:"repoUrl"`
	Instruction string       `json:"instruction"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ParseWorkMessage decodes and validates a work-message body. A message
// failing validation is malformed and must be dropped, never retried.
func ParseWorkMessage(body string) (WorkMessage, error) {
	var msg WorkMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, fmt.Errorf("decoding work message: %w", err)
	}
	return msg, msg.Validate()
}

// Validate reports every missing required field at once.
func (m WorkMessage) Validate() error {
	var missing []string
	for _, f := range []struct{ name, val string }{
		{"taskToken", m.TaskToken},
		{"messageId", m.MessageID},
		{"threadId", m.ThreadID},
		{"projectId", m.ProjectID},
		{"userId", m.UserID},
		{"repoUrl", m.RepoURL},
		{"instruction", m.Instruction},
	} {
		if f.val == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("work message missing fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ThreadBranch returns the git branch for this instruction's conversation
// thread.
func (m WorkMessage) ThreadBranch() string {
	return "thread-" + m.ThreadID
}

// InterruptMessage asks the owner of (project, user) to abort the in-flight
// instruction OldMessageID because NewMessageID supersedes it.
type InterruptMessage struct {
	ProjectID    string `json:"projectId"`
	UserID       string `json:"userId"`
	OldMessageID string `json:"oldMessageId"`
	NewMessageID string `json:"newMessageId"`
	Timestamp    int64  `json:"timestamp"`
}

// ParseInterruptMessage decodes and validates an interrupt body.
func ParseInterruptMessage(body string) (InterruptMessage, error) {
	var msg InterruptMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, fmt.Errorf("decoding interrupt: %w", err)
	}
	if msg.ProjectID == "" || msg.UserID == "" || msg.OldMessageID == "" {
		return msg, fmt.Errorf("interrupt missing projectId, userId, or oldMessageId")
	}
	return msg, nil
}
