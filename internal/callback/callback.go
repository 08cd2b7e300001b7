// Package callback is the worker's outbound channel to the orchestrator:
// task-token heartbeats plus terminal success/failure reports.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	sfntypes "github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"github.com/webordinary/edit-worker/internal/retry"
)

// FailureReason enumerates the terminal failure kinds reported upstream.
// PREEMPTED is a first-class outcome, not an error condition.
type FailureReason string

const (
	ReasonPreempted        FailureReason = "PREEMPTED"
	ReasonClaudeFailed     FailureReason = "CLAUDE_FAILED"
	ReasonBuildFailed      FailureReason = "BUILD_FAILED"
	ReasonPublishFailed    FailureReason = "PUBLISH_FAILED"
	ReasonPushFailed       FailureReason = "PUSH_FAILED"
	ReasonHeartbeatLost    FailureReason = "HEARTBEAT_LOST"
	ReasonMalformedMessage FailureReason = "MALFORMED_MESSAGE"
	ReasonInternal         FailureReason = "INTERNAL"
)

// SuccessPayload is the result shape delivered with a success callback.
type SuccessPayload struct {
	ChangedPaths []string `json:"changedPaths"`
	CommitSHA    string   `json:"commitSha,omitempty"`
	Published    bool     `json:"published"`
	Pushed       bool     `json:"pushed"`
}

// SFNAPI is the slice of the Step Functions client the gateway needs.
type SFNAPI interface {
	SendTaskHeartbeat(ctx context.Context, params *sfn.SendTaskHeartbeatInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskHeartbeatOutput, error)
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

// Gateway sends task-token callbacks. Transient failures on terminal
// reports are retried; a callback that still fails never turns a successful
// pipeline into a failed one, the orchestrator-side token timeout covers
// the stranded step.
type Gateway struct {
	api    SFNAPI
	logger *slog.Logger
}

// New returns a Gateway.
func New(api SFNAPI, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{api: api, logger: logger}
}

// Heartbeat signals liveness for the task token. Not retried: the caller
// counts consecutive failures to decide when the heartbeat is lost.
func (g *Gateway) Heartbeat(ctx context.Context, taskToken string) error {
	_, err := g.api.SendTaskHeartbeat(ctx, &sfn.SendTaskHeartbeatInput{
		TaskToken: aws.String(taskToken),
	})
	if err != nil {
		return fmt.Errorf("sending heartbeat: %w", err)
	}
	return nil
}

// ReportSuccess delivers the terminal success result for the task token.
// A run with no changed paths reports an empty list, never null.
func (g *Gateway) ReportSuccess(ctx context.Context, taskToken string, payload SuccessPayload) error {
	if payload.ChangedPaths == nil {
		payload.ChangedPaths = []string{}
	}
	output, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling success payload: %w", err)
	}
	err = retry.Do(ctx, func() error {
		_, err := g.api.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
			TaskToken: aws.String(taskToken),
			Output:    aws.String(string(output)),
		})
		return classifyCallbackErr(err)
	})
	if err != nil {
		g.logger.Error("success callback failed", "error", err)
		return fmt.Errorf("reporting success: %w", err)
	}
	return nil
}

// ReportFailure delivers a terminal failure (or a PREEMPTED outcome) for
// the task token.
func (g *Gateway) ReportFailure(ctx context.Context, taskToken string, reason FailureReason, detail string) error {
	err := retry.Do(ctx, func() error {
		_, err := g.api.SendTaskFailure(ctx, &sfn.SendTaskFailureInput{
			TaskToken: aws.String(taskToken),
			Error:     aws.String(string(reason)),
			Cause:     aws.String(detail),
		})
		return classifyCallbackErr(err)
	})
	if err != nil {
		g.logger.Error("failure callback failed", "reason", reason, "error", err)
		return fmt.Errorf("reporting failure: %w", err)
	}
	return nil
}

// classifyCallbackErr marks token-state errors permanent: a token that has
// timed out or already been consumed will never accept a retry.
func classifyCallbackErr(err error) error {
	if err == nil {
		return nil
	}
	var timedOut *sfntypes.TaskTimedOut
	var missing *sfntypes.TaskDoesNotExist
	var invalid *sfntypes.InvalidToken
	if errors.As(err, &timedOut) || errors.As(err, &missing) || errors.As(err, &invalid) {
		return retry.Permanent(err)
	}
	return err
}
