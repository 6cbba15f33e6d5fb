// Package errtrack reports unexpected failures to an error tracking backend.
package errtrack

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Reporter receives unexpected errors with context tags.
type Reporter interface {
	Report(ctx context.Context, err error, tags map[string]string)
}

// Nop discards reports.
type Nop struct{}

// Report implements Reporter.
func (Nop) Report(context.Context, error, map[string]string) {}

// LogReporter writes reports to a zap logger.
type LogReporter struct {
	Logger *zap.Logger
}

// Report implements Reporter.
func (r LogReporter) Report(_ context.Context, err error, tags map[string]string) {
	if r.Logger == nil || err == nil {
		return
	}
	fields := make([]zap.Field, 0, len(tags)+1)
	fields = append(fields, zap.Error(err))
	for k, v := range tags {
		fields = append(fields, zap.String(k, v))
	}
	r.Logger.Error("unexpected error", fields...)
}

// Multi fans a report out to several reporters.
type Multi []Reporter

// Report implements Reporter.
func (m Multi) Report(ctx context.Context, err error, tags map[string]string) {
	for _, r := range m {
		if r != nil {
			r.Report(ctx, err, tags)
		}
	}
}

// Event is the JSON body posted to the tracking endpoint.
type Event struct {
	EventID   string            `json:"event_id"`
	Timestamp string            `json:"timestamp"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Service   string            `json:"service"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// HTTPReporter posts events to a tracking endpoint.
type HTTPReporter struct {
	client  *resty.Client
	service string
	logger  *zap.Logger
}

// NewHTTPReporter constructs a reporter posting to dsn.
func NewHTTPReporter(dsn, service string, logger *zap.Logger) *HTTPReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(dsn).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &HTTPReporter{client: client, service: service, logger: logger}
}

// Report implements Reporter. Delivery failures are logged, never returned.
func (r *HTTPReporter) Report(ctx context.Context, err error, tags map[string]string) {
	if r == nil || err == nil {
		return
	}
	event := Event{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     "error",
		Message:   err.Error(),
		Service:   r.service,
		Tags:      tags,
	}
	resp, postErr := r.client.R().SetContext(ctx).SetBody(event).Post("")
	if postErr != nil {
		r.logger.Warn("errtrack: deliver event failed", zap.String("event_id", event.EventID), zap.Error(postErr))
		return
	}
	if resp.IsError() {
		r.logger.Warn("errtrack: tracker rejected event",
			zap.String("event_id", event.EventID),
			zap.String("status", fmt.Sprint(resp.StatusCode())),
		)
	}
}
