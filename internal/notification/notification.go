// Package notification processes push_notification_code jobs
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/queuing-system/internal/jobqueue"
)

// JobType is the job type handled here
const JobType = "push_notification_code"

// ErrInvalidPayload is returned for jobs missing a phone number or message
var ErrInvalidPayload = errors.New("invalid notification payload")

// BlacklistedError rejects a notification to a blocked phone number
type BlacklistedError struct {
	PhoneNumber string
}

func (e *BlacklistedError) Error() string {
	return fmt.Sprintf("Phone number %s is blacklisted", e.PhoneNumber)
}

// Payload is the data of a notification job
type Payload struct {
	PhoneNumber string
	Message     string
}

// Data returns the payload as job data
func (p Payload) Data() map[string]any {
	return map[string]any{
		"phoneNumber": p.PhoneNumber,
		"message":     p.Message,
	}
}

// ParsePayload reads a payload from job data
func ParsePayload(data map[string]any) (Payload, error) {
	phone, _ := data["phoneNumber"].(string)
	if phone == "" {
		return Payload{}, fmt.Errorf("%w: phoneNumber is required", ErrInvalidPayload)
	}

	message, _ := data["message"].(string)
	if message == "" {
		return Payload{}, fmt.Errorf("%w: message is required", ErrInvalidPayload)
	}

	return Payload{PhoneNumber: phone, Message: message}, nil
}

// Handler sends notifications
type Handler struct {
	logger    *slog.Logger
	blacklist map[string]struct{}
}

// NewHandler creates a handler refusing the given phone numbers
func NewHandler(logger *slog.Logger, blacklist []string) *Handler {
	blocked := make(map[string]struct{}, len(blacklist))
	for _, n := range blacklist {
		blocked[n] = struct{}{}
	}
	return &Handler{logger: logger, blacklist: blocked}
}

// Register installs the handler on q
func (h *Handler) Register(q *jobqueue.Queue) error {
	return q.Process(JobType, h.Handle)
}

// Handle is the jobqueue.Handler for notification jobs
func (h *Handler) Handle(ctx context.Context, job *jobqueue.Job, done jobqueue.Done) {
	done(h.Send(ctx, job.ID(), job.Data))
}

// Send delivers one notification
func (h *Handler) Send(ctx context.Context, jobID int64, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p, err := ParsePayload(data)
	if err != nil {
		h.logger.Warn("Rejecting notification job",
			slog.Int64("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return err
	}

	if _, ok := h.blacklist[p.PhoneNumber]; ok {
		return &BlacklistedError{PhoneNumber: p.PhoneNumber}
	}

	h.logger.Info(fmt.Sprintf("Sending notification to %s, with message: %s", p.PhoneNumber, p.Message),
		slog.Int64("job_id", jobID),
	)

	return nil
}
