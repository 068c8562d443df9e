// Package notify delivers user notifications. Transitions enqueue a River
// job; the worker posts it to the configured webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

type DeliverNotificationArgs struct {
	UserID  uuid.UUID `json:"user_id"`
	Message string    `json:"message"`
}

func (DeliverNotificationArgs) Kind() string { return "deliver_notification" }

func (DeliverNotificationArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

// InsertFunc enqueues a delivery job. Provided by main using
// river.Client.Insert.
type InsertFunc func(ctx context.Context, args DeliverNotificationArgs) error

// QueueNotifier hands notifications to the job queue.
type QueueNotifier struct {
	insert InsertFunc
}

func NewQueueNotifier(insert InsertFunc) *QueueNotifier {
	return &QueueNotifier{insert: insert}
}

func (n *QueueNotifier) Notify(ctx context.Context, userID uuid.UUID, message string) error {
	if err := n.insert(ctx, DeliverNotificationArgs{UserID: userID, Message: message}); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// LogNotifier writes notifications to the log. Used when no queue runs.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, userID uuid.UUID, message string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "user_id", userID, "message", message)
	return nil
}

// webhookPayload is the JSON body posted to the notification webhook.
type webhookPayload struct {
	UserID  uuid.UUID `json:"user_id"`
	Message string    `json:"message"`
	JobID   int64     `json:"job_id"`
	SentAt  time.Time `json:"sent_at"`
}

type DeliverNotificationWorker struct {
	river.WorkerDefaults[DeliverNotificationArgs]
	webhookURL string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewDeliverNotificationWorker(webhookURL string, logger *slog.Logger) *DeliverNotificationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliverNotificationWorker{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (w *DeliverNotificationWorker) Work(ctx context.Context, job *river.Job[DeliverNotificationArgs]) error {
	args := job.Args
	if w.webhookURL == "" {
		w.logger.Info("notification", "user_id", args.UserID, "message", args.Message)
		return nil
	}

	var jobID int64
	if job.JobRow != nil {
		jobID = job.ID
	}
	body, err := json.Marshal(webhookPayload{UserID: args.UserID, Message: args.Message, JobID: jobID, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network error calling notification webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}
