package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-pilot/internal/domain"
	"github.com/ashureev/shsh-pilot/internal/protocol"
)

const auditWriteTimeout = 10 * time.Second

// EventAppender persists audit records.
type EventAppender interface {
	AppendEvents(ctx context.Context, events []domain.EventRecord) error
}

// AuditSink writes events to the audit trail from a background worker.
// Partial narration is not recorded; its final message is.
type AuditSink struct {
	repo   EventAppender
	async  *asyncWriter
	logger *slog.Logger
}

// NewAuditSink starts the audit worker with a queue of queueSize events.
func NewAuditSink(repo EventAppender, queueSize int, logger *slog.Logger) *AuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AuditSink{repo: repo, logger: logger}
	s.async = newAsyncWriter("audit", queueSize, s.write, logger)
	return s
}

// Emit queues e for persistence.
func (s *AuditSink) Emit(e protocol.Event) {
	if e.Type == protocol.EventMessage && e.Partial {
		return
	}
	s.async.enqueue(e)
}

func (s *AuditSink) write(batch []protocol.Event) {
	records := make([]domain.EventRecord, 0, len(batch))
	for _, e := range batch {
		payload, err := json.Marshal(e)
		if err != nil {
			s.logger.Warn("Failed to marshal audit event", "error", err, "session_id", e.SessionID)
			continue
		}
		records = append(records, domain.EventRecord{
			SessionID: e.SessionID,
			Type:      string(e.Type),
			Payload:   payload,
			CreatedAt: e.Timestamp,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	if err := s.repo.AppendEvents(ctx, records); err != nil {
		s.logger.Error("Failed to write audit events", "error", err, "count", len(records))
	}
}

// Close drains queued events to the store.
func (s *AuditSink) Close() error {
	s.async.close()
	return nil
}
