package events

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
)

// FailedMessage is a stream message whose publication failed
type FailedMessage struct {
	ID        uuid.UUID
	Stream    string
	Values    map[string]interface{}
	Reason    string
	Attempts  int
	FirstFail time.Time
	LastFail  time.Time
}

// DeadLetterQueue keeps failed stream messages in memory until they are
// redriven. When full, the oldest message is dropped.
type DeadLetterQueue struct {
	logger  *zap.Logger
	maxSize int
	now     func() time.Time

	mu       sync.RWMutex
	messages map[uuid.UUID]*FailedMessage

	totalAdded     int64
	totalRedriven  int64
	totalDiscarded int64
}

// NewDeadLetterQueue creates a queue holding at most maxSize messages
func NewDeadLetterQueue(maxSize int, logger *zap.Logger) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DeadLetterQueue{
		logger:   logger.Named("dead_letter_queue"),
		maxSize:  maxSize,
		now:      time.Now,
		messages: make(map[uuid.UUID]*FailedMessage),
	}
}

// Add records a failed publication and returns its queue ID
func (q *DeadLetterQueue) Add(stream string, values map[string]interface{}, reason string) uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) >= q.maxSize {
		q.discardOldest()
	}

	now := q.now()
	id := uuid.New()
	q.messages[id] = &FailedMessage{
		ID:        id,
		Stream:    stream,
		Values:    values,
		Reason:    reason,
		Attempts:  1,
		FirstFail: now,
		LastFail:  now,
	}
	q.totalAdded++

	q.logger.Warn("message added to dead letter queue",
		zap.String("id", id.String()),
		zap.String("stream", stream),
		zap.String("reason", reason))
	return id
}

// Pending returns up to limit messages, oldest failure first. A limit of
// zero or less returns everything.
func (q *DeadLetterQueue) Pending(limit int) []FailedMessage {
	q.mu.RLock()
	defer q.mu.RUnlock()

	all := make([]*FailedMessage, 0, len(q.messages))
	for _, m := range q.messages {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].FirstFail.Before(all[j].FirstFail)
	})
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	result := make([]FailedMessage, len(all))
	for i, m := range all {
		result[i] = *m
	}
	return result
}

// Len returns the number of queued messages
func (q *DeadLetterQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.messages)
}

// MarkFailed bumps the attempt count of a message that failed again
func (q *DeadLetterQueue) MarkFailed(id uuid.UUID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.messages[id]
	if !ok {
		return errors.NewNotFoundError("dead letter message")
	}
	m.Attempts++
	m.Reason = reason
	m.LastFail = q.now()
	return nil
}

// Remove deletes a message after it has been redriven
func (q *DeadLetterQueue) Remove(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.messages[id]; !ok {
		return errors.NewNotFoundError("dead letter message")
	}
	delete(q.messages, id)
	q.totalRedriven++
	return nil
}

// Cleanup discards messages whose first failure is older than maxAge
func (q *DeadLetterQueue) Cleanup(maxAge time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-maxAge)
	removed := 0
	for id, m := range q.messages {
		if m.FirstFail.Before(cutoff) {
			delete(q.messages, id)
			removed++
		}
	}
	q.totalDiscarded += int64(removed)

	if removed > 0 {
		q.logger.Info("discarded expired dead letter messages",
			zap.Int("removed", removed),
			zap.Duration("max_age", maxAge))
	}
	return removed
}

// Stats returns queue counters
func (q *DeadLetterQueue) Stats() map[string]interface{} {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return map[string]interface{}{
		"current_size":    len(q.messages),
		"max_size":        q.maxSize,
		"total_added":     q.totalAdded,
		"total_redriven":  q.totalRedriven,
		"total_discarded": q.totalDiscarded,
	}
}

func (q *DeadLetterQueue) discardOldest() {
	var oldest *FailedMessage
	for _, m := range q.messages {
		if oldest == nil || m.FirstFail.Before(oldest.FirstFail) {
			oldest = m
		}
	}
	if oldest == nil {
		return
	}
	delete(q.messages, oldest.ID)
	q.totalDiscarded++

	q.logger.Warn("dead letter queue full, discarded oldest message",
		zap.String("id", oldest.ID.String()),
		zap.String("stream", oldest.Stream))
}
