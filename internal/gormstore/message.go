package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/store"
)

// MessageStore is the GORM-backed implementation of store.MessageStore.
type MessageStore struct {
	db *gorm.DB
}

// NewMessageStore returns a store.MessageStore backed by the provided *gorm.DB.
func NewMessageStore(gdb *gorm.DB) *MessageStore {
	return &MessageStore{db: gdb}
}

// Post implements the bounded CAS-retry sequencing algorithm from spec §4.2.
// The idempotency lookup happens both before the loop (fast path for a
// clean replay) and inside each iteration (to resolve a race against a
// concurrent poster using the same key).
func (s *MessageStore) Post(ctx context.Context, msg *db.Message, maxAttempts int) (*db.Message, error) {
	if msg.IdempotencyKey != nil {
		existing, err := s.lookupIdempotent(ctx, msg.ThreadID, msg.SenderAgentID, *msg.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if messagesEqualPayload(existing, msg) {
				return existing, nil
			}
			return nil, store.ErrIdempotencyConflict
		}
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		latest, err := s.LatestSeq(ctx, msg.ThreadID)
		if err != nil {
			return nil, err
		}
		candidate := *msg
		candidate.Seq = latest + 1

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Create(&candidate).Error
		})
		if err == nil {
			return &candidate, nil
		}

		if !isUniqueConstraintErr(err) {
			return nil, fmt.Errorf("messages: post: %w", err)
		}

		// Lost the race on (thread_id, seq) or the idempotency index.
		// Re-check the idempotency lookup before retrying: another writer
		// using the same key may have just won.
		if msg.IdempotencyKey != nil {
			existing, lookupErr := s.lookupIdempotent(ctx, msg.ThreadID, msg.SenderAgentID, *msg.IdempotencyKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if existing != nil {
				if messagesEqualPayload(existing, msg) {
					return existing, nil
				}
				return nil, store.ErrIdempotencyConflict
			}
		}
	}

	return nil, store.ErrConflict
}

func (s *MessageStore) lookupIdempotent(ctx context.Context, threadID, senderAgentID, idemKey string) (*db.Message, error) {
	var m db.Message
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND sender_agent_id = ? AND idempotency_key = ?", threadID, senderAgentID, idemKey).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("messages: idempotency lookup: %w", err)
	}
	return &m, nil
}

// messagesEqualPayload compares the replay-relevant fields per spec §4.2
// step 2: schema_version, kind, body, normalized metadata, in_reply_to.
func messagesEqualPayload(stored, incoming *db.Message) bool {
	if stored.SchemaVersion != incoming.SchemaVersion ||
		stored.Kind != incoming.Kind ||
		stored.Body != incoming.Body ||
		stored.Metadata != incoming.Metadata {
		return false
	}
	switch {
	case stored.InReplyTo == nil && incoming.InReplyTo == nil:
		return true
	case stored.InReplyTo == nil || incoming.InReplyTo == nil:
		return false
	default:
		return *stored.InReplyTo == *incoming.InReplyTo
	}
}

// Read returns messages with seq > sinceSeq, ascending, capped at limit.
func (s *MessageStore) Read(ctx context.Context, threadID string, sinceSeq int64, limit int) (store.ListMessagesResult, error) {
	var msgs []db.Message
	if err := s.db.WithContext(ctx).
		Where("thread_id = ? AND seq > ?", threadID, sinceSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return store.ListMessagesResult{}, fmt.Errorf("messages: read: %w", err)
	}

	nextSeq := sinceSeq
	if len(msgs) > 0 {
		nextSeq = msgs[len(msgs)-1].Seq
	}

	latest, err := s.LatestSeq(ctx, threadID)
	if err != nil {
		return store.ListMessagesResult{}, err
	}

	return store.ListMessagesResult{
		Messages: msgs,
		NextSeq:  nextSeq,
		HasMore:  nextSeq < latest,
	}, nil
}

// LatestSeq returns the highest assigned seq for a thread, or 0 if empty.
func (s *MessageStore) LatestSeq(ctx context.Context, threadID string) (int64, error) {
	var latest struct {
		Max int64
	}
	err := s.db.WithContext(ctx).
		Model(&db.Message{}).
		Select("COALESCE(MAX(seq), 0) AS max").
		Where("thread_id = ?", threadID).
		Scan(&latest).Error
	if err != nil {
		return 0, fmt.Errorf("messages: latest seq: %w", err)
	}
	return latest.Max, nil
}

// GetByID fetches a single message, used to validate in_reply_to targets.
func (s *MessageStore) GetByID(ctx context.Context, threadID, messageID string) (*db.Message, error) {
	var m db.Message
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND id = ?", threadID, messageID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("messages: get by id: %w", err)
	}
	return &m, nil
}

// isUniqueConstraintErr reports whether err looks like a unique-constraint
// violation across the sqlite and postgres drivers this package supports.
// Both drivers report this as a generic *gorm error wrapping a
// driver-specific message rather than a typed sentinel, so a substring
// check is the pragmatic cross-driver signal (mirrors the teacher's own
// absence of typed driver-error handling — it never needed to distinguish
// constraint violations from other write errors).
func isUniqueConstraintErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key value")
}
