// Package syncer mirrors the messaging account into the local store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/ChatAudit/internal/apperr"
	"github.com/TobiSchelling/ChatAudit/internal/database"
	"github.com/TobiSchelling/ChatAudit/internal/logging"
	"github.com/TobiSchelling/ChatAudit/internal/mapper"
	"github.com/TobiSchelling/ChatAudit/internal/messenger"
)

// Messenger is the subset of the messaging client the syncer needs.
type Messenger interface {
	ListConversations(ctx context.Context, token, accountID string) ([]messenger.ConversationDTO, error)
	ListMessages(ctx context.Context, token, accountID, conversationID string) messenger.MessagesResult
}

// TokenSource hands out bearer tokens. Invalidate drops a token the API rejected.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Store is the persistence the syncer writes to.
type Store interface {
	UpsertConversations(ctx context.Context, convs []database.Conversation) (database.UpsertStats, error)
	SelectConversationIDs(ctx context.Context) ([]string, error)
	UpsertMessages(ctx context.Context, msgs []database.Message) (int, error)
}

// Result summarizes one sync run.
type Result struct {
	RunID               string
	ConversationsListed int
	Conversations       database.UpsertStats
	ConversationsPolled int
	MessagesFetched     int
	MessagesStored      int
	MessageFailures     int
	FailedIDs           []string
	Duration            time.Duration
}

// Syncer runs token → conversations → messages for one account.
type Syncer struct {
	messenger Messenger
	tokens    TokenSource
	store     Store
	selfID    string
}

// New creates a syncer. selfID is the account's own user id, used to find counterparts.
func New(m Messenger, tokens TokenSource, store Store, selfID string) *Syncer {
	return &Syncer{messenger: m, tokens: tokens, store: store, selfID: selfID}
}

// Run mirrors the account. Token, listing and store failures abort the run;
// a conversation whose messages cannot be fetched is logged and skipped.
func (s *Syncer) Run(ctx context.Context, accountID string) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: uuid.NewString()}
	log := logging.With("run_id", res.RunID, "account_id", accountID)
	log.Info("sync started")

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return res, fmt.Errorf("obtaining token: %w", err)
	}

	dtos, err := s.messenger.ListConversations(ctx, token, accountID)
	if err != nil {
		if errors.Is(err, apperr.ErrAuth) {
			s.tokens.Invalidate()
		}
		return res, fmt.Errorf("listing conversations: %w", err)
	}
	res.ConversationsListed = len(dtos)

	convs := mapper.MapConversations(dtos, s.selfID)
	res.Conversations, err = s.store.UpsertConversations(ctx, convs)
	if err != nil {
		return res, fmt.Errorf("storing conversations: %w", err)
	}
	log.Infow("conversations stored",
		"listed", res.ConversationsListed,
		"inserted", res.Conversations.Inserted,
		"updated", res.Conversations.Updated,
		"unchanged", res.Conversations.Unchanged)

	// Poll every known conversation, not only the ones listed this run.
	ids, err := s.store.SelectConversationIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("listing stored conversations: %w", err)
	}

	var msgs []database.Message
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.ConversationsPolled++

		result := s.messenger.ListMessages(ctx, token, accountID, id)
		if !result.OK() {
			res.MessageFailures++
			res.FailedIDs = append(res.FailedIDs, id)
			log.Warnw("message fetch failed",
				"conversation_id", id,
				"reason", string(result.Failure.Reason),
				"status", result.Failure.StatusCode,
				"kept", len(result.Messages),
				"error", result.Failure.Err)
		}
		mapped := mapper.MapMessages(result.Messages, id)
		res.MessagesFetched += len(mapped)
		msgs = append(msgs, mapped...)
	}

	res.MessagesStored, err = s.store.UpsertMessages(ctx, msgs)
	if err != nil {
		return res, fmt.Errorf("storing messages: %w", err)
	}

	res.Duration = time.Since(start)
	log.Infow("sync finished",
		"polled", res.ConversationsPolled,
		"fetched", res.MessagesFetched,
		"stored", res.MessagesStored,
		"failures", res.MessageFailures,
		"duration", res.Duration.String())
	return res, nil
}
