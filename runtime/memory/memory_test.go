package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	name          string
	handlesKinds  map[IntentKind]bool
	turnCommitted func(ctx context.Context, sessionID, userID string, turn *Turn) (Result, error)
	fetchContext  func(ctx context.Context, sessionID, userID string, limit int) ([]Turn, error)
	syncErr       error
	backfillErr   error
	receivedTurns []*Turn
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Handles(kind IntentKind) bool { return s.handlesKinds[kind] }

func (s *stubAdapter) TurnCommitted(ctx context.Context, sessionID, userID string, turn *Turn) (Result, error) {
	s.receivedTurns = append(s.receivedTurns, turn)
	if s.turnCommitted != nil {
		return s.turnCommitted(ctx, sessionID, userID, turn)
	}
	return Result{TurnID: "stub-id"}, nil
}

func (s *stubAdapter) SyncSession(ctx context.Context, sessionID, userID string) error {
	return s.syncErr
}

func (s *stubAdapter) BackfillSession(ctx context.Context, sessionID, userID string) error {
	return s.backfillErr
}

func (s *stubAdapter) FetchContext(ctx context.Context, sessionID, userID string, limit int) ([]Turn, error) {
	if s.fetchContext != nil {
		return s.fetchContext(ctx, sessionID, userID, limit)
	}
	return nil, nil
}

func allKinds() map[IntentKind]bool {
	return map[IntentKind]bool{
		IntentTurnCommitted:   true,
		IntentSyncSession:     true,
		IntentBackfillSession: true,
		IntentFetchContext:    true,
	}
}

func TestDispatchTurnCommittedAbortsOnCanonicalFailure(t *testing.T) {
	canonical := &stubAdapter{name: "canonical", handlesKinds: allKinds(), turnCommitted: func(ctx context.Context, sessionID, userID string, turn *Turn) (Result, error) {
		return Result{}, errors.New("mongo down")
	}}
	queue := &stubAdapter{name: "queuecache", handlesKinds: map[IntentKind]bool{IntentTurnCommitted: true}}
	o := New([]Adapter{canonical, queue})

	_, errs, err := o.Dispatch(context.Background(), Intent{Kind: IntentTurnCommitted, SessionID: "s1", Turn: &Turn{Content: "hi"}})

	require.Error(t, err)
	assert.Empty(t, errs)
	assert.Empty(t, queue.receivedTurns, "non-canonical adapter must not run after canonical failure")
}

func TestDispatchTurnCommittedIsolatesNonCanonicalFailure(t *testing.T) {
	canonical := &stubAdapter{name: "canonical", handlesKinds: allKinds()}
	queue := &stubAdapter{name: "queuecache", handlesKinds: map[IntentKind]bool{IntentTurnCommitted: true}, turnCommitted: func(ctx context.Context, sessionID, userID string, turn *Turn) (Result, error) {
		return Result{}, errors.New("redis unreachable")
	}}
	o := New([]Adapter{canonical, queue})

	result, errs, err := o.Dispatch(context.Background(), Intent{Kind: IntentTurnCommitted, SessionID: "s1", Turn: &Turn{Content: "hi"}})

	require.NoError(t, err)
	assert.Equal(t, "stub-id", result.TurnID)
	require.Len(t, errs, 1)
	assert.Equal(t, "queuecache", errs[0].Adapter)
}

func TestDispatchTurnCommittedRedactsContentForNonCanonicalAdaptersOnly(t *testing.T) {
	canonical := &stubAdapter{name: "canonical", handlesKinds: allKinds()}
	queue := &stubAdapter{name: "queuecache", handlesKinds: map[IntentKind]bool{IntentTurnCommitted: true}}
	o := New([]Adapter{canonical, queue})

	turn := &Turn{Content: "contact me at traveler@example.com", Role: TurnRoleUser}
	_, _, err := o.Dispatch(context.Background(), Intent{Kind: IntentTurnCommitted, SessionID: "s1", Turn: turn})

	require.NoError(t, err)
	require.Len(t, canonical.receivedTurns, 1)
	require.Len(t, queue.receivedTurns, 1)
	assert.Equal(t, "contact me at traveler@example.com", canonical.receivedTurns[0].Content)
	assert.NotContains(t, queue.receivedTurns[0].Content, "traveler@example.com")
	assert.True(t, queue.receivedTurns[0].PIIScrubbed)
	assert.NotEmpty(t, queue.receivedTurns[0].Metadata["pii_audit_hash"])
}

func TestDispatchFetchContextReturnsFirstSuccessfulAdapter(t *testing.T) {
	canonical := &stubAdapter{name: "canonical", handlesKinds: allKinds(), fetchContext: func(ctx context.Context, sessionID, userID string, limit int) ([]Turn, error) {
		return []Turn{{ID: "t1"}}, nil
	}}
	o := New([]Adapter{canonical})

	result, errs, err := o.Dispatch(context.Background(), Intent{Kind: IntentFetchContext, SessionID: "s1", Limit: 10})

	require.NoError(t, err)
	assert.Empty(t, errs)
	require.Len(t, result.Context, 1)
	assert.Equal(t, "t1", result.Context[0].ID)
}

func TestDispatchSyncSessionRunsEveryHandlingAdapter(t *testing.T) {
	canonical := &stubAdapter{name: "canonical", handlesKinds: allKinds()}
	queue := &stubAdapter{name: "queuecache", handlesKinds: map[IntentKind]bool{}}
	o := New([]Adapter{canonical, queue})

	_, errs, err := o.Dispatch(context.Background(), Intent{Kind: IntentSyncSession, SessionID: "s1"})

	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestDispatchUnknownIntentReturnsError(t *testing.T) {
	o := New(nil)

	_, _, err := o.Dispatch(context.Background(), Intent{Kind: IntentKind("bogus")})

	require.Error(t, err)
}
