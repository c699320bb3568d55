package verification

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when no active state matches a provider
// session ID. An unmatched webhook is either a replay, a stale session, or a
// forged event, and must never be treated as success.
var ErrSessionNotFound = errors.New("verification session not found")

// Repository defines persistence for verification state and its log.
// State is mutated only by the Orchestrator; every other component reads.
type Repository interface {
	// GetState returns the current state for a user. Users without a
	// recorded state get an implicit state with StatusNone; this never
	// returns a not-found error for a valid user ID.
	GetState(ctx context.Context, userID string) (*State, error)

	// PutState stores the state for state.UserID, replacing any previous
	// state for that user.
	PutState(ctx context.Context, state *State) error

	// FindByProviderSessionID returns the state carrying sessionID.
	// Terminal states still match so redelivered decision events can be
	// acknowledged idempotently; a session ID superseded by a newer
	// session no longer matches anything. Returns ErrSessionNotFound
	// when no state carries the ID.
	FindByProviderSessionID(ctx context.Context, sessionID string) (*State, error)

	// ListStalePending returns states stuck in StatusPending whose session
	// started before the cutoff, oldest first. Limit bounds the result
	// (0 = no limit). Used by the expiry sweeper.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*State, error)

	// AppendLog appends an immutable log entry. The entry's ID and
	// CreatedAt are assigned by the repository if unset.
	AppendLog(ctx context.Context, entry *LogEntry) error

	// ListLog returns log entries for a user, newest first. Limit bounds
	// the result (0 = no limit).
	ListLog(ctx context.Context, userID string, limit int) ([]*LogEntry, error)
}

// InMemoryRepository implements Repository with in-memory storage.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu     sync.RWMutex
	states map[string]*State
	logs   []*LogEntry
}

// NewInMemoryRepository creates a new in-memory verification repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		states: make(map[string]*State),
	}
}

// GetState returns the current state for a user, defaulting to StatusNone.
func (r *InMemoryRepository) GetState(ctx context.Context, userID string) (*State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.states[userID]
	if !ok {
		return &State{UserID: userID, Status: StatusNone}, nil
	}

	// Copy to prevent external mutation
	copied := *state
	return &copied, nil
}

// PutState stores the state for state.UserID.
func (r *InMemoryRepository) PutState(ctx context.Context, state *State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *state
	copied.UpdatedAt = time.Now().UTC()
	r.states[state.UserID] = &copied
	return nil
}

// FindByProviderSessionID returns the state matching a session ID.
func (r *InMemoryRepository) FindByProviderSessionID(ctx context.Context, sessionID string) (*State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, state := range r.states {
		if state.ProviderSessionID == sessionID {
			copied := *state
			return &copied, nil
		}
	}
	return nil, ErrSessionNotFound
}

// ListStalePending returns pending states started before the cutoff.
func (r *InMemoryRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*State
	for _, state := range r.states {
		if state.Status != StatusPending || state.StartedAt == nil || !state.StartedAt.Before(cutoff) {
			continue
		}
		copied := *state
		results = append(results, &copied)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].StartedAt.Before(*results[j].StartedAt)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// AppendLog appends an immutable log entry.
func (r *InMemoryRepository) AppendLog(ctx context.Context, entry *LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *entry
	if copied.ID == "" {
		copied.ID = uuid.New().String()
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	r.logs = append(r.logs, &copied)
	return nil
}

// ListLog returns log entries for a user, newest first.
func (r *InMemoryRepository) ListLog(ctx context.Context, userID string, limit int) ([]*LogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*LogEntry
	for i := len(r.logs) - 1; i >= 0; i-- {
		if r.logs[i].UserID != userID {
			continue
		}
		copied := *r.logs[i]
		results = append(results, &copied)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}
