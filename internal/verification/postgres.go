package verification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresRepository implements Repository using PostgreSQL. One row per
// user in verification_states; verification_logs is append-only and has no
// UPDATE or DELETE path. A partial unique index on provider_session_id
// (statuses pending/review) enforces at most one active session per
// provider session ID.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

const stateColumns = `user_id, status, provider, provider_session_id,
	started_at, verified_at, risk_score, reason,
	manual_review, reviewed_by, review_reason, updated_at`

// GetState returns the current state for a user, defaulting to StatusNone
// when no row exists.
func (r *PostgresRepository) GetState(ctx context.Context, userID string) (*State, error) {
	query := `SELECT ` + stateColumns + ` FROM verification_states WHERE user_id = $1`
	state, err := scanState(r.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return &State{UserID: userID, Status: StatusNone}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query verification state: %w", err)
	}
	return state, nil
}

// PutState upserts the state row for state.UserID.
func (r *PostgresRepository) PutState(ctx context.Context, state *State) error {
	query := `
		INSERT INTO verification_states (` + stateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status,
			provider = EXCLUDED.provider,
			provider_session_id = EXCLUDED.provider_session_id,
			started_at = EXCLUDED.started_at,
			verified_at = EXCLUDED.verified_at,
			risk_score = EXCLUDED.risk_score,
			reason = EXCLUDED.reason,
			manual_review = EXCLUDED.manual_review,
			reviewed_by = EXCLUDED.reviewed_by,
			review_reason = EXCLUDED.review_reason,
			updated_at = NOW()`

	_, err := r.db.ExecContext(ctx, query,
		state.UserID,
		string(state.Status),
		nullString(state.Provider),
		nullString(state.ProviderSessionID),
		nullTime(state.StartedAt),
		nullTime(state.VerifiedAt),
		nullFloat(state.RiskScore),
		nullString(state.Reason),
		state.ManualReview,
		nullString(state.ReviewedBy),
		nullString(state.ReviewReason),
	)
	if err != nil {
		var pqErr *pq.Error
		// 23505 = unique_violation on the active session index: another
		// state already carries this provider session ID.
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("provider session id already active: %w", err)
		}
		return fmt.Errorf("upsert verification state: %w", err)
	}
	return nil
}

// FindByProviderSessionID returns the state matching a session ID.
func (r *PostgresRepository) FindByProviderSessionID(ctx context.Context, sessionID string) (*State, error) {
	query := `SELECT ` + stateColumns + ` FROM verification_states
		WHERE provider_session_id = $1`
	state, err := scanState(r.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query verification state by session: %w", err)
	}
	return state, nil
}

// ListStalePending returns pending states started before the cutoff,
// oldest first.
func (r *PostgresRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*State, error) {
	query := `SELECT ` + stateColumns + ` FROM verification_states
		WHERE status = 'pending' AND started_at < $1
		ORDER BY started_at ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stale pending states: %w", err)
	}
	defer rows.Close()

	var states []*State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale pending state: %w", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale pending states: %w", err)
	}
	return states, nil
}

// AppendLog inserts an immutable log row.
func (r *PostgresRepository) AppendLog(ctx context.Context, entry *LogEntry) error {
	id := entry.ID
	if id == "" {
		id = uuid.New().String()
	}

	var payload []byte
	if entry.Payload != nil {
		var err error
		payload, err = json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("marshal log payload: %w", err)
		}
	}

	query := `
		INSERT INTO verification_logs
			(id, user_id, provider, event, status, payload, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`

	_, err := r.db.ExecContext(ctx, query,
		id, entry.UserID, entry.Provider, entry.Event, string(entry.Status),
		payload, nullString(entry.IPAddress), nullString(entry.UserAgent),
	)
	if err != nil {
		return fmt.Errorf("insert verification log: %w", err)
	}
	return nil
}

// ListLog returns log entries for a user, newest first.
func (r *PostgresRepository) ListLog(ctx context.Context, userID string, limit int) ([]*LogEntry, error) {
	query := `
		SELECT id, user_id, provider, event, status, payload, ip_address, user_agent, created_at
		FROM verification_logs
		WHERE user_id = $1
		ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query verification logs: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var entry LogEntry
		var status string
		var payload []byte
		var ip, ua sql.NullString
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Provider, &entry.Event,
			&status, &payload, &ip, &ua, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan verification log: %w", err)
		}
		entry.Status = Status(status)
		entry.IPAddress = ip.String
		entry.UserAgent = ua.String
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &entry.Payload); err != nil {
				r.logger.Warn("undecodable verification log payload", "log_id", entry.ID, "error", err)
			}
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verification logs: %w", err)
	}
	return entries, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*State, error) {
	var state State
	var status string
	var provider, sessionID, reason, reviewedBy, reviewReason sql.NullString
	var startedAt, verifiedAt sql.NullTime
	var riskScore sql.NullFloat64

	err := row.Scan(
		&state.UserID, &status, &provider, &sessionID,
		&startedAt, &verifiedAt, &riskScore, &reason,
		&state.ManualReview, &reviewedBy, &reviewReason, &state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	state.Status = Status(status)
	state.Provider = provider.String
	state.ProviderSessionID = sessionID.String
	state.Reason = reason.String
	state.ReviewedBy = reviewedBy.String
	state.ReviewReason = reviewReason.String
	if startedAt.Valid {
		t := startedAt.Time
		state.StartedAt = &t
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		state.VerifiedAt = &t
	}
	if riskScore.Valid {
		v := riskScore.Float64
		state.RiskScore = &v
	}
	return &state, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
