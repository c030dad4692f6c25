package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lirancohen/evcore/projection"
)

// StatusStore implements projection.StatusStore on evcore_projections.
type StatusStore struct {
	pool *pgxpool.Pool
}

// NewStatusStore creates a projection status store.
func NewStatusStore(pool *pgxpool.Pool) *StatusStore {
	return &StatusStore{pool: pool}
}

var _ projection.StatusStore = (*StatusStore)(nil)

func (s *StatusStore) Save(ctx context.Context, st projection.Status) error {
	if st.Name == "" {
		return errors.New("pgstore: status name is required")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	var lastAt *time.Time
	if !st.LastProcessedAt.IsZero() {
		lastAt = &st.LastProcessedAt
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO evcore_projections (name, state, last_processed_event_id, last_processed_sequence,
			last_processed_at, schema_version, error_message, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			state = EXCLUDED.state,
			last_processed_event_id = EXCLUDED.last_processed_event_id,
			last_processed_sequence = EXCLUDED.last_processed_sequence,
			last_processed_at = EXCLUDED.last_processed_at,
			schema_version = EXCLUDED.schema_version,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at
	`, st.Name, string(st.State), st.LastProcessedEventID, st.LastProcessedSequence,
		lastAt, st.SchemaVersion, st.ErrorMessage, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save projection status: %w", err)
	}
	return nil
}

const statusColumns = `name, state, last_processed_event_id, last_processed_sequence,
	last_processed_at, schema_version, error_message, updated_at`

func (s *StatusStore) Get(ctx context.Context, name string) (projection.Status, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+statusColumns+` FROM evcore_projections WHERE name = $1`, name)
	st, err := scanStatus(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return projection.Status{}, projection.ErrStatusNotFound
	}
	if err != nil {
		return projection.Status{}, fmt.Errorf("get projection status: %w", err)
	}
	return st, nil
}

func (s *StatusStore) List(ctx context.Context) ([]projection.Status, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+statusColumns+` FROM evcore_projections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projection statuses: %w", err)
	}
	defer rows.Close()

	result := []projection.Status{}
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan projection status: %w", err)
		}
		result = append(result, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projection statuses: %w", err)
	}
	return result, nil
}

func scanStatus(row pgx.Row) (projection.Status, error) {
	var (
		st     projection.Status
		state  string
		lastAt *time.Time
	)
	if err := row.Scan(&st.Name, &state, &st.LastProcessedEventID, &st.LastProcessedSequence,
		&lastAt, &st.SchemaVersion, &st.ErrorMessage, &st.UpdatedAt); err != nil {
		return projection.Status{}, err
	}
	st.State = projection.State(state)
	if lastAt != nil {
		st.LastProcessedAt = *lastAt
	}
	return st, nil
}
