package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Tyrowin/lifesync/internal/entitysync"
	"github.com/Tyrowin/lifesync/internal/events"
)

// CreateRecord inserts a new entity record.
func (s *Store) CreateRecord(ctx context.Context, rec entitysync.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (owner_id, kind, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.OwnerID, rec.Kind.String(), rec.ID, string(rec.Data), toMicros(rec.CreatedAt), toMicros(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// GetRecord loads one record of ownerID.
func (s *Store) GetRecord(ctx context.Context, ownerID string, kind events.EntityKind, id string) (entitysync.Record, error) {
	rec := entitysync.Record{ID: id, OwnerID: ownerID, Kind: kind}
	var (
		data               string
		created, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, created_at, updated_at FROM records WHERE owner_id = ? AND kind = ? AND id = ?`,
		ownerID, kind.String(), id,
	).Scan(&data, &created, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entitysync.Record{}, fmt.Errorf("%w: %s/%s", entitysync.ErrNotFound, kind, id)
	}
	if err != nil {
		return entitysync.Record{}, fmt.Errorf("load record: %w", err)
	}
	rec.Data = []byte(data)
	rec.CreatedAt = fromMicros(created)
	rec.UpdatedAt = fromMicros(updatedAt)
	return rec, nil
}

// UpdateRecord replaces the data and update time of an existing record.
func (s *Store) UpdateRecord(ctx context.Context, rec entitysync.Record) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET data = ?, updated_at = ? WHERE owner_id = ? AND kind = ? AND id = ?`,
		string(rec.Data), toMicros(rec.UpdatedAt), rec.OwnerID, rec.Kind.String(), rec.ID)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", entitysync.ErrNotFound, rec.Kind, rec.ID)
	}
	return nil
}

// DeleteRecord removes a record.
func (s *Store) DeleteRecord(ctx context.Context, ownerID string, kind events.EntityKind, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE owner_id = ? AND kind = ? AND id = ?`, ownerID, kind.String(), id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", entitysync.ErrNotFound, kind, id)
	}
	return nil
}

// ListRecords returns ownerID's records of kind, oldest first.
func (s *Store) ListRecords(ctx context.Context, ownerID string, kind events.EntityKind) ([]entitysync.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data, created_at, updated_at FROM records WHERE owner_id = ? AND kind = ? ORDER BY created_at, id`,
		ownerID, kind.String())
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []entitysync.Record
	for rows.Next() {
		rec := entitysync.Record{OwnerID: ownerID, Kind: kind}
		var (
			data               string
			created, updatedAt int64
		)
		if err := rows.Scan(&rec.ID, &data, &created, &updatedAt); err != nil {
			return nil, err
		}
		rec.Data = []byte(data)
		rec.CreatedAt = fromMicros(created)
		rec.UpdatedAt = fromMicros(updatedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ entitysync.RecordStore = (*Store)(nil)
