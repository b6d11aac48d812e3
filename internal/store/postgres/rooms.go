package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/renfield-ai/renfield/internal/normalize"
	"github.com/renfield-ai/renfield/internal/store"
)

// EnsureRoom implements [store.RoomStore]. Matching tries exact name first,
// then the normalized alias; when neither hits, a new row is inserted with the
// given source.
func (s *Store) EnsureRoom(ctx context.Context, name, source string) (*store.Room, error) {
	if room, err := s.FindRoom(ctx, name); err != nil {
		return nil, err
	} else if room != nil {
		return room, nil
	}

	const q = `
		INSERT INTO rooms (name, alias, source)
		VALUES ($1, $2, $3)
		ON CONFLICT (alias) DO UPDATE SET updated_at = now()
		RETURNING id, name, alias, external_area_id, icon, source, created_at, updated_at`

	row := s.pool.QueryRow(ctx, q, name, normalize.Alias(name), source)
	room, err := scanRoom(row)
	if err != nil {
		return nil, fmt.Errorf("postgres rooms: ensure %q: %w", name, err)
	}
	return room, nil
}

// GetRoom implements [store.RoomStore].
func (s *Store) GetRoom(ctx context.Context, id int64) (*store.Room, error) {
	const q = `
		SELECT id, name, alias, external_area_id, icon, source, created_at, updated_at
		FROM rooms WHERE id = $1`

	room, err := scanRoom(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres rooms: get %d: %w", id, err)
	}
	return room, nil
}

// FindRoom implements [store.RoomStore]. The exact display name wins over the
// normalized alias so that two rooms with colliding aliases stay addressable.
func (s *Store) FindRoom(ctx context.Context, name string) (*store.Room, error) {
	const q = `
		SELECT id, name, alias, external_area_id, icon, source, created_at, updated_at
		FROM rooms
		WHERE name = $1 OR alias = $2
		ORDER BY (name = $1) DESC
		LIMIT 1`

	room, err := scanRoom(s.pool.QueryRow(ctx, q, name, normalize.Alias(name)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres rooms: find %q: %w", name, err)
	}
	return room, nil
}

// ListRooms implements [store.RoomStore].
func (s *Store) ListRooms(ctx context.Context) ([]store.Room, error) {
	const q = `
		SELECT id, name, alias, external_area_id, icon, source, created_at, updated_at
		FROM rooms ORDER BY name`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres rooms: list: %w", err)
	}

	rooms, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Room, error) {
		r, err := scanRoom(row)
		if err != nil {
			return store.Room{}, err
		}
		return *r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres rooms: scan rows: %w", err)
	}
	return rooms, nil
}

// scanRoom reads one room row from r.
func scanRoom(r pgx.Row) (*store.Room, error) {
	var room store.Room
	err := r.Scan(
		&room.ID,
		&room.Name,
		&room.Alias,
		&room.ExternalAreaID,
		&room.Icon,
		&room.Source,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &room, nil
}
