package repo

import (
	"context"
	"encoding/json"
	"errors"

	"evroaming/internal/protocol"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LocationsRepo persists the protocol store's locations as JSON documents.
type LocationsRepo struct{ db *pgxpool.Pool }

func NewLocationsRepo(db *pgxpool.Pool) *LocationsRepo { return &LocationsRepo{db: db} }

func (r *LocationsRepo) SaveLocation(ctx context.Context, loc protocol.Location) error {
	body, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		insert into roaming_locations (location_id, body, last_updated)
		values ($1,$2,$3)
		on conflict (location_id) do update set
		  body=excluded.body,
		  last_updated=excluded.last_updated,
		  updated_at=now()
	`, loc.Id, body, loc.LastUpdated)
	return err
}

func (r *LocationsRepo) DeleteLocation(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `delete from roaming_locations where location_id=$1`, id)
	return err
}

func (r *LocationsRepo) Get(ctx context.Context, id string) (*protocol.Location, error) {
	var body []byte
	if err := r.db.QueryRow(ctx, `select body from roaming_locations where location_id=$1`, id).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var loc protocol.Location
	if err := json.Unmarshal(body, &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

func (r *LocationsRepo) List(ctx context.Context) ([]protocol.Location, error) {
	rows, err := r.db.Query(ctx, `select body from roaming_locations order by location_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.Location
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var loc protocol.Location
		if err := json.Unmarshal(body, &loc); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}
