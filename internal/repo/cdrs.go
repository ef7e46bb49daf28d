package repo

import (
	"context"
	"encoding/json"

	"evroaming/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
)

type CDRsRepo struct{ db *pgxpool.Pool }

func NewCDRsRepo(db *pgxpool.Pool) *CDRsRepo { return &CDRsRepo{db: db} }

// SaveCDR is insert-only: a CDR never changes once issued.
func (r *CDRsRepo) SaveCDR(ctx context.Context, c store.StoredCDR) error {
	body, err := json.Marshal(c.CDR)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		insert into roaming_cdrs (cdr_id, provider_id, body, end_date_time)
		values ($1,$2,$3,$4)
		on conflict (cdr_id) do nothing
	`, c.CDR.Id, c.ProviderId, body, c.CDR.EndDateTime)
	return err
}

func (r *CDRsRepo) List(ctx context.Context) ([]store.StoredCDR, error) {
	rows, err := r.db.Query(ctx, `
		select provider_id, body from roaming_cdrs
		order by end_date_time asc, cdr_id asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.StoredCDR
	for rows.Next() {
		var (
			c    store.StoredCDR
			body []byte
		)
		if err := rows.Scan(&c.ProviderId, &body); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &c.CDR); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Persister backs the protocol store with Postgres.
type Persister struct {
	*LocationsRepo
	*CDRsRepo
}

func NewPersister(db *pgxpool.Pool) Persister {
	return Persister{LocationsRepo: NewLocationsRepo(db), CDRsRepo: NewCDRsRepo(db)}
}

var _ store.Persister = Persister{}
