package repo

import (
	"context"

	"evroaming/internal/party"
	"evroaming/internal/protocol"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PartyBindingsRepo struct{ db *pgxpool.Pool }

func NewPartyBindingsRepo(db *pgxpool.Pool) *PartyBindingsRepo { return &PartyBindingsRepo{db: db} }

func (r *PartyBindingsRepo) Upsert(ctx context.Context, b party.Binding) error {
	_, err := r.db.Exec(ctx, `
		insert into party_bindings (token_hash, country_code, party_id, role, status, not_before, not_after)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (token_hash, country_code, party_id) do update set
		  role=excluded.role,
		  status=excluded.status,
		  not_before=excluded.not_before,
		  not_after=excluded.not_after,
		  updated_at=now()
	`, b.TokenHash, b.CountryCode, b.PartyId, string(b.Role), string(b.Status), b.NotBefore, b.NotAfter)
	return err
}

func (r *PartyBindingsRepo) SetStatus(ctx context.Context, countryCode, partyId string, status party.Status) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		update party_bindings set status=$3, updated_at=now()
		where country_code=$1 and party_id=$2
	`, countryCode, partyId, string(status))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListPartyBindings returns every binding, active or not; the registry
// decides validity at resolution time.
func (r *PartyBindingsRepo) ListPartyBindings(ctx context.Context) ([]party.Binding, error) {
	rows, err := r.db.Query(ctx, `
		select token_hash, country_code, party_id, role, status, not_before, not_after
		from party_bindings
		order by country_code, party_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []party.Binding
	for rows.Next() {
		var (
			b            party.Binding
			role, status string
		)
		if err := rows.Scan(&b.TokenHash, &b.CountryCode, &b.PartyId, &role, &status, &b.NotBefore, &b.NotAfter); err != nil {
			return nil, err
		}
		b.Role, b.Status = protocol.Role(role), party.Status(status)
		out = append(out, b)
	}
	return out, rows.Err()
}
