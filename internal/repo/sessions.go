package repo

import (
	"context"
	"time"

	"evroaming/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type SessionsRepo struct{ db *pgxpool.Pool }

func NewSessionsRepo(db *pgxpool.Pool) *SessionsRepo { return &SessionsRepo{db: db} }

const sessionColumns = `session_id, evse_id, connector_id, auth_token, product_id, provider_id_start, provider_id_stop,
		       started_at, ended_at, energy_wh, cost_amount, cost_currency`

// Save writes the session; a completed session keeps its end values.
func (r *SessionsRepo) Save(ctx context.Context, s models.ChargingSession) error {
	_, err := r.db.Exec(ctx, `
		insert into charging_sessions (session_id, evse_id, connector_id, auth_token, product_id, provider_id_start,
		  provider_id_stop, started_at, ended_at, energy_wh, cost_amount, cost_currency)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		on conflict (session_id) do update set
		  provider_id_stop=excluded.provider_id_stop,
		  ended_at=coalesce(charging_sessions.ended_at, excluded.ended_at),
		  energy_wh=case when charging_sessions.ended_at is null then excluded.energy_wh else charging_sessions.energy_wh end,
		  cost_amount=case when charging_sessions.ended_at is null then excluded.cost_amount else charging_sessions.cost_amount end,
		  cost_currency=case when charging_sessions.ended_at is null then excluded.cost_currency else charging_sessions.cost_currency end
	`, s.SessionId, s.EvseId, s.ConnectorId, s.AuthToken, s.ProductId, s.ProviderIdStart, s.ProviderIdStop,
		s.StartedAt, s.EndedAt, s.EnergyWh, s.CostAmount, s.CostCurrency)
	return err
}

func (r *SessionsRepo) ListCompleted(ctx context.Context) ([]models.ChargingSession, error) {
	rows, err := r.db.Query(ctx, `
		select `+sessionColumns+`
		from charging_sessions where ended_at is not null
		order by ended_at asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChargingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (models.ChargingSession, error) {
	var s models.ChargingSession
	err := row.Scan(&s.SessionId, &s.EvseId, &s.ConnectorId, &s.AuthToken, &s.ProductId, &s.ProviderIdStart,
		&s.ProviderIdStop, &s.StartedAt, &s.EndedAt, &s.EnergyWh, &s.CostAmount, &s.CostCurrency)
	return s, err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
