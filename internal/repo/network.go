package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"evroaming/internal/models"
	"evroaming/internal/network"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NetworkRepo holds the charging network the bridge publishes: pools,
// stations and EVSEs.
type NetworkRepo struct{ db *pgxpool.Pool }

func NewNetworkRepo(db *pgxpool.Pool) *NetworkRepo { return &NetworkRepo{db: db} }

func (r *NetworkRepo) UpsertPool(ctx context.Context, p models.ChargingPool) error {
	address, err := json.Marshal(p.Address)
	if err != nil {
		return err
	}
	var hours []byte
	if p.OpeningTimes != nil {
		if hours, err = json.Marshal(p.OpeningTimes); err != nil {
			return err
		}
	}
	_, err = r.db.Exec(ctx, `
		insert into charging_pools (pool_id, operator_id, name, address, latitude, longitude, time_zone, region, opening_times)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		on conflict (pool_id) do update set
		  operator_id=excluded.operator_id,
		  name=excluded.name,
		  address=excluded.address,
		  latitude=excluded.latitude,
		  longitude=excluded.longitude,
		  time_zone=excluded.time_zone,
		  region=excluded.region,
		  opening_times=excluded.opening_times,
		  updated_at=now()
	`, p.PoolId, p.OperatorId, p.Name, address, p.Geo.Latitude, p.Geo.Longitude, p.TimeZone, p.Region, hours)
	return err
}

func (r *NetworkRepo) UpsertStation(ctx context.Context, s models.ChargingStation) error {
	_, err := r.db.Exec(ctx, `
		insert into charging_stations (station_id, pool_id, name)
		values ($1,$2,$3)
		on conflict (station_id) do update set
		  pool_id=excluded.pool_id,
		  name=excluded.name,
		  updated_at=now()
	`, s.StationId, s.PoolId, s.Name)
	return err
}

func (r *NetworkRepo) UpsertEVSE(ctx context.Context, e models.EVSE) error {
	connectors, err := json.Marshal(e.Connectors)
	if err != nil {
		return err
	}
	status := e.Status
	if status == "" {
		status = models.EVSEStatusUnknown
	}
	_, err = r.db.Exec(ctx, `
		insert into evses (evse_id, station_id, status, status_changed_at, connectors, floor_level, physical_reference)
		values ($1,$2,$3,coalesce($4, now()),$5,$6,$7)
		on conflict (evse_id) do update set
		  station_id=excluded.station_id,
		  connectors=excluded.connectors,
		  floor_level=excluded.floor_level,
		  physical_reference=excluded.physical_reference,
		  updated_at=now()
	`, e.EvseId, e.StationId, string(status), nullTime(e.StatusChangedAt), connectors, e.FloorLevel, e.PhysicalReference)
	return err
}

func (r *NetworkRepo) ListPools(ctx context.Context) ([]models.ChargingPool, error) {
	rows, err := r.db.Query(ctx, `
		select pool_id, operator_id, name, address, latitude, longitude, time_zone, region, opening_times, updated_at
		from charging_pools order by pool_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChargingPool
	for rows.Next() {
		var (
			p              models.ChargingPool
			address, hours []byte
		)
		if err := rows.Scan(&p.PoolId, &p.OperatorId, &p.Name, &address, &p.Geo.Latitude, &p.Geo.Longitude,
			&p.TimeZone, &p.Region, &hours, &p.LastChange); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(address, &p.Address); err != nil {
			return nil, fmt.Errorf("pool %s address: %w", p.PoolId, err)
		}
		if len(hours) > 0 {
			p.OpeningTimes = &models.OpeningTimes{}
			if err := json.Unmarshal(hours, p.OpeningTimes); err != nil {
				return nil, fmt.Errorf("pool %s opening times: %w", p.PoolId, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *NetworkRepo) ListStations(ctx context.Context) ([]models.ChargingStation, error) {
	rows, err := r.db.Query(ctx, `
		select station_id, pool_id, name, updated_at
		from charging_stations order by station_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChargingStation
	for rows.Next() {
		var s models.ChargingStation
		if err := rows.Scan(&s.StationId, &s.PoolId, &s.Name, &s.LastChange); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *NetworkRepo) ListEVSEs(ctx context.Context) ([]models.EVSE, error) {
	rows, err := r.db.Query(ctx, `
		select e.evse_id, e.station_id, s.pool_id, e.status, e.status_changed_at, e.connectors,
		       e.floor_level, e.physical_reference, e.updated_at
		from evses e join charging_stations s on s.station_id = e.station_id
		order by e.evse_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.EVSE
	for rows.Next() {
		var (
			e          models.EVSE
			status     string
			connectors []byte
		)
		if err := rows.Scan(&e.EvseId, &e.StationId, &e.PoolId, &status, &e.StatusChangedAt, &connectors,
			&e.FloorLevel, &e.PhysicalReference, &e.LastChange); err != nil {
			return nil, err
		}
		e.Status = models.EVSEStatus(status)
		if err := json.Unmarshal(connectors, &e.Connectors); err != nil {
			return nil, fmt.Errorf("evse %s connectors: %w", e.EvseId, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadInto adds the stored network to n, pools first, so that every entity
// finds its parent. Completed sessions follow so the CDR sweep can deliver
// what is still outstanding.
func (r *NetworkRepo) LoadInto(ctx context.Context, n *network.Network, sessions *SessionsRepo) error {
	pools, err := r.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("list pools: %w", err)
	}
	stations, err := r.ListStations(ctx)
	if err != nil {
		return fmt.Errorf("list stations: %w", err)
	}
	evses, err := r.ListEVSEs(ctx)
	if err != nil {
		return fmt.Errorf("list evses: %w", err)
	}
	for _, p := range pools {
		if err := n.AddChargingPool(ctx, p); err != nil {
			return err
		}
	}
	for _, s := range stations {
		if err := n.AddChargingStation(ctx, s); err != nil {
			return err
		}
	}
	for _, e := range evses {
		if err := n.AddEVSE(ctx, e); err != nil {
			return err
		}
	}
	if sessions == nil {
		return nil
	}
	completed, err := sessions.ListCompleted(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range completed {
		if err := n.RestoreSession(s); err != nil {
			return err
		}
	}
	return nil
}
