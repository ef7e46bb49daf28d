package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"evroaming/internal/config"
	"evroaming/internal/db"
	"evroaming/internal/models"
	"evroaming/internal/party"
	"evroaming/internal/protocol"
	"evroaming/internal/repo"
	"evroaming/internal/security"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var dbURL string
	root := &cobra.Command{
		Use:          "seed",
		Short:        "Write party bindings and charging network data into the bridge database",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dbURL, "db", "", "Database URL (overrides the bridge configuration)")

	connect := func(ctx context.Context) (*db.DB, error) {
		url := dbURL
		if url == "" {
			cfg, err := config.Load()
			if err != nil {
				return nil, err
			}
			url = cfg.Database.URL
		}
		if url == "" {
			return nil, fmt.Errorf("no database url: pass --db or set BRIDGE_DATABASE__URL")
		}
		d, err := db.Connect(ctx, url, 2)
		if err != nil {
			return nil, err
		}
		if err := d.EnsureSchema(ctx); err != nil {
			d.Close()
			return nil, err
		}
		return d, nil
	}

	root.AddCommand(
		partyCommand(connect),
		partyStatusCommand(connect),
		poolCommand(connect),
		stationCommand(connect),
		evseCommand(connect),
	)
	return root
}

type connectFunc func(ctx context.Context) (*db.DB, error)

func withDB(connect connectFunc, fn func(ctx context.Context, d *db.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d, err := connect(ctx)
	if err != nil {
		return err
	}
	defer d.Close()
	return fn(ctx, d)
}

func partyCommand(connect connectFunc) *cobra.Command {
	var (
		countryCode, partyId, role, token string
		validDays                         int
	)
	cmd := &cobra.Command{
		Use:   "party",
		Short: "Bind an access token to a counterparty",
		Long: `Bind an access token to a counterparty. Only the token's hash is stored.
Without --token a new token is generated and printed once.

Examples:
  seed party --country NL --party EMP
  seed party --country NL --party EMP --token shared-secret --valid-days 365`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				var err error
				if token, err = security.NewToken(32); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "token:", token)
			}
			b := party.Binding{
				TokenHash:   security.HashSecretSHA256(token),
				CountryCode: strings.ToUpper(countryCode),
				PartyId:     strings.ToUpper(partyId),
				Role:        protocol.Role(strings.ToUpper(role)),
				Status:      party.StatusActive,
			}
			if validDays > 0 {
				until := time.Now().UTC().AddDate(0, 0, validDays)
				b.NotAfter = &until
			}
			return withDB(connect, func(ctx context.Context, d *db.DB) error {
				if err := repo.NewPartyBindingsRepo(d.Pool).Upsert(ctx, b); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "bound party", b.ProviderId(), "role", b.Role)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&countryCode, "country", "", "Country code of the party")
	cmd.Flags().StringVar(&partyId, "party", "", "Party id")
	cmd.Flags().StringVar(&role, "role", string(protocol.RoleEMSP), "Role (CPO, EMSP, HUB, NSP)")
	cmd.Flags().StringVar(&token, "token", "", "Access token; generated when empty")
	cmd.Flags().IntVar(&validDays, "valid-days", 0, "Days until the binding expires; 0 never expires")
	_ = cmd.MarkFlagRequired("country")
	_ = cmd.MarkFlagRequired("party")
	return cmd
}

func partyStatusCommand(connect connectFunc) *cobra.Command {
	var countryCode, partyId, status string
	cmd := &cobra.Command{
		Use:   "party-status",
		Short: "Suspend, revoke or reactivate every binding of a counterparty",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := party.Status(strings.ToUpper(status))
			switch st {
			case party.StatusActive, party.StatusSuspended, party.StatusRevoked:
			default:
				return fmt.Errorf("invalid status %q", status)
			}
			return withDB(connect, func(ctx context.Context, d *db.DB) error {
				n, err := repo.NewPartyBindingsRepo(d.Pool).SetStatus(ctx, strings.ToUpper(countryCode), strings.ToUpper(partyId), st)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d binding(s) set to %s\n", n, st)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&countryCode, "country", "", "Country code of the party")
	cmd.Flags().StringVar(&partyId, "party", "", "Party id")
	cmd.Flags().StringVar(&status, "status", "", "ACTIVE, SUSPENDED or REVOKED")
	_ = cmd.MarkFlagRequired("country")
	_ = cmd.MarkFlagRequired("party")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func poolCommand(connect connectFunc) *cobra.Command {
	var (
		p        models.ChargingPool
		region   string
		allHours bool
	)
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Create or update a charging pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if region != "" {
				p.Region = &region
			}
			if allHours {
				p.OpeningTimes = &models.OpeningTimes{Twentyfourseven: true}
			}
			return withDB(connect, func(ctx context.Context, d *db.DB) error {
				if err := repo.NewNetworkRepo(d.Pool).UpsertPool(ctx, p); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "pool", p.PoolId, "saved")
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.PoolId, "id", "", "Pool id")
	f.StringVar(&p.OperatorId, "operator", "", "Operator id")
	f.StringVar(&p.Name, "name", "", "Display name")
	f.StringVar(&p.Address.Street, "street", "", "Street and number")
	f.StringVar(&p.Address.PostalCode, "postal-code", "", "Postal code")
	f.StringVar(&p.Address.City, "city", "", "City")
	f.StringVar(&p.Address.Country, "country", "DEU", "ISO 3166-1 alpha-3 country")
	f.Float64Var(&p.Geo.Latitude, "lat", 0, "Latitude")
	f.Float64Var(&p.Geo.Longitude, "lng", 0, "Longitude")
	f.StringVar(&p.TimeZone, "tz", "Europe/Berlin", "IANA time zone")
	f.StringVar(&region, "region", "", "Optional region")
	f.BoolVar(&allHours, "24-7", false, "Open around the clock")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func stationCommand(connect connectFunc) *cobra.Command {
	var s models.ChargingStation
	cmd := &cobra.Command{
		Use:   "station",
		Short: "Create or update a charging station of a pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(connect, func(ctx context.Context, d *db.DB) error {
				if err := repo.NewNetworkRepo(d.Pool).UpsertStation(ctx, s); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "station", s.StationId, "saved in pool", s.PoolId)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&s.StationId, "id", "", "Station id")
	cmd.Flags().StringVar(&s.PoolId, "pool", "", "Owning pool id")
	cmd.Flags().StringVar(&s.Name, "name", "", "Display name")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("pool")
	return cmd
}

func evseCommand(connect connectFunc) *cobra.Command {
	var (
		e          models.EVSE
		plug       string
		power      string
		cable      bool
		connectors int
		voltage    int
		amperage   int
	)
	cmd := &cobra.Command{
		Use:   "evse",
		Short: "Create or update an EVSE with identical connectors",
		Example: `  seed evse --id DE*GEF*E1001 --station S1 --plug Type2Outlet --power AC3Phase
  seed evse --id DE*GEF*E1002 --station S1 --plug CCSCombo2 --power DC --cable --voltage 920 --amperage 200`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if connectors < 1 {
				return fmt.Errorf("--connectors must be at least 1")
			}
			for i := 1; i <= connectors; i++ {
				e.Connectors = append(e.Connectors, models.ChargingConnector{
					ConnectorId:   i,
					Plug:          models.PlugType(plug),
					CableAttached: cable,
					PowerType:     models.PowerType(power),
					MaxVoltage:    voltage,
					MaxAmperage:   amperage,
				})
			}
			e.Status = models.EVSEStatusAvailable
			e.StatusChangedAt = time.Now().UTC()
			return withDB(connect, func(ctx context.Context, d *db.DB) error {
				if err := repo.NewNetworkRepo(d.Pool).UpsertEVSE(ctx, e); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "evse", e.EvseId, "saved with", connectors, "connector(s)")
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&e.EvseId, "id", "", "EVSE id")
	f.StringVar(&e.StationId, "station", "", "Owning station id")
	f.StringVar(&plug, "plug", string(models.PlugTypeType2Outlet), "Plug type")
	f.StringVar(&power, "power", string(models.PowerTypeAC3Phase), "AC1Phase, AC3Phase or DC")
	f.BoolVar(&cable, "cable", false, "Connector has an attached cable")
	f.IntVar(&connectors, "connectors", 1, "Number of connectors")
	f.IntVar(&voltage, "voltage", 400, "Max voltage")
	f.IntVar(&amperage, "amperage", 32, "Max amperage")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("station")
	return cmd
}
