// Package mapper translates charging-network entities into roaming-protocol
// records and owns the identifier correspondence between the two.
//
// Content translation is one-way: protocol records are re-derived from the
// domain on every push. Only identifiers can be translated back.
package mapper

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"evroaming/internal/apperrors"
	"evroaming/internal/models"
	"evroaming/internal/protocol"

	"go.uber.org/zap"
)

type Config struct {
	CountryCode string
	PartyId     string
	Converters  Converters
}

type Mapper struct {
	cfg    Config
	ids    *Identities
	logger *zap.Logger
}

func New(cfg Config, ids *Identities, logger *zap.Logger) *Mapper {
	if ids == nil {
		ids = NewIdentities()
	}
	return &Mapper{cfg: cfg, ids: ids, logger: logger.Named("mapper")}
}

func (m *Mapper) Identities() *Identities { return m.ids }

func (m *Mapper) CountryCode() string { return m.cfg.CountryCode }

func (m *Mapper) PartyId() string { return m.cfg.PartyId }

// MapPool maps a charging pool onto a location without EVSEs and binds the
// pool to the location id.
func (m *Mapper) MapPool(p models.ChargingPool) (protocol.Location, error) {
	if p.PoolId == "" {
		return protocol.Location{}, apperrors.NewMappingError("INVALID_ENTITY", "charging pool without id")
	}
	locationId := p.PoolId
	if err := m.ids.BindPool(p.PoolId, locationId); err != nil {
		return protocol.Location{}, err
	}

	loc := protocol.Location{
		CountryCode: m.cfg.CountryCode,
		PartyId:     m.cfg.PartyId,
		Id:          locationId,
		Publish:     true,
		Name:        p.Name,
		Address:     p.Address.Street,
		City:        p.Address.City,
		PostalCode:  p.Address.PostalCode,
		State:       copyString(p.Region),
		Country:     p.Address.Country,
		Coordinates: protocol.GeoLocation{
			Latitude:  strconv.FormatFloat(p.Geo.Latitude, 'f', 6, 64),
			Longitude: strconv.FormatFloat(p.Geo.Longitude, 'f', 6, 64),
		},
		TimeZone:    p.TimeZone,
		LastUpdated: p.LastChange,
	}
	if p.OpeningTimes != nil {
		h := &protocol.Hours{Twentyfourseven: p.OpeningTimes.Twentyfourseven}
		for _, r := range p.OpeningTimes.RegularHours {
			h.RegularHours = append(h.RegularHours, protocol.RegularHours{
				Weekday: r.Weekday, PeriodBegin: r.PeriodBegin, PeriodEnd: r.PeriodEnd,
			})
		}
		loc.OpeningTimes = h
	}
	return loc, nil
}

// MapEVSE maps an EVSE and binds its identity. The owning pool must already be
// mapped. The returned identity carries the location the EVSE belongs to.
func (m *Mapper) MapEVSE(e models.EVSE) (EVSEIdentity, protocol.EVSE, error) {
	locationId, ok := m.ids.LocationOf(e.PoolId)
	if !ok {
		return EVSEIdentity{}, protocol.EVSE{}, apperrors.NewMappingError(apperrors.ErrOrphanEntity.Code,
			fmt.Sprintf("evse %s: pool %s is not mapped", e.EvseId, e.PoolId))
	}
	id := EVSEIdentity{
		EvseId:         e.EvseId,
		LocationId:     locationId,
		EvseUid:        e.EvseId,
		ProtocolEvseId: m.ProtocolEvseId(e.EvseId),
	}

	out := protocol.EVSE{
		Uid:               id.EvseUid,
		EvseId:            id.ProtocolEvseId,
		Status:            m.MapStatus(e.Status),
		FloorLevel:        copyString(e.FloorLevel),
		PhysicalReference: copyString(e.PhysicalReference),
		LastUpdated:       e.LastChange,
		StatusUpdated:     e.StatusChangedAt,
	}
	out.Connectors = make([]protocol.Connector, 0, len(e.Connectors))
	for _, c := range e.Connectors {
		pc := m.MapConnector(c)
		pc.LastUpdated = e.LastChange
		out.Connectors = append(out.Connectors, pc)
	}
	if conv := m.cfg.Converters.EVSE; conv != nil {
		out = conv.ConvertEVSE(e, out)
		// converters may not move the EVSE
		out.Uid, out.EvseId = id.EvseUid, id.ProtocolEvseId
	}

	if _, _, err := m.ids.BindEVSE(id); err != nil {
		return EVSEIdentity{}, protocol.EVSE{}, err
	}
	return id, out, nil
}

func (m *Mapper) MapConnector(c models.ChargingConnector) protocol.Connector {
	out := protocol.Connector{
		Id:          strconv.Itoa(c.ConnectorId),
		Standard:    m.MapPlug(c.Plug),
		Format:      protocol.FormatSocket,
		PowerType:   m.mapPowerType(c.PowerType),
		MaxVoltage:  c.MaxVoltage,
		MaxAmperage: c.MaxAmperage,
	}
	if c.CableAttached {
		out.Format = protocol.FormatCable
	}
	if c.TariffId != nil {
		out.TariffIds = []string{*c.TariffId}
	}
	return out
}

// MapStatusUpdate maps a status change of an already mapped EVSE.
func (m *Mapper) MapStatusUpdate(u models.EVSEStatusUpdate) (protocol.StatusUpdate, error) {
	id, ok := m.ids.EVSE(u.EvseId)
	if !ok {
		return protocol.StatusUpdate{}, apperrors.NewMappingError(apperrors.ErrOrphanEntity.Code,
			fmt.Sprintf("status update for unmapped evse %s", u.EvseId))
	}
	out := protocol.StatusUpdate{
		LocationId: id.LocationId,
		EvseUid:    id.EvseUid,
		Status:     m.MapStatus(u.NewStatus),
		Timestamp:  u.Timestamp,
	}
	if conv := m.cfg.Converters.EVSEStatusUpdate; conv != nil {
		out = conv.ConvertEVSEStatusUpdate(u, out)
		out.LocationId, out.EvseUid = id.LocationId, id.EvseUid
	}
	return out, nil
}

// ConvertCDR applies the CDR override, if any.
func (m *Mapper) ConvertCDR(s models.ChargingSession, cdr protocol.CDR) protocol.CDR {
	if conv := m.cfg.Converters.CDR; conv != nil {
		return conv.ConvertCDR(s, cdr)
	}
	return cdr
}

func (m *Mapper) ProtocolEvseId(evseId string) string {
	if conv := m.cfg.Converters.EVSEId; conv != nil {
		return conv.ConvertEVSEId(evseId)
	}
	return evseId
}

func (m *Mapper) MapStatus(s models.EVSEStatus) protocol.EVSEStatus {
	if v, ok := evseStatusTable[s]; ok {
		return v
	}
	m.logger.Warn("data loss: evse status has no protocol equivalent",
		zap.String("status", string(s)), zap.String("mapped_to", string(protocol.StatusUnknown)))
	return protocol.StatusUnknown
}

func (m *Mapper) MapPlug(p models.PlugType) protocol.ConnectorType {
	if v, ok := plugTable[p]; ok {
		return v
	}
	m.logger.Warn("data loss: plug type has no protocol equivalent",
		zap.String("plug", string(p)), zap.String("mapped_to", string(protocol.ConnectorUnknown)))
	return protocol.ConnectorUnknown
}

func (m *Mapper) mapPowerType(p models.PowerType) protocol.PowerType {
	if v, ok := powerTypeTable[p]; ok {
		return v
	}
	m.logger.Warn("data loss: power type has no protocol equivalent", zap.String("power_type", string(p)))
	return powerTypeUnknown
}

// LocationHash fingerprints the location's own content; EVSEs and
// last_updated do not take part.
func LocationHash(l protocol.Location) string {
	l.EVSEs = nil
	l.LastUpdated = time.Time{}
	return hashJSON(l)
}

// EVSEHash fingerprints EVSE content; status and timestamps do not take part.
func EVSEHash(e protocol.EVSE) string {
	e = e.Clone()
	e.Status = ""
	e.LastUpdated = time.Time{}
	for i := range e.Connectors {
		e.Connectors[i].LastUpdated = time.Time{}
	}
	return hashJSON(e)
}

func hashJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// protocol records are plain data
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
