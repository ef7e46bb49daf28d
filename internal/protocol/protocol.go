// Package protocol holds the roaming-protocol side of the bridge: the records
// exchanged with counterparties and kept in the local protocol store.
package protocol

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleCPO  Role = "CPO"
	RoleEMSP Role = "EMSP"
	RoleHUB  Role = "HUB"
	RoleNSP  Role = "NSP"
)

type EVSEStatus string

const (
	StatusAvailable   EVSEStatus = "AVAILABLE"
	StatusBlocked     EVSEStatus = "BLOCKED"
	StatusCharging    EVSEStatus = "CHARGING"
	StatusInoperative EVSEStatus = "INOPERATIVE"
	StatusOutOfOrder  EVSEStatus = "OUTOFORDER"
	StatusPlanned     EVSEStatus = "PLANNED"
	StatusRemoved     EVSEStatus = "REMOVED"
	StatusReserved    EVSEStatus = "RESERVED"
	StatusUnknown     EVSEStatus = "UNKNOWN"
)

type ConnectorType string

const (
	ConnectorDomesticF       ConnectorType = "DOMESTIC_F"
	ConnectorIEC62196T1      ConnectorType = "IEC_62196_T1"
	ConnectorIEC62196T1Combo ConnectorType = "IEC_62196_T1_COMBO"
	ConnectorIEC62196T2      ConnectorType = "IEC_62196_T2"
	ConnectorIEC62196T2Combo ConnectorType = "IEC_62196_T2_COMBO"
	ConnectorChademo         ConnectorType = "CHADEMO"
	ConnectorTeslaS          ConnectorType = "TESLA_S"
	ConnectorUnknown         ConnectorType = "UNKNOWN"
)

type ConnectorFormat string

const (
	FormatSocket ConnectorFormat = "SOCKET"
	FormatCable  ConnectorFormat = "CABLE"
)

type PowerType string

const (
	PowerAC1Phase PowerType = "AC_1_PHASE"
	PowerAC3Phase PowerType = "AC_3_PHASE"
	PowerDC       PowerType = "DC"
)

type GeoLocation struct {
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
}

type RegularHours struct {
	Weekday     int    `json:"weekday"`
	PeriodBegin string `json:"period_begin"`
	PeriodEnd   string `json:"period_end"`
}

type Hours struct {
	Twentyfourseven bool           `json:"twentyfourseven"`
	RegularHours    []RegularHours `json:"regular_hours,omitempty"`
}

type Connector struct {
	Id          string          `json:"id"`
	Standard    ConnectorType   `json:"standard"`
	Format      ConnectorFormat `json:"format"`
	PowerType   PowerType       `json:"power_type"`
	MaxVoltage  int             `json:"max_voltage"`
	MaxAmperage int             `json:"max_amperage"`
	TariffIds   []string        `json:"tariff_ids,omitempty"`
	LastUpdated time.Time       `json:"last_updated"`
}

type EVSE struct {
	Uid               string      `json:"uid"`
	EvseId            string      `json:"evse_id,omitempty"`
	Status            EVSEStatus  `json:"status"`
	Connectors        []Connector `json:"connectors"`
	FloorLevel        *string     `json:"floor_level,omitempty"`
	PhysicalReference *string     `json:"physical_reference,omitempty"`
	LastUpdated       time.Time   `json:"last_updated"`
	// StatusUpdated is the domain timestamp of Status; it orders status writes
	// and never leaves the process.
	StatusUpdated time.Time `json:"-"`
}

// Clone returns a copy that shares no slices with e.
func (e EVSE) Clone() EVSE {
	out := e
	out.Connectors = make([]Connector, len(e.Connectors))
	for i, c := range e.Connectors {
		c.TariffIds = append([]string(nil), c.TariffIds...)
		out.Connectors[i] = c
	}
	return out
}

type Location struct {
	CountryCode  string      `json:"country_code"`
	PartyId      string      `json:"party_id"`
	Id           string      `json:"id"`
	Publish      bool        `json:"publish"`
	Name         string      `json:"name,omitempty"`
	Address      string      `json:"address"`
	City         string      `json:"city"`
	PostalCode   string      `json:"postal_code,omitempty"`
	State        *string     `json:"state,omitempty"`
	Country      string      `json:"country"`
	Coordinates  GeoLocation `json:"coordinates"`
	TimeZone     string      `json:"time_zone"`
	OpeningTimes *Hours      `json:"opening_times,omitempty"`
	EVSEs        []EVSE      `json:"evses,omitempty"`
	LastUpdated  time.Time   `json:"last_updated"`
}

func (l Location) Clone() Location {
	out := l
	out.EVSEs = make([]EVSE, len(l.EVSEs))
	for i, e := range l.EVSEs {
		out.EVSEs[i] = e.Clone()
	}
	return out
}

func (l Location) EVSE(uid string) (EVSE, bool) {
	for _, e := range l.EVSEs {
		if e.Uid == uid {
			return e, true
		}
	}
	return EVSE{}, false
}

// StatusUpdate is the outbound shape of an EVSE status change.
type StatusUpdate struct {
	LocationId string     `json:"location_id"`
	EvseUid    string     `json:"evse_uid"`
	Status     EVSEStatus `json:"status"`
	Timestamp  time.Time  `json:"timestamp"`
}

type TokenType string

const (
	TokenRFID      TokenType = "RFID"
	TokenAppUser   TokenType = "APP_USER"
	TokenAdHocUser TokenType = "AD_HOC_USER"
	TokenOther     TokenType = "OTHER"
)

type AuthMethod string

const (
	AuthMethodAuthRequest AuthMethod = "AUTH_REQUEST"
	AuthMethodCommand     AuthMethod = "COMMAND"
	AuthMethodWhitelist   AuthMethod = "WHITELIST"
)

type AllowedType string

const (
	AllowedAllowed    AllowedType = "ALLOWED"
	AllowedBlocked    AllowedType = "BLOCKED"
	AllowedExpired    AllowedType = "EXPIRED"
	AllowedNoCredit   AllowedType = "NO_CREDIT"
	AllowedNotAllowed AllowedType = "NOT_ALLOWED"
)

type DisplayText struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

type LocationReferences struct {
	LocationId string   `json:"location_id"`
	EvseUids   []string `json:"evse_uids,omitempty"`
}

type AuthorizationInfo struct {
	Allowed                AllowedType  `json:"allowed"`
	AuthorizationReference string       `json:"authorization_reference,omitempty"`
	Info                   *DisplayText `json:"info,omitempty"`
}

type CDRToken struct {
	Uid        string    `json:"uid" validate:"required"`
	Type       TokenType `json:"type" validate:"required"`
	ContractId string    `json:"contract_id" validate:"required"`
}

type CDRLocation struct {
	Id                 string          `json:"id" validate:"required"`
	Name               string          `json:"name,omitempty"`
	Address            string          `json:"address"`
	City               string          `json:"city"`
	PostalCode         string          `json:"postal_code,omitempty"`
	Country            string          `json:"country"`
	Coordinates        GeoLocation     `json:"coordinates"`
	EvseUid            string          `json:"evse_uid" validate:"required"`
	EvseId             string          `json:"evse_id" validate:"required"`
	ConnectorId        string          `json:"connector_id" validate:"required"`
	ConnectorStandard  ConnectorType   `json:"connector_standard" validate:"required"`
	ConnectorFormat    ConnectorFormat `json:"connector_format" validate:"required"`
	ConnectorPowerType PowerType       `json:"connector_power_type" validate:"required"`
}

type CDR struct {
	CountryCode            string          `json:"country_code" validate:"len=2"`
	PartyId                string          `json:"party_id" validate:"len=3"`
	Id                     string          `json:"id" validate:"required,max=39"`
	StartDateTime          time.Time       `json:"start_date_time" validate:"required"`
	EndDateTime            time.Time       `json:"end_date_time" validate:"required,gtefield=StartDateTime"`
	SessionId              string          `json:"session_id,omitempty"`
	CDRToken               CDRToken        `json:"cdr_token"`
	AuthMethod             AuthMethod      `json:"auth_method" validate:"required"`
	AuthorizationReference string          `json:"authorization_reference,omitempty"`
	CDRLocation            CDRLocation     `json:"cdr_location"`
	Currency               string          `json:"currency" validate:"len=3"`
	TotalCost              decimal.Decimal `json:"total_cost"`
	TotalEnergy            decimal.Decimal `json:"total_energy"`
	TotalTime              decimal.Decimal `json:"total_time"`
	LastUpdated            time.Time       `json:"last_updated"`
}

type CommandResponseType string

const (
	CommandAccepted       CommandResponseType = "ACCEPTED"
	CommandRejected       CommandResponseType = "REJECTED"
	CommandUnknownSession CommandResponseType = "UNKNOWN_SESSION"
	CommandNotSupported   CommandResponseType = "NOT_SUPPORTED"
)

type CommandToken struct {
	Uid        string    `json:"uid"`
	Type       TokenType `json:"type"`
	ContractId string    `json:"contract_id"`
}

type StartSession struct {
	ResponseURL            string       `json:"response_url"`
	Token                  CommandToken `json:"token"`
	LocationId             string       `json:"location_id"`
	EvseUid                string       `json:"evse_uid,omitempty"`
	AuthorizationReference string       `json:"authorization_reference,omitempty"`
}

type StopSession struct {
	ResponseURL string `json:"response_url"`
	SessionId   string `json:"session_id"`
}

type CommandResponse struct {
	Result    CommandResponseType `json:"result"`
	SessionId string              `json:"session_id,omitempty"`
	Message   *DisplayText        `json:"message,omitempty"`
}
