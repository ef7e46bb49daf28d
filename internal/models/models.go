package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type EVSEStatus string

const (
	EVSEStatusAvailable    EVSEStatus = "Available"
	EVSEStatusReserved     EVSEStatus = "Reserved"
	EVSEStatusCharging     EVSEStatus = "Charging"
	EVSEStatusBlocked      EVSEStatus = "Blocked"
	EVSEStatusOutOfService EVSEStatus = "OutOfService"
	EVSEStatusFaulted      EVSEStatus = "Faulted"
	EVSEStatusOffline      EVSEStatus = "Offline"
	EVSEStatusPlanned      EVSEStatus = "Planned"
	EVSEStatusRemoved      EVSEStatus = "Removed"
	EVSEStatusUnknown      EVSEStatus = "Unknown"
)

type PlugType string

const (
	PlugTypeSchuko         PlugType = "TypeFSchuko"
	PlugTypeType1          PlugType = "Type1"
	PlugTypeType2Outlet    PlugType = "Type2Outlet"
	PlugTypeType2Connector PlugType = "Type2Connector"
	PlugTypeCCSCombo1      PlugType = "CCSCombo1"
	PlugTypeCCSCombo2      PlugType = "CCSCombo2"
	PlugTypeCHAdeMO        PlugType = "CHAdeMO"
	PlugTypeTesla          PlugType = "TeslaConnector"
)

type PowerType string

const (
	PowerTypeAC1Phase PowerType = "AC1Phase"
	PowerTypeAC3Phase PowerType = "AC3Phase"
	PowerTypeDC       PowerType = "DC"
)

type Address struct {
	Street     string
	PostalCode string
	City       string
	Country    string
}

type GeoCoordinate struct {
	Latitude  float64
	Longitude float64
}

type RegularHours struct {
	Weekday     int
	PeriodBegin string
	PeriodEnd   string
}

type OpeningTimes struct {
	Twentyfourseven bool
	RegularHours    []RegularHours
}

type ChargingPool struct {
	PoolId       string
	OperatorId   string
	Name         string
	Address      Address
	Geo          GeoCoordinate
	TimeZone     string
	Region       *string
	OpeningTimes *OpeningTimes
	LastChange   time.Time
}

type ChargingStation struct {
	StationId  string
	PoolId     string
	Name       string
	LastChange time.Time
}

type ChargingConnector struct {
	ConnectorId   int
	Plug          PlugType
	CableAttached bool
	PowerType     PowerType
	MaxVoltage    int
	MaxAmperage   int
	TariffId      *string
}

// EVSE carries both its station and its pool so that it can be mapped without
// walking the network.
type EVSE struct {
	EvseId            string
	StationId         string
	PoolId            string
	Status            EVSEStatus
	StatusChangedAt   time.Time
	Connectors        []ChargingConnector
	FloorLevel        *string
	PhysicalReference *string
	LastChange        time.Time
}

type EVSEStatusUpdate struct {
	EvseId    string
	OldStatus EVSEStatus
	NewStatus EVSEStatus
	Timestamp time.Time
}

type ChargingSession struct {
	SessionId       string
	EvseId          string
	ConnectorId     *int
	AuthToken       string
	ProductId       string
	ProviderIdStart string
	ProviderIdStop  string
	StartedAt       time.Time
	EndedAt         *time.Time
	EnergyWh        int64
	CostAmount      decimal.Decimal
	CostCurrency    string
}

func (s ChargingSession) IsCompleted() bool { return s.EndedAt != nil }
