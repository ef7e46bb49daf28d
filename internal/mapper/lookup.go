package mapper

import (
	"evroaming/internal/models"
	"evroaming/internal/protocol"
)

var evseStatusTable = map[models.EVSEStatus]protocol.EVSEStatus{
	models.EVSEStatusAvailable:    protocol.StatusAvailable,
	models.EVSEStatusReserved:     protocol.StatusReserved,
	models.EVSEStatusCharging:     protocol.StatusCharging,
	models.EVSEStatusBlocked:      protocol.StatusBlocked,
	models.EVSEStatusOutOfService: protocol.StatusOutOfOrder,
	models.EVSEStatusFaulted:      protocol.StatusOutOfOrder,
	models.EVSEStatusOffline:      protocol.StatusInoperative,
	models.EVSEStatusPlanned:      protocol.StatusPlanned,
	models.EVSEStatusRemoved:      protocol.StatusRemoved,
	models.EVSEStatusUnknown:      protocol.StatusUnknown,
}

var plugTable = map[models.PlugType]protocol.ConnectorType{
	models.PlugTypeSchuko:         protocol.ConnectorDomesticF,
	models.PlugTypeType1:          protocol.ConnectorIEC62196T1,
	models.PlugTypeType2Outlet:    protocol.ConnectorIEC62196T2,
	models.PlugTypeType2Connector: protocol.ConnectorIEC62196T2,
	models.PlugTypeCCSCombo1:      protocol.ConnectorIEC62196T1Combo,
	models.PlugTypeCCSCombo2:      protocol.ConnectorIEC62196T2Combo,
	models.PlugTypeCHAdeMO:        protocol.ConnectorChademo,
	models.PlugTypeTesla:          protocol.ConnectorTeslaS,
}

var powerTypeTable = map[models.PowerType]protocol.PowerType{
	models.PowerTypeAC1Phase: protocol.PowerAC1Phase,
	models.PowerTypeAC3Phase: protocol.PowerAC3Phase,
	models.PowerTypeDC:       protocol.PowerDC,
}

const powerTypeUnknown protocol.PowerType = "UNKNOWN"
