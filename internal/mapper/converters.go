package mapper

import (
	"evroaming/internal/models"
	"evroaming/internal/protocol"
)

// EVSEIdConverter renders the protocol EVSE id of a domain EVSE id.
type EVSEIdConverter interface {
	ConvertEVSEId(evseId string) string
}

type EVSEIdConverterFunc func(evseId string) string

func (f EVSEIdConverterFunc) ConvertEVSEId(evseId string) string { return f(evseId) }

// EVSEConverter post-processes a mapped EVSE.
type EVSEConverter interface {
	ConvertEVSE(src models.EVSE, mapped protocol.EVSE) protocol.EVSE
}

type EVSEConverterFunc func(src models.EVSE, mapped protocol.EVSE) protocol.EVSE

func (f EVSEConverterFunc) ConvertEVSE(src models.EVSE, mapped protocol.EVSE) protocol.EVSE {
	return f(src, mapped)
}

type EVSEStatusUpdateConverter interface {
	ConvertEVSEStatusUpdate(src models.EVSEStatusUpdate, mapped protocol.StatusUpdate) protocol.StatusUpdate
}

type EVSEStatusUpdateConverterFunc func(src models.EVSEStatusUpdate, mapped protocol.StatusUpdate) protocol.StatusUpdate

func (f EVSEStatusUpdateConverterFunc) ConvertEVSEStatusUpdate(src models.EVSEStatusUpdate, mapped protocol.StatusUpdate) protocol.StatusUpdate {
	return f(src, mapped)
}

type CDRConverter interface {
	ConvertCDR(session models.ChargingSession, mapped protocol.CDR) protocol.CDR
}

type CDRConverterFunc func(session models.ChargingSession, mapped protocol.CDR) protocol.CDR

func (f CDRConverterFunc) ConvertCDR(session models.ChargingSession, mapped protocol.CDR) protocol.CDR {
	return f(session, mapped)
}

// Converters holds the optional overrides. A nil field keeps the built-in
// behaviour.
type Converters struct {
	EVSEId           EVSEIdConverter
	EVSE             EVSEConverter
	EVSEStatusUpdate EVSEStatusUpdateConverter
	CDR              CDRConverter
}
