package protocol

import (
	"encoding/json"
	"time"
)

// Response is the envelope around every protocol payload, inbound and
// outbound.
type Response struct {
	Data                  any       `json:"data,omitempty"`
	StatusCode            int       `json:"status_code"`
	StatusMessage         string    `json:"status_message,omitempty"`
	AdditionalInformation string    `json:"additionalInformation,omitempty"`
	RequestId             string    `json:"requestId,omitempty"`
	CorrelationId         string    `json:"correlationId,omitempty"`
	Timestamp             time.Time `json:"timestamp"`
}

// RawResponse is Response with the payload left undecoded.
type RawResponse struct {
	Data          json.RawMessage `json:"data,omitempty"`
	StatusCode    int             `json:"status_code"`
	StatusMessage string          `json:"status_message,omitempty"`
	RequestId     string          `json:"requestId,omitempty"`
	CorrelationId string          `json:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (r RawResponse) Success() bool { return r.StatusCode >= 1000 && r.StatusCode < 2000 }

// Header names exchanged with counterparties.
const (
	HeaderRequestId       = "X-Request-ID"
	HeaderCorrelationId   = "X-Correlation-ID"
	HeaderFromCountryCode = "OCPI-from-country-code"
	HeaderFromPartyId     = "OCPI-from-party-id"
	HeaderToCountryCode   = "OCPI-to-country-code"
	HeaderToPartyId       = "OCPI-to-party-id"
)
