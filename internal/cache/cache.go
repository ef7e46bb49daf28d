// Package cache keeps the bookkeeping the authorization and CDR paths share:
// which session belongs to which provider, and which CDRs went out already.
// Both live in memory or in Redis.
package cache

import (
	"context"
	"errors"
	"time"
)

// SessionCorrelation links a domain charging session to the roaming side.
// It is written when a start is authorized and frozen once the session
// completes.
type SessionCorrelation struct {
	SessionId              string
	ProtocolSessionId      string
	ProviderIdStart        string
	ProviderIdStop         string
	AuthorizationReference string
	Token                  string
	PoolId                 string
	EvseId                 string

	// ViaCommand marks sessions started by a remote START_SESSION command.
	ViaCommand bool
	CreatedAt  time.Time
	Completed  bool
}

var (
	ErrCorrelationExists = errors.New("session correlation already exists")
	ErrCorrelationFrozen = errors.New("session correlation is completed")
	ErrNoCorrelation     = errors.New("no session correlation")
)

type CorrelationStore interface {
	// Create fails with ErrCorrelationExists when the session is known.
	Create(ctx context.Context, c SessionCorrelation) error
	Get(ctx context.Context, sessionId string) (SessionCorrelation, bool, error)
	// SetStopProvider records who authorized the stop.
	SetStopProvider(ctx context.Context, sessionId, providerId string) error
	// Complete freezes the correlation.
	Complete(ctx context.Context, sessionId string) error
}

// Delivery is what the ledger knows about the CDR of one session.
type Delivery int

const (
	Undelivered Delivery = iota
	// Claimed marks a send that is in flight or whose outcome was lost.
	Claimed
	Delivered
	// Filtered sessions are never sent.
	Filtered
)

func (d Delivery) String() string {
	switch d {
	case Claimed:
		return "claimed"
	case Delivered:
		return "delivered"
	case Filtered:
		return "filtered"
	default:
		return "undelivered"
	}
}

// DeliveredSet is the CDR delivery ledger. Delivered and filtered marks are
// permanent. A claim is taken before a CDR is sent and only a failed send
// releases it, so a CDR whose delivery was not recorded is not sent again.
type DeliveredSet interface {
	// Claim reports false when the session was claimed before.
	Claim(ctx context.Context, sessionId string) (bool, error)
	Release(ctx context.Context, sessionId string) error
	// Add marks the session delivered and reports whether it was new.
	Add(ctx context.Context, sessionId string) (bool, error)
	MarkFiltered(ctx context.Context, sessionId string) error
	// Lookup prefers delivered over filtered over claimed.
	Lookup(ctx context.Context, sessionId string) (Delivery, error)
}
