// Package options holds the adapter settings shared by the synchronizer, the
// reconciler and the authorization and CDR paths.
package options

import (
	"sync/atomic"

	"evroaming/internal/models"
	"evroaming/internal/protocol"
)

// Flags are the switches that may be flipped while the adapter runs.
type Flags struct {
	disablePushData   atomic.Bool
	disablePushStatus atomic.Bool
	disableAuth       atomic.Bool
	disableSendCDRs   atomic.Bool
	shuttingDown      atomic.Bool
}

func (f *Flags) PushDataDisabled() bool { return f.disablePushData.Load() }
func (f *Flags) PushStatusDisabled() bool { return f.disablePushStatus.Load() }
func (f *Flags) AuthenticationDisabled() bool { return f.disableAuth.Load() }
func (f *Flags) SendCDRsDisabled() bool { return f.disableSendCDRs.Load() }
func (f *Flags) ShuttingDown() bool { return f.shuttingDown.Load() }

func (f *Flags) SetDisablePushData(v bool) { f.disablePushData.Store(v) }
func (f *Flags) SetDisablePushStatus(v bool) { f.disablePushStatus.Store(v) }
func (f *Flags) SetDisableAuthentication(v bool) { f.disableAuth.Store(v) }
func (f *Flags) SetDisableSendCDRs(v bool) { f.disableSendCDRs.Store(v) }

// MarkShuttingDown is one-way.
func (f *Flags) MarkShuttingDown() { f.shuttingDown.Store(true) }

// Filters decide which domain entities take part in roaming. Nil predicates
// include everything.
type Filters struct {
	IncludeEVSEIds         func(evseId string) bool
	IncludeEVSEs           func(e models.EVSE) bool
	IncludeChargingPoolIds func(poolId string) bool
	IncludeChargingPools   func(p models.ChargingPool) bool
}

func (f Filters) PoolIncluded(p models.ChargingPool) bool {
	if f.IncludeChargingPoolIds != nil && !f.IncludeChargingPoolIds(p.PoolId) {
		return false
	}
	if f.IncludeChargingPools != nil && !f.IncludeChargingPools(p) {
		return false
	}
	return true
}

// EVSEIncluded checks the EVSE filters only; the owning pool is checked by
// the caller.
func (f Filters) EVSEIncluded(e models.EVSE) bool {
	if f.IncludeEVSEIds != nil && !f.IncludeEVSEIds(e.EvseId) {
		return false
	}
	if f.IncludeEVSEs != nil && !f.IncludeEVSEs(e) {
		return false
	}
	return true
}

// IdSet builds an id predicate from a list. An empty list includes everything.
func IdSet(ids []string) func(string) bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(id string) bool {
		_, ok := set[id]
		return ok
	}
}

// CDRFilter returns false for CDRs that must not leave the process.
type CDRFilter func(session models.ChargingSession, cdr protocol.CDR) bool
