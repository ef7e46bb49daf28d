package mapper

import (
	"fmt"
	"sort"
	"sync"

	"evroaming/internal/apperrors"
)

// EVSEIdentity ties a domain EVSE to its protocol coordinates.
type EVSEIdentity struct {
	EvseId         string
	LocationId     string
	EvseUid        string
	ProtocolEvseId string
}

// Identities is the identifier correspondence table. Protocol ids released by
// Unbind are retired and never handed to another domain entity again.
type Identities struct {
	mu        sync.RWMutex
	pools     map[string]string
	locations map[string]string
	evses     map[string]EVSEIdentity
	evseUids  map[string]string
	retired   map[string]struct{}
}

func NewIdentities() *Identities {
	return &Identities{
		pools:     map[string]string{},
		locations: map[string]string{},
		evses:     map[string]EVSEIdentity{},
		evseUids:  map[string]string{},
		retired:   map[string]struct{}{},
	}
}

func locationKey(locationId string) string { return "location:" + locationId }

func evseKey(locationId, uid string) string { return "evse:" + locationId + "/" + uid }

func (t *Identities) BindPool(poolId, locationId string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.pools[poolId]; ok {
		if cur != locationId {
			return apperrors.NewMappingError("IDENTITY_CHANGED",
				fmt.Sprintf("pool %s is bound to location %s, not %s", poolId, cur, locationId))
		}
		return nil
	}
	if _, ok := t.retired[locationKey(locationId)]; ok {
		return apperrors.NewMappingError(apperrors.ErrRetiredId.Code,
			fmt.Sprintf("location id %s was retired", locationId))
	}
	if owner, ok := t.locations[locationId]; ok && owner != poolId {
		return apperrors.NewMappingError("IDENTITY_TAKEN",
			fmt.Sprintf("location id %s belongs to pool %s", locationId, owner))
	}
	t.pools[poolId] = locationId
	t.locations[locationId] = poolId
	return nil
}

// BindEVSE records the identity of an EVSE. An EVSE whose pool changed is
// rebound and the previous identity is returned with moved set.
func (t *Identities) BindEVSE(id EVSEIdentity) (prev EVSEIdentity, moved bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.evses[id.EvseId]; ok {
		if cur == id {
			return cur, false, nil
		}
		if cur.EvseUid != id.EvseUid || cur.ProtocolEvseId != id.ProtocolEvseId {
			return cur, false, apperrors.NewMappingError("IDENTITY_CHANGED",
				fmt.Sprintf("evse %s is bound to uid %s", id.EvseId, cur.EvseUid))
		}
		prev, moved = cur, true
	}
	key := evseKey(id.LocationId, id.EvseUid)
	if _, ok := t.retired[key]; ok {
		return prev, false, apperrors.NewMappingError(apperrors.ErrRetiredId.Code,
			fmt.Sprintf("evse uid %s at location %s was retired", id.EvseUid, id.LocationId))
	}
	if owner, ok := t.evseUids[key]; ok && owner != id.EvseId {
		return prev, false, apperrors.NewMappingError("IDENTITY_TAKEN",
			fmt.Sprintf("evse uid %s at location %s belongs to %s", id.EvseUid, id.LocationId, owner))
	}
	if moved {
		oldKey := evseKey(prev.LocationId, prev.EvseUid)
		delete(t.evseUids, oldKey)
		t.retired[oldKey] = struct{}{}
	}
	t.evses[id.EvseId] = id
	t.evseUids[key] = id.EvseId
	return prev, moved, nil
}

// UnbindPool drops the pool binding and retires its location id.
func (t *Identities) UnbindPool(poolId string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	loc, ok := t.pools[poolId]
	if !ok {
		return "", false
	}
	delete(t.pools, poolId)
	delete(t.locations, loc)
	t.retired[locationKey(loc)] = struct{}{}
	return loc, true
}

func (t *Identities) UnbindEVSE(evseId string) (EVSEIdentity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.evses[evseId]
	if !ok {
		return EVSEIdentity{}, false
	}
	key := evseKey(id.LocationId, id.EvseUid)
	delete(t.evses, evseId)
	delete(t.evseUids, key)
	t.retired[key] = struct{}{}
	return id, true
}

func (t *Identities) LocationOf(poolId string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	loc, ok := t.pools[poolId]
	return loc, ok
}

func (t *Identities) PoolOf(locationId string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.locations[locationId]
	return p, ok
}

func (t *Identities) EVSE(evseId string) (EVSEIdentity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.evses[evseId]
	return id, ok
}

// DomainEVSEId reverses an EVSE's protocol coordinates.
func (t *Identities) DomainEVSEId(locationId, evseUid string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.evseUids[evseKey(locationId, evseUid)]
	return id, ok
}

// MappedEVSEs returns every bound EVSE identity ordered by domain id.
func (t *Identities) MappedEVSEs() []EVSEIdentity {
	t.mu.RLock()
	out := make([]EVSEIdentity, 0, len(t.evses))
	for _, id := range t.evses {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].EvseId < out[j].EvseId })
	return out
}

func (t *Identities) IsRetiredLocation(locationId string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.retired[locationKey(locationId)]
	return ok
}
