// Package store is the local protocol store: the locations, EVSEs and CDRs
// this operator publishes to its roaming counterparties.
//
// Each location is an independent entry with its own lock, so writers to
// different locations never contend. Content writes are ordered by their
// LastUpdated and status writes by StatusUpdated; an older write never
// replaces a newer one.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"evroaming/internal/apperrors"
	"evroaming/internal/events"
	"evroaming/internal/protocol"

	"go.uber.org/zap"
)

// Persister receives every accepted write. A failing persister fails the write.
type Persister interface {
	SaveLocation(ctx context.Context, loc protocol.Location) error
	DeleteLocation(ctx context.Context, locationId string) error
	SaveCDR(ctx context.Context, cdr StoredCDR) error
}

type LocationChanged struct {
	Location protocol.Location
	Created  bool
	Removed  bool
}

type EVSEChanged struct {
	LocationId string
	EVSE       protocol.EVSE
	Created    bool
	Removed    bool
}

type EVSEStatusChanged struct {
	LocationId string
	EvseUid    string
	OldStatus  protocol.EVSEStatus
	NewStatus  protocol.EVSEStatus
	Timestamp  time.Time
}

// StoredCDR is a CDR together with the provider it was issued for.
type StoredCDR struct {
	ProviderId string
	CDR        protocol.CDR
}

type entry struct {
	mu      sync.Mutex
	loc     protocol.Location
	present bool
	dead    bool

	// content timestamps of the last accepted writes; LastUpdated of the
	// records also moves with status changes and child writes
	contentAt time.Time
	evseAt    map[string]time.Time
}

type Store struct {
	entries   sync.Map // location id -> *entry
	persister Persister
	logger    *zap.Logger

	cdrMu sync.RWMutex
	cdrs  map[string]StoredCDR

	OnLocationChanged   events.Registry[LocationChanged]
	OnEVSEChanged       events.Registry[EVSEChanged]
	OnEVSEStatusChanged events.Registry[EVSEStatusChanged]
}

// New returns an empty store. persister may be nil.
func New(persister Persister, logger *zap.Logger) *Store {
	return &Store{
		persister: persister,
		logger:    logger.Named("store"),
		cdrs:      map[string]StoredCDR{},
	}
}

// lock returns the locked entry for id. With create set a missing entry is
// made; otherwise nil is returned for it.
func (s *Store) lock(id string, create bool) *entry {
	for {
		var v any
		if create {
			v, _ = s.entries.LoadOrStore(id, &entry{})
		} else {
			var ok bool
			if v, ok = s.entries.Load(id); !ok {
				return nil
			}
		}
		e := v.(*entry)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		if !create && !e.present {
			e.mu.Unlock()
			return nil
		}
		return e
	}
}

// release unlocks e, dropping it from the map if it never got content.
func (s *Store) release(id string, e *entry) {
	if !e.present && !e.dead {
		e.dead = true
		s.entries.CompareAndDelete(id, e)
	}
	e.mu.Unlock()
}

func (s *Store) persist(ctx context.Context, loc protocol.Location) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.SaveLocation(ctx, loc); err != nil {
		return apperrors.NewInternalError(fmt.Sprintf("persist location %s", loc.Id)).WithCause(err)
	}
	return nil
}

// Restore loads previously persisted locations without publishing events.
func (s *Store) Restore(locs []protocol.Location) {
	for _, l := range locs {
		e := s.lock(l.Id, true)
		e.loc = l.Clone()
		e.present = true
		e.mu.Unlock()
	}
}

func (s *Store) GetLocations() []protocol.Location {
	var ids []string
	s.entries.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	out := make([]protocol.Location, 0, len(ids))
	for _, id := range ids {
		if l, ok := s.TryGetLocation(id); ok {
			out = append(out, l)
		}
	}
	return out
}

func (s *Store) TryGetLocation(id string) (protocol.Location, bool) {
	e := s.lock(id, false)
	if e == nil {
		return protocol.Location{}, false
	}
	defer e.mu.Unlock()
	return e.loc.Clone(), true
}

func (s *Store) TryGetEVSE(locationId, evseUid string) (protocol.EVSE, bool) {
	e := s.lock(locationId, false)
	if e == nil {
		return protocol.EVSE{}, false
	}
	defer e.mu.Unlock()
	ev, ok := e.loc.EVSE(evseUid)
	if !ok {
		return protocol.EVSE{}, false
	}
	return ev.Clone(), true
}

// AddLocation fails when the location already exists.
func (s *Store) AddLocation(ctx context.Context, loc protocol.Location) error {
	_, err := s.putLocation(ctx, loc, func(exists bool) error {
		if exists {
			return apperrors.NewValidationError("DUPLICATE_LOCATION", fmt.Sprintf("location %s already exists", loc.Id))
		}
		return nil
	})
	return err
}

// UpdateLocation fails when the location does not exist.
func (s *Store) UpdateLocation(ctx context.Context, loc protocol.Location) error {
	_, err := s.putLocation(ctx, loc, func(exists bool) error {
		if !exists {
			return apperrors.NewNotFoundError("location " + loc.Id)
		}
		return nil
	})
	return err
}

// UpsertLocation writes the location's own fields. EVSEs already in the store
// are kept; the EVSEs of loc are ignored. It reports false without error when
// the stored fields were written from a newer LastUpdated.
func (s *Store) UpsertLocation(ctx context.Context, loc protocol.Location) (bool, error) {
	return s.putLocation(ctx, loc, func(bool) error { return nil })
}

func (s *Store) putLocation(ctx context.Context, loc protocol.Location, check func(exists bool) error) (bool, error) {
	if loc.Id == "" {
		return false, apperrors.NewValidationError("INVALID_LOCATION", "location without id")
	}
	e := s.lock(loc.Id, true)
	exists := e.present
	if err := check(exists); err != nil {
		s.release(loc.Id, e)
		return false, err
	}
	if exists && loc.LastUpdated.Before(e.contentAt) {
		e.mu.Unlock()
		return false, nil
	}
	next := loc.Clone()
	next.EVSEs = nil
	if exists {
		next.EVSEs = e.loc.Clone().EVSEs
		next.LastUpdated = latest(next.LastUpdated, e.loc.LastUpdated)
	}
	if err := s.persist(ctx, next); err != nil {
		s.release(loc.Id, e)
		return false, err
	}
	e.loc = next
	e.present = true
	e.contentAt = latest(e.contentAt, loc.LastUpdated)
	out := next.Clone()
	e.mu.Unlock()

	s.OnLocationChanged.Publish(ctx, LocationChanged{Location: out, Created: !exists})
	return true, nil
}

// UpsertEVSE adds or replaces an EVSE of an existing location. A write older
// than the stored content is dropped and reported as false. When the stored
// EVSE carries a newer status than evse, the stored status is kept.
func (s *Store) UpsertEVSE(ctx context.Context, locationId string, evse protocol.EVSE) (bool, error) {
	e := s.lock(locationId, false)
	if e == nil {
		return false, apperrors.NewNotFoundError("location " + locationId)
	}
	if at, ok := e.evseAt[evse.Uid]; ok && evse.LastUpdated.Before(at) {
		e.mu.Unlock()
		return false, nil
	}
	next := e.loc.Clone()
	evse = evse.Clone()
	contentAt := evse.LastUpdated
	created := true
	for i, cur := range next.EVSEs {
		if cur.Uid != evse.Uid {
			continue
		}
		created = false
		if cur.StatusUpdated.After(evse.StatusUpdated) {
			evse.Status, evse.StatusUpdated = cur.Status, cur.StatusUpdated
			evse.LastUpdated = latest(evse.LastUpdated, cur.LastUpdated)
		}
		next.EVSEs[i] = evse
		break
	}
	if created {
		next.EVSEs = append(next.EVSEs, evse)
		sort.Slice(next.EVSEs, func(i, j int) bool { return next.EVSEs[i].Uid < next.EVSEs[j].Uid })
	}
	next.LastUpdated = latest(next.LastUpdated, evse.LastUpdated)
	if err := s.persist(ctx, next); err != nil {
		e.mu.Unlock()
		return false, err
	}
	e.loc = next
	if e.evseAt == nil {
		e.evseAt = map[string]time.Time{}
	}
	e.evseAt[evse.Uid] = latest(e.evseAt[evse.Uid], contentAt)
	e.mu.Unlock()

	s.OnEVSEChanged.Publish(ctx, EVSEChanged{LocationId: locationId, EVSE: evse.Clone(), Created: created})
	return true, nil
}

// UpdateEVSEStatus applies a status observed at u.Timestamp. It reports false
// without error when the stored status is at least as recent.
func (s *Store) UpdateEVSEStatus(ctx context.Context, u protocol.StatusUpdate) (bool, error) {
	e := s.lock(u.LocationId, false)
	if e == nil {
		return false, apperrors.NewNotFoundError("location " + u.LocationId)
	}
	idx := -1
	for i, ev := range e.loc.EVSEs {
		if ev.Uid == u.EvseUid {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return false, apperrors.NewNotFoundError(fmt.Sprintf("evse %s/%s", u.LocationId, u.EvseUid))
	}
	cur := e.loc.EVSEs[idx]
	if !u.Timestamp.After(cur.StatusUpdated) {
		e.mu.Unlock()
		return false, nil
	}
	next := e.loc.Clone()
	ev := &next.EVSEs[idx]
	ev.Status = u.Status
	ev.StatusUpdated = u.Timestamp
	ev.LastUpdated = latest(ev.LastUpdated, u.Timestamp)
	next.LastUpdated = latest(next.LastUpdated, u.Timestamp)
	if err := s.persist(ctx, next); err != nil {
		e.mu.Unlock()
		return false, err
	}
	e.loc = next
	e.mu.Unlock()

	s.OnEVSEStatusChanged.Publish(ctx, EVSEStatusChanged{
		LocationId: u.LocationId, EvseUid: u.EvseUid,
		OldStatus: cur.Status, NewStatus: u.Status, Timestamp: u.Timestamp,
	})
	return true, nil
}

func (s *Store) RemoveLocation(ctx context.Context, locationId string) (bool, error) {
	e := s.lock(locationId, false)
	if e == nil {
		return false, nil
	}
	if s.persister != nil {
		if err := s.persister.DeleteLocation(ctx, locationId); err != nil {
			e.mu.Unlock()
			return false, apperrors.NewInternalError("delete location " + locationId).WithCause(err)
		}
	}
	old := e.loc
	e.present = false
	e.dead = true
	s.entries.CompareAndDelete(locationId, e)
	e.mu.Unlock()

	s.OnLocationChanged.Publish(ctx, LocationChanged{Location: old, Removed: true})
	return true, nil
}

func (s *Store) RemoveEVSE(ctx context.Context, locationId, evseUid string) (bool, error) {
	e := s.lock(locationId, false)
	if e == nil {
		return false, nil
	}
	next := e.loc.Clone()
	var removed *protocol.EVSE
	for i, ev := range next.EVSEs {
		if ev.Uid == evseUid {
			removed = &ev
			next.EVSEs = append(next.EVSEs[:i], next.EVSEs[i+1:]...)
			break
		}
	}
	if removed == nil {
		e.mu.Unlock()
		return false, nil
	}
	if err := s.persist(ctx, next); err != nil {
		e.mu.Unlock()
		return false, err
	}
	e.loc = next
	delete(e.evseAt, evseUid)
	e.mu.Unlock()

	s.OnEVSEChanged.Publish(ctx, EVSEChanged{LocationId: locationId, EVSE: *removed, Removed: true})
	return true, nil
}

// AddCDR stores a CDR. CDR ids are unique.
func (s *Store) AddCDR(ctx context.Context, c StoredCDR) error {
	s.cdrMu.Lock()
	defer s.cdrMu.Unlock()
	if _, ok := s.cdrs[c.CDR.Id]; ok {
		return apperrors.NewValidationError(apperrors.ErrDuplicateCDR.Code, fmt.Sprintf("cdr %s already stored", c.CDR.Id))
	}
	if s.persister != nil {
		if err := s.persister.SaveCDR(ctx, c); err != nil {
			return apperrors.NewInternalError("persist cdr " + c.CDR.Id).WithCause(err)
		}
	}
	s.cdrs[c.CDR.Id] = c
	return nil
}

func (s *Store) TryGetCDR(id string) (StoredCDR, bool) {
	s.cdrMu.RLock()
	defer s.cdrMu.RUnlock()
	c, ok := s.cdrs[id]
	return c, ok
}

// GetCDRs returns the CDRs issued for providerId, or all of them when
// providerId is empty, ordered by end time.
func (s *Store) GetCDRs(providerId string) []StoredCDR {
	s.cdrMu.RLock()
	out := make([]StoredCDR, 0, len(s.cdrs))
	for _, c := range s.cdrs {
		if providerId == "" || c.ProviderId == providerId {
			out = append(out, c)
		}
	}
	s.cdrMu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].CDR, out[j].CDR
		if !a.EndDateTime.Equal(b.EndDateTime) {
			return a.EndDateTime.Before(b.EndDateTime)
		}
		return a.Id < b.Id
	})
	return out
}

// RestoreCDRs loads previously persisted CDRs.
func (s *Store) RestoreCDRs(cdrs []StoredCDR) {
	s.cdrMu.Lock()
	defer s.cdrMu.Unlock()
	for _, c := range cdrs {
		s.cdrs[c.CDR.Id] = c
	}
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
