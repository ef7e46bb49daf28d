// Package syncstate keeps, per mapped entity, what was last written to the
// protocol store. Updates advance the state by compare-and-swap; nothing here
// blocks.
package syncstate

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type State struct {
	LastApplied time.Time
	Hash        string
	// Pending marks a write that was accepted here but failed in the store.
	Pending bool
}

type Decision int

const (
	Apply Decision = iota
	Stale
	Unchanged
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "applied"
	case Stale:
		return "stale"
	case Unchanged:
		return "unchanged"
	}
	return "unknown"
}

type Table struct {
	states sync.Map // key -> *atomic.Pointer[State]
}

func New() *Table { return &Table{} }

// Key kinds, the part of a key before the colon.
const (
	KindStatus   = "status"
	KindEVSE     = "evse"
	KindLocation = "location"
)

func StatusKey(evseId string) string { return KindStatus + ":" + evseId }
func EVSEKey(evseId string) string { return KindEVSE + ":" + evseId }
func LocationKey(poolId string) string { return KindLocation + ":" + poolId }

// SplitKey returns the kind and the domain id of a key.
func SplitKey(key string) (kind, id string) {
	kind, id, _ = strings.Cut(key, ":")
	return kind, id
}

func (t *Table) slot(key string) *atomic.Pointer[State] {
	if v, ok := t.states.Load(key); ok {
		return v.(*atomic.Pointer[State])
	}
	v, _ := t.states.LoadOrStore(key, new(atomic.Pointer[State]))
	return v.(*atomic.Pointer[State])
}

// TryAdvance decides whether an update observed at ts with content hash may
// be written. An empty hash skips the content comparison. A pending entry
// accepts a replay of the failed timestamp.
func (t *Table) TryAdvance(key string, ts time.Time, hash string) Decision {
	p := t.slot(key)
	for {
		cur := p.Load()
		if cur != nil {
			if cur.Pending {
				if ts.Before(cur.LastApplied) {
					return Stale
				}
			} else {
				if hash != "" && cur.Hash == hash {
					return Unchanged
				}
				if !ts.After(cur.LastApplied) {
					return Stale
				}
			}
		}
		next := &State{LastApplied: ts, Hash: hash}
		if p.CompareAndSwap(cur, next) {
			return Apply
		}
	}
}

// Record stores a write made outside TryAdvance, such as a reconciliation
// repair. A state newer than ts is left as it is.
func (t *Table) Record(key string, ts time.Time, hash string) {
	p := t.slot(key)
	for {
		cur := p.Load()
		if cur != nil && cur.LastApplied.After(ts) {
			return
		}
		next := &State{LastApplied: ts, Hash: hash}
		if p.CompareAndSwap(cur, next) {
			return
		}
	}
}

// MarkPending flags the entry written at ts as not persisted. A newer write
// that already superseded it is left alone.
func (t *Table) MarkPending(key string, ts time.Time) {
	p := t.slot(key)
	for {
		cur := p.Load()
		if cur == nil || !cur.LastApplied.Equal(ts) || cur.Pending {
			return
		}
		next := *cur
		next.Pending = true
		if p.CompareAndSwap(cur, &next) {
			return
		}
	}
}

func (t *Table) Get(key string) (State, bool) {
	v, ok := t.states.Load(key)
	if !ok {
		return State{}, false
	}
	cur := v.(*atomic.Pointer[State]).Load()
	if cur == nil {
		return State{}, false
	}
	return *cur, true
}

func (t *Table) Forget(key string) { t.states.Delete(key) }

// Pending lists the keys whose last write failed.
func (t *Table) Pending() []string {
	var out []string
	t.states.Range(func(k, v any) bool {
		if s := v.(*atomic.Pointer[State]).Load(); s != nil && s.Pending {
			out = append(out, k.(string))
		}
		return true
	})
	return out
}
