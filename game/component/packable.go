// Package component implements the server-side component storage with
// per-entry change tracking: every mutation is stamped with the snapshot it
// happened at, so per-client deltas can be packed against the snapshot the
// client last echoed. Change history is bounded; clients further behind
// than the retention window receive full packs instead.
package component

import (
	"github.com/voxbrix/voxbrix/game/entity"
)

// MaxSnapshotDiff is the change-history retention window in ticks. A ledger
// entry older than this is pruned and a client lagging by more than this
// must be sent a full pack.
const MaxSnapshotDiff = 60

// Packable is a component map Actor -> T with a change ledger.
type Packable[T any] struct {
	name string

	data     map[entity.Actor]T
	changes  map[entity.Actor]entity.Snapshot
	removals map[entity.Actor]entity.Snapshot
}

// NewPackable returns an empty component named for packing.
func NewPackable[T any](name string) *Packable[T] {
	return &Packable[T]{
		name:     name,
		data:     make(map[entity.Actor]T),
		changes:  make(map[entity.Actor]entity.Snapshot),
		removals: make(map[entity.Actor]entity.Snapshot),
	}
}

// Name returns the component's pack name.
func (p *Packable[T]) Name() string { return p.name }

// Get returns the actor's value.
func (p *Packable[T]) Get(a entity.Actor) (T, bool) {
	v, ok := p.data[a]
	return v, ok
}

// Set stores the actor's value and stamps the change with the snapshot.
func (p *Packable[T]) Set(a entity.Actor, v T, at entity.Snapshot) {
	p.data[a] = v
	p.changes[a] = at
	delete(p.removals, a)
}

// Remove drops the actor and records the removal for delta packing.
func (p *Packable[T]) Remove(a entity.Actor, at entity.Snapshot) {
	if _, ok := p.data[a]; !ok {
		return
	}
	delete(p.data, a)
	delete(p.changes, a)
	p.removals[a] = at
}

// Prune drops ledger entries older than the retention window. Called at the
// start of every pack cycle.
func (p *Packable[T]) Prune(current entity.Snapshot) {
	for a, s := range p.changes {
		if current.Diff(s) > MaxSnapshotDiff {
			delete(p.changes, a)
		}
	}
	for a, s := range p.removals {
		if current.Diff(s) > MaxSnapshotDiff {
			delete(p.removals, a)
		}
	}
}

// ChangedSince reports whether the actor's value changed after the given
// snapshot. Actors with no ledger entry report false.
func (p *Packable[T]) ChangedSince(a entity.Actor, since entity.Snapshot) bool {
	s, ok := p.changes[a]
	return ok && s > since
}

// EachRemoved calls fn for every removal recorded after since.
func (p *Packable[T]) EachRemoved(since entity.Snapshot, fn func(entity.Actor)) {
	for a, s := range p.removals {
		if s > since {
			fn(a)
		}
	}
}

// Each calls fn for every stored actor.
func (p *Packable[T]) Each(fn func(entity.Actor, T)) {
	for a, v := range p.data {
		fn(a, v)
	}
}

// Len returns the number of stored actors.
func (p *Packable[T]) Len() int { return len(p.data) }

// AppendFull packs the actor's current value unconditionally.
func (p *Packable[T]) AppendFull(pk *Pack, a entity.Actor) {
	if v, ok := p.data[a]; ok {
		pk.update(p.name, a, v)
	}
}

// AppendChanged packs the actor's value only if it changed after since, and
// its removal if it was removed after since.
func (p *Packable[T]) AppendChanged(pk *Pack, a entity.Actor, since entity.Snapshot) {
	if s, ok := p.changes[a]; ok && s > since {
		pk.update(p.name, a, p.data[a])
		return
	}
	if s, ok := p.removals[a]; ok && s > since {
		pk.remove(p.name, a)
	}
}
