package component

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/voxbrix/voxbrix/game/entity"
)

// Pack accumulates per-component entries for one state message: updated
// values keyed by actor and explicit removals ("absent" markers) the client
// uses to drop actors that left its view.
type Pack struct {
	components map[string]*componentPack
}

type componentPack struct {
	Updates  map[entity.Actor]cbor.RawMessage `cbor:"0,keyasint"`
	Removals []entity.Actor                   `cbor:"1,keyasint,omitempty"`
}

// NewPack returns an empty pack.
func NewPack() *Pack {
	return &Pack{components: make(map[string]*componentPack)}
}

func (p *Pack) bucket(name string) *componentPack {
	cp := p.components[name]
	if cp == nil {
		cp = &componentPack{Updates: make(map[entity.Actor]cbor.RawMessage)}
		p.components[name] = cp
	}
	return cp
}

func (p *Pack) update(name string, a entity.Actor, v any) {
	raw, err := cbor.Marshal(v)
	if err != nil {
		// Component values are plain structs of numeric fields; a
		// marshal failure is a programmer bug.
		panic(fmt.Sprintf("pack %s for actor %d: %v", name, a, err))
	}
	p.bucket(name).Updates[a] = raw
}

func (p *Pack) remove(name string, a entity.Actor) {
	cp := p.bucket(name)
	cp.Removals = append(cp.Removals, a)
}

// Absent records an explicit absent marker for the actor under the named
// component; the spatial filter uses it for actors that left the view.
func (p *Pack) Absent(name string, a entity.Actor) {
	p.remove(name, a)
}

// Empty reports whether nothing has been packed.
func (p *Pack) Empty() bool { return len(p.components) == 0 }

// Encode serializes the pack into a state blob.
func (p *Pack) Encode() ([]byte, error) {
	return cbor.Marshal(p.components)
}

// Unpack is the client-side view of a decoded state blob.
type Unpack struct {
	components map[string]*componentPack
}

// DecodePack parses a state blob.
func DecodePack(blob []byte) (*Unpack, error) {
	u := &Unpack{components: make(map[string]*componentPack)}
	if len(blob) == 0 {
		return u, nil
	}
	if err := cbor.Unmarshal(blob, &u.components); err != nil {
		return nil, fmt.Errorf("decode state blob: %w", err)
	}
	return u, nil
}

// Each calls fn for every packed update of the named component.
func (u *Unpack) Each(name string, fn func(entity.Actor, cbor.RawMessage)) {
	cp := u.components[name]
	if cp == nil {
		return
	}
	for a, raw := range cp.Updates {
		fn(a, raw)
	}
}

// Removals returns the absent markers of the named component.
func (u *Unpack) Removals(name string) []entity.Actor {
	cp := u.components[name]
	if cp == nil {
		return nil
	}
	return cp.Removals
}
