package schema

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/world"
)

// Registry exposes the two reads used against the remote world registry.
type Registry interface {
	// ComponentAddress resolves a component's contract address.
	ComponentAddress(ctx context.Context, component world.ComponentID) (common.Address, error)
	// ComponentSchema fetches a component's schema from its contract.
	ComponentSchema(ctx context.Context, componentAddr common.Address) (Schema, error)
}

// Decoder memoizes one compiled decode function per component. Each Decoder
// is an independent session; synchronizing several worlds in one process
// means one Decoder each.
//
// The lock only guards the cache map. Concurrent first calls for the same
// unseen component may both resolve; the redundant fetch is wasted work, not
// an error, and the last compiled function wins.
type Decoder struct {
	registry Registry

	mu  sync.RWMutex
	fns map[world.ComponentID]DecodeFn
}

func NewDecoder(registry Registry) *Decoder {
	return &Decoder{
		registry: registry,
		fns:      make(map[world.ComponentID]DecodeFn),
	}
}

func (d *Decoder) cached(component world.ComponentID) (DecodeFn, bool) {
	d.mu.RLock()
	fn, ok := d.fns[component]
	d.mu.RUnlock()
	return fn, ok
}

func (d *Decoder) compileAndStore(component world.ComponentID, s Schema) (DecodeFn, error) {
	fn, err := s.Compile()
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", component.Hex(), err)
	}
	d.mu.Lock()
	d.fns[component] = fn
	d.mu.Unlock()
	return fn, nil
}

// Resolve returns the component's decode function, fetching and compiling its
// schema on first use. The component's address comes from the registry.
func (d *Decoder) Resolve(ctx context.Context, component world.ComponentID) (DecodeFn, error) {
	if fn, ok := d.cached(component); ok {
		return fn, nil
	}

	addr, err := d.registry.ComponentAddress(ctx, component)
	if err != nil {
		return nil, fmt.Errorf("resolve address for %s: %w", component.Hex(), err)
	}
	return d.resolveAt(ctx, component, addr)
}

// ResolveAt is Resolve for callers that already know the component's address
// (log events carry the emitting address), skipping the registry lookup.
func (d *Decoder) ResolveAt(ctx context.Context, component world.ComponentID, addr common.Address) (DecodeFn, error) {
	if fn, ok := d.cached(component); ok {
		return fn, nil
	}
	return d.resolveAt(ctx, component, addr)
}

func (d *Decoder) resolveAt(ctx context.Context, component world.ComponentID, addr common.Address) (DecodeFn, error) {
	s, err := d.registry.ComponentSchema(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("fetch schema for %s at %s: %w", component.Hex(), addr.Hex(), err)
	}
	return d.compileAndStore(component, s)
}

// Decode resolves the component if unseen, then applies its decode function.
func (d *Decoder) Decode(ctx context.Context, component world.ComponentID, raw []byte) (world.ComponentValue, error) {
	fn, err := d.Resolve(ctx, component)
	if err != nil {
		return nil, err
	}
	return fn(raw)
}

// DecodeAt decodes using a known component address.
func (d *Decoder) DecodeAt(ctx context.Context, component world.ComponentID, addr common.Address, raw []byte) (world.ComponentValue, error) {
	fn, err := d.ResolveAt(ctx, component, addr)
	if err != nil {
		return nil, err
	}
	return fn(raw)
}
