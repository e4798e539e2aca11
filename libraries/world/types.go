// Package world defines the shared types for mirrored entity-component state:
// 256-bit component and entity identifiers, decoded component values, and the
// normalized update records every ingestion path produces.
package world

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ComponentID and EntityID are 32-byte identifiers. Shorter inputs are
// left-padded, so the canonical string form from Hex() is stable regardless
// of how an identifier arrived.
type (
	ComponentID = common.Hash
	EntityID    = common.Hash
)

// ComponentValue is one decoded component record, field name to typed value.
type ComponentValue map[string]any

// Key is the canonical map key for one (component, entity) pair.
type Key struct {
	Component string
	Entity    string
}

func KeyOf(component ComponentID, entity EntityID) Key {
	return Key{Component: component.Hex(), Entity: entity.Hex()}
}

// IDFromBig canonicalizes a big integer identifier to 32 bytes.
func IDFromBig(v *big.Int) common.Hash {
	return common.BigToHash(v)
}

// IDFromHex canonicalizes a hex string identifier (with or without 0x).
func IDFromHex(s string) common.Hash {
	return common.HexToHash(s)
}

// UpdateRecord is one normalized state change. Value is nil when Removed is
// set; decode is never attempted for removals.
type UpdateRecord struct {
	Component   ComponentID
	Entity      EntityID
	Value       ComponentValue
	Removed     bool
	BlockNumber uint64
	TxHash      common.Hash
	LastInTx    bool
}

func (r UpdateRecord) Key() Key {
	return KeyOf(r.Component, r.Entity)
}
