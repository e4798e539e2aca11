package mirror

import (
	"fmt"

	"github.com/cockroachdb/pebble/v2"
	"github.com/ethereum/go-ethereum/common"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/encoding"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/world"
)

// PebbleStore is a persistent Store. Keys are the 64-byte concatenation of
// component and entity identifiers, values JSON-encoded component records.
type PebbleStore struct {
	db *pebble.DB
}

func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror database: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func storeKey(component world.ComponentID, entity world.EntityID) []byte {
	key := make([]byte, 64)
	copy(key[:32], component[:])
	copy(key[32:], entity[:])
	return key
}

func (s *PebbleStore) Apply(rec world.UpdateRecord) error {
	key := storeKey(rec.Component, rec.Entity)

	if rec.Removed {
		if err := s.db.Delete(key, pebble.NoSync); err != nil {
			return fmt.Errorf("delete %s/%s: %w", rec.Component.Hex(), rec.Entity.Hex(), err)
		}
		return nil
	}

	value, err := encoding.JSONiter.Marshal(rec.Value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", rec.Component.Hex(), rec.Entity.Hex(), err)
	}
	if err := s.db.Set(key, value, pebble.NoSync); err != nil {
		return fmt.Errorf("set %s/%s: %w", rec.Component.Hex(), rec.Entity.Hex(), err)
	}
	return nil
}

func (s *PebbleStore) Get(component world.ComponentID, entity world.EntityID) (world.ComponentValue, bool, error) {
	raw, closer, err := s.db.Get(storeKey(component, entity))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", component.Hex(), entity.Hex(), err)
	}
	defer closer.Close()

	var value world.ComponentValue
	if err := encoding.JSONiter.Unmarshal(raw, &value); err != nil {
		return nil, false, fmt.Errorf("unmarshal %s/%s: %w", component.Hex(), entity.Hex(), err)
	}
	return value, true, nil
}

func (s *PebbleStore) Len() (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	return count, iter.Error()
}

func (s *PebbleStore) Each(fn func(key world.Key, value world.ComponentValue) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		raw := iter.Key()
		if len(raw) != 64 {
			continue
		}
		component := common.BytesToHash(raw[:32])
		entity := common.BytesToHash(raw[32:])

		var value world.ComponentValue
		if err := encoding.JSONiter.Unmarshal(iter.Value(), &value); err != nil {
			return fmt.Errorf("unmarshal %s/%s: %w", component.Hex(), entity.Hex(), err)
		}
		if err := fn(world.KeyOf(component, entity), value); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) Flush() error {
	return s.db.Flush()
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
