// Package backfill replays historical state-change events over an explicit
// block range into a mirror.
package backfill

import (
	"context"
	"fmt"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/logger"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/mirror"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/world"
)

const DefaultChunkSize = 50

// RangeFetcher yields decoded update records for an inclusive block range.
type RangeFetcher interface {
	Fetch(ctx context.Context, from, to uint64) ([]world.UpdateRecord, error)
}

type ProgressFunc func(phase, message string, percentage float64)

type Config struct {
	// ChunkSize bounds one query's block span so a single request stays
	// below remote result limits. Zero means DefaultChunkSize. The final
	// mirror content is independent of the chunk size.
	ChunkSize  uint64
	OnProgress ProgressFunc
}

type Backfiller struct {
	fetcher RangeFetcher
	config  Config
}

func New(fetcher RangeFetcher, config Config) *Backfiller {
	if config.ChunkSize == 0 {
		config.ChunkSize = DefaultChunkSize
	}
	return &Backfiller{
		fetcher: fetcher,
		config:  config,
	}
}

// Stream scans [from, to] in sequential chunk-sized sub-ranges, handing every
// record to emit in ledger order. Emitting rather than reducing lets a caller
// apply removals against state acquired before the range, not just against
// records seen within it.
func (b *Backfiller) Stream(ctx context.Context, from, to uint64, emit func(world.UpdateRecord) error) error {
	if from > to {
		return fmt.Errorf("invalid range [%d,%d]", from, to)
	}

	total := to - from + 1
	for start := from; start <= to; start += b.config.ChunkSize {
		end := start + b.config.ChunkSize - 1
		if end > to {
			end = to
		}

		records, err := b.fetcher.Fetch(ctx, start, end)
		if err != nil {
			return fmt.Errorf("backfill [%d,%d]: %w", start, end, err)
		}

		for _, rec := range records {
			if err := emit(rec); err != nil {
				return err
			}
		}

		done := end - from + 1
		percentage := float64(done) / float64(total) * 100
		logger.Printf("debug-backfill", "Blocks %d-%d: %d records (%.1f%%)", start, end, len(records), percentage)
		if b.config.OnProgress != nil {
			b.config.OnProgress("backfill",
				fmt.Sprintf("Fetched blocks %d-%d (%d records)", start, end, len(records)),
				percentage)
		}

		if end == to {
			break
		}
	}

	return nil
}

// FetchRange reduces the range's records into a fresh mirror. On error the
// mirror accumulated so far is returned alongside it.
func (b *Backfiller) FetchRange(ctx context.Context, from, to uint64) (*mirror.MemoryStore, error) {
	store := mirror.NewMemoryStore()
	err := b.Stream(ctx, from, to, func(rec world.UpdateRecord) error {
		if err := store.Apply(rec); err != nil {
			return fmt.Errorf("backfill apply at block %d: %w", rec.BlockNumber, err)
		}
		return nil
	})
	return store, err
}
