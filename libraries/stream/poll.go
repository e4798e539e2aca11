package stream

import (
	"context"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/logger"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/world"
)

// RangeFetcher yields decoded update records for an inclusive block range.
type RangeFetcher interface {
	Fetch(ctx context.Context, from, to uint64) ([]world.UpdateRecord, error)
}

// PollAdapter is the fallback live source when no push feed is available.
// It is driven by an external sequence of observed block numbers and turns
// each observation into a ledger range query so that, across the whole
// notification sequence, every block is covered even when notifications
// skip ahead. Decreasing notifications collapse to a single-block query
// that may re-cover synced territory; re-application is safe because the
// mirror is last-write-wins.
type PollAdapter struct {
	fetcher    RangeFetcher
	lastSynced uint64
	synced     bool
	coverage   *roaring64.Bitmap
}

func NewPollAdapter(fetcher RangeFetcher) *PollAdapter {
	return &PollAdapter{
		fetcher:  fetcher,
		coverage: roaring64.New(),
	}
}

// NewPollAdapterFrom returns an adapter already synced through block, so its
// first observation of a later block queries the whole gap rather than the
// single observed block.
func NewPollAdapterFrom(fetcher RangeFetcher, block uint64) *PollAdapter {
	p := NewPollAdapter(fetcher)
	p.lastSynced = block
	p.synced = true
	return p
}

// OnBlock handles one observed block number and returns that query's records
// in fetch order. lastSynced advances to b whether or not the fetch worked.
func (p *PollAdapter) OnBlock(ctx context.Context, b uint64) ([]world.UpdateRecord, error) {
	from, to := b, b
	if p.synced && p.lastSynced < b {
		from = p.lastSynced + 1
	}
	p.lastSynced = b
	p.synced = true

	p.coverage.AddRange(from, to+1)
	logger.Printf("debug-poll", "Observed block %d, querying [%d,%d]", b, from, to)

	return p.fetcher.Fetch(ctx, from, to)
}

// LastSynced returns the most recent observed block, and whether any block
// has been observed yet.
func (p *PollAdapter) LastSynced() (uint64, bool) {
	return p.lastSynced, p.synced
}

// Coverage reports every block number any query has spanned.
func (p *PollAdapter) Coverage() *roaring64.Bitmap {
	return p.coverage
}
