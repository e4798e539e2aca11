package internal

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/backfill"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/ledger"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/logger"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/metrics"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/mirror"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/snapshot"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/stream"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/world"
)

// HeadReader reports the ledger's current head block.
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

type sourcedRecord struct {
	source string
	rec    world.UpdateRecord
}

// Service runs the acquisition sequence: snapshot (when configured), then a
// historical backfill up to the observed head, then a live source. All three
// feed a single consumer that applies records to the mirror in arrival
// order, so every write goes through one last-write-wins path.
type Service struct {
	cfg    *Config
	world  common.Address
	store  mirror.Store
	ledger *ledger.Fetcher
	heads  HeadReader

	snapshots *snapshot.Fetcher   // nil when no snapshot service is configured
	push      *stream.PushAdapter // nil when polling the ledger instead

	lastSynced atomic.Uint64
}

func NewService(cfg *Config, store mirror.Store, ledgerFetcher *ledger.Fetcher, heads HeadReader) *Service {
	return &Service{
		cfg:    cfg,
		world:  common.HexToAddress(cfg.World),
		store:  store,
		ledger: ledgerFetcher,
		heads:  heads,
	}
}

// LastSynced is the highest block number an applied record has carried.
func (s *Service) LastSynced() *atomic.Uint64 {
	return &s.lastSynced
}

// WithSnapshots enables the snapshot phase.
func (s *Service) WithSnapshots(fetcher *snapshot.Fetcher) *Service {
	s.snapshots = fetcher
	return s
}

// WithPushFeed replaces ledger polling with the server-pushed feed.
func (s *Service) WithPushFeed(adapter *stream.PushAdapter) *Service {
	s.push = adapter
	return s
}

// Run blocks until ctx is cancelled or a source fails terminally.
func (s *Service) Run(ctx context.Context) error {
	updates := make(chan sourcedRecord, 256)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(updates)
		return s.produce(ctx, updates)
	})
	group.Go(func() error {
		return s.consume(updates)
	})
	return group.Wait()
}

func (s *Service) produce(ctx context.Context, updates chan<- sourcedRecord) error {
	syncedTo, err := s.acquireSnapshot(ctx, updates)
	if err != nil {
		return err
	}

	head, err := s.heads.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read head block: %w", err)
	}

	from := s.cfg.StartBlock
	if syncedTo > 0 {
		from = syncedTo + 1
	}
	if from <= head {
		if err := s.runBackfill(ctx, updates, from, head); err != nil {
			return err
		}
	}

	if s.push != nil {
		return s.runPushFeed(ctx, updates)
	}
	return s.runPollLoop(ctx, updates, head)
}

// acquireSnapshot fetches the remote snapshot and replays it as one record
// per stored value. Returns the block the mirror now reflects; 0 means no
// snapshot was applied and the caller falls back to start-block.
func (s *Service) acquireSnapshot(ctx context.Context, updates chan<- sourcedRecord) (uint64, error) {
	if s.snapshots == nil {
		return 0, nil
	}

	latest := s.snapshots.LatestBlockNumber(ctx, s.world)
	if latest < 0 {
		logger.Warning("Snapshot service unavailable, skipping snapshot phase")
		return 0, nil
	}

	store, result := s.snapshots.FetchChunked(ctx, s.world)
	if result.Err != nil {
		logger.Printf("snapshot", "Chunked fetch degraded after %d rows (%v), retrying with full fetch", result.Rows, result.Err)
		store, result = s.snapshots.FetchFull(ctx, s.world)
	}
	if result.Err != nil {
		// A partial snapshot cannot serve as the baseline: rows lost in the
		// unread remainder would never be recovered by any later phase.
		// Discard it and let backfill cover from the start block instead.
		logger.Warning("Snapshot degraded at block %d after %d rows (%v), falling back to backfill", result.BlockNumber, result.Rows, result.Err)
		return 0, nil
	}

	logger.Printf("snapshot", "Snapshot complete: %d rows at block %d", result.Rows, result.BlockNumber)
	if err := s.replaySnapshot(ctx, updates, store, result.BlockNumber); err != nil {
		return 0, err
	}
	metrics.SnapshotChunks.Add(float64(result.Chunks))
	return result.BlockNumber, nil
}

func (s *Service) runBackfill(ctx context.Context, updates chan<- sourcedRecord, from, to uint64) error {
	backfiller := backfill.New(s.ledger, backfill.Config{
		ChunkSize: uint64(s.cfg.ChunkSize),
		OnProgress: func(phase, message string, percentage float64) {
			metrics.BackfillChunks.Inc()
			logger.Printf("backfill", "%s: %s (%.1f%%)", phase, message, percentage)
		},
	})

	// Records stream straight to the consumer in ledger order so removals
	// take effect against snapshot state, not just against sets seen within
	// the backfilled range.
	err := backfiller.Stream(ctx, from, to, func(rec world.UpdateRecord) error {
		select {
		case updates <- sourcedRecord{source: "backfill", rec: rec}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		logger.Warning("Backfill of [%d,%d] incomplete: %v", from, to, err)
	}
	return err
}

// replaySnapshot feeds the snapshot baseline into the consumer as set
// records at the block the snapshot reflects.
func (s *Service) replaySnapshot(ctx context.Context, updates chan<- sourcedRecord, store *mirror.MemoryStore, block uint64) error {
	return store.Each(func(key world.Key, value world.ComponentValue) error {
		rec := world.UpdateRecord{
			Component:   world.IDFromHex(key.Component),
			Entity:      world.IDFromHex(key.Entity),
			Value:       value,
			BlockNumber: block,
			LastInTx:    true,
		}
		select {
		case updates <- sourcedRecord{source: "snapshot", rec: rec}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (s *Service) runPushFeed(ctx context.Context, updates chan<- sourcedRecord) error {
	metrics.StreamSubscribes.Inc()
	ch, err := s.push.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe push feed: %w", err)
	}
	logger.Printf("stream", "Subscribed to push feed %s", s.cfg.StreamURL)

	for rec := range ch {
		select {
		case updates <- sourcedRecord{source: "push", rec: rec}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := s.push.Err(); err != nil {
		return fmt.Errorf("push feed ended: %w", err)
	}
	return ctx.Err()
}

// runPollLoop seeds the adapter with the block the mirror already reflects:
// if the head moved on while backfill ran, the first observation queries the
// whole gap instead of collapsing to a single-block query.
func (s *Service) runPollLoop(ctx context.Context, updates chan<- sourcedRecord, syncedTo uint64) error {
	adapter := stream.NewPollAdapterFrom(s.ledger, syncedTo)
	interval := s.cfg.PollIntervalDuration()
	logger.Printf("stream", "Polling ledger head every %v from block %d", interval, syncedTo)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		head, err := s.heads.BlockNumber(ctx)
		if err != nil {
			logger.Warning("Head poll failed: %v", err)
			metrics.LedgerQueries.WithLabelValues("error").Inc()
			continue
		}

		records, err := adapter.OnBlock(ctx, head)
		if err != nil {
			logger.Warning("Range query at block %d failed: %v", head, err)
			metrics.LedgerQueries.WithLabelValues("error").Inc()
			continue
		}
		metrics.LedgerQueries.WithLabelValues("ok").Inc()

		for _, rec := range records {
			select {
			case updates <- sourcedRecord{source: "poll", rec: rec}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Service) consume(updates <-chan sourcedRecord) error {
	var applied uint64
	var lastBlock uint64

	for sr := range updates {
		if err := s.store.Apply(sr.rec); err != nil {
			return fmt.Errorf("apply %s update: %w", sr.source, err)
		}

		kind := "set"
		if sr.rec.Removed {
			kind = "remove"
		}
		metrics.UpdatesApplied.WithLabelValues(sr.source, kind).Inc()

		if sr.rec.BlockNumber > lastBlock {
			lastBlock = sr.rec.BlockNumber
			s.lastSynced.Store(lastBlock)
			metrics.LastSyncedBlock.Set(float64(lastBlock))
		}

		applied++
		if applied%1024 == 0 {
			if n, err := s.store.Len(); err == nil {
				metrics.MirrorEntries.Set(float64(n))
			}
			logger.Printf("mirror", "Applied %d updates, mirror at block %d", applied, lastBlock)
		}
	}

	if n, err := s.store.Len(); err == nil {
		metrics.MirrorEntries.Set(float64(n))
	}
	logger.Printf("mirror", "Update sequence ended after %d records at block %d", applied, lastBlock)
	return nil
}
