package snapshot

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/klauspost/compress/zstd"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/encoding"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/logger"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/mirror"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/schema"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/world"
)

type worldRequest struct {
	World string `json:"world"`
}

type latestBlockResponse struct {
	BlockNumber uint64 `json:"block_number"`
}

// statePayload is the wire shape of one snapshot (or snapshot chunk): rows
// reference the components/entities side tables by index so identifiers are
// not repeated per row.
type statePayload struct {
	State       []stateEntry `json:"state"`
	BlockNumber uint64       `json:"block_number"`
	Components  []string     `json:"components"`
	Entities    []string     `json:"entities"`
}

type stateEntry struct {
	ComponentIdx int    `json:"component_idx"`
	EntityIdx    int    `json:"entity_idx"`
	Value        string `json:"value"`
}

// stateRow is a payload row with identifiers resolved and the value
// hex-decoded, so nothing downstream dereferences indices again.
type stateRow struct {
	Component world.ComponentID
	Entity    world.EntityID
	Raw       []byte
}

// Result reports how an acquisition went. Degraded distinguishes "partial
// because something failed" from legitimately sparse remote state.
type Result struct {
	BlockNumber uint64
	Rows        int
	Chunks      int
	Degraded    bool
	Err         error
}

type Fetcher struct {
	client  *Client
	decoder *schema.Decoder
}

func NewFetcher(client *Client, decoder *schema.Decoder) *Fetcher {
	return &Fetcher{
		client:  client,
		decoder: decoder,
	}
}

// LatestBlockNumber returns the block the remote snapshot represents, or -1
// on any failure. It never returns an error.
func (f *Fetcher) LatestBlockNumber(ctx context.Context, worldAddr common.Address) int64 {
	var resp latestBlockResponse
	err := f.client.Post(ctx, "/v1/snapshot/get_latest_block", worldRequest{World: worldAddr.Hex()}, &resp)
	if err != nil {
		logger.Printf("snapshot", "get_latest_block failed: %v", err)
		return -1
	}
	return int64(resp.BlockNumber)
}

// FetchFull acquires the whole snapshot in one response and reduces it into
// a fresh mirror. Failures degrade to whatever was accumulated.
func (f *Fetcher) FetchFull(ctx context.Context, worldAddr common.Address) (*mirror.MemoryStore, Result) {
	store := mirror.NewMemoryStore()
	result := Result{}

	var payload statePayload
	err := f.client.Post(ctx, "/v1/snapshot/get_state_latest", worldRequest{World: worldAddr.Hex()}, &payload)
	if err != nil {
		logger.Warning("Snapshot fetch failed: %v", err)
		result.Degraded = true
		result.Err = err
		return store, result
	}

	result.BlockNumber = payload.BlockNumber
	rows, err := f.applyPayload(ctx, store, &payload)
	result.Rows += rows
	if err != nil {
		logger.Warning("Snapshot apply failed after %d rows: %v", result.Rows, err)
		result.Degraded = true
		result.Err = err
	}
	return store, result
}

// FetchChunked acquires the snapshot as a zstd-compressed stream of JSON
// chunks, reducing each chunk into the same growing mirror as it arrives.
// A mid-stream failure yields the partial mirror.
func (f *Fetcher) FetchChunked(ctx context.Context, worldAddr common.Address) (*mirror.MemoryStore, Result) {
	store := mirror.NewMemoryStore()
	result := Result{}

	body, err := f.client.Stream(ctx, "/v1/snapshot/get_state_chunked", worldRequest{World: worldAddr.Hex()})
	if err != nil {
		logger.Warning("Chunked snapshot request failed: %v", err)
		result.Degraded = true
		result.Err = err
		return store, result
	}
	defer body.Close()

	zr, err := zstd.NewReader(body)
	if err != nil {
		logger.Warning("Chunked snapshot stream not readable: %v", err)
		result.Degraded = true
		result.Err = err
		return store, result
	}
	defer zr.Close()

	// More distinguishes clean end-of-stream from a mid-stream failure; the
	// decoder itself does not surface a bare io.EOF between values.
	dec := encoding.JSONiter.NewDecoder(zr)
	chunks := 0
	for dec.More() {
		var payload statePayload
		if err := dec.Decode(&payload); err != nil {
			logger.Warning("Chunked snapshot failed after %d chunks: %v", chunks, err)
			result.Degraded = true
			result.Err = err
			return store, result
		}

		if payload.BlockNumber > result.BlockNumber {
			result.BlockNumber = payload.BlockNumber
		}

		rows, err := f.applyPayload(ctx, store, &payload)
		result.Rows += rows
		if err != nil {
			logger.Warning("Chunked snapshot apply failed after %d rows: %v", result.Rows, err)
			result.Degraded = true
			result.Err = err
			return store, result
		}
		chunks++
		result.Chunks = chunks
		logger.Printf("debug-snapshot", "Applied chunk %d (%d rows)", chunks, rows)
	}

	return store, result
}

// resolveRows dereferences the side tables once at ingestion.
func resolveRows(payload *statePayload) ([]stateRow, error) {
	rows := make([]stateRow, 0, len(payload.State))
	for i, entry := range payload.State {
		if entry.ComponentIdx < 0 || entry.ComponentIdx >= len(payload.Components) {
			return nil, fmt.Errorf("row %d: component index %d out of range (%d components)",
				i, entry.ComponentIdx, len(payload.Components))
		}
		if entry.EntityIdx < 0 || entry.EntityIdx >= len(payload.Entities) {
			return nil, fmt.Errorf("row %d: entity index %d out of range (%d entities)",
				i, entry.EntityIdx, len(payload.Entities))
		}
		raw, err := hexutil.Decode(entry.Value)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid value hex: %w", i, err)
		}
		rows = append(rows, stateRow{
			Component: world.IDFromHex(payload.Components[entry.ComponentIdx]),
			Entity:    world.IDFromHex(payload.Entities[entry.EntityIdx]),
			Raw:       raw,
		})
	}
	return rows, nil
}

func (f *Fetcher) applyPayload(ctx context.Context, store mirror.Store, payload *statePayload) (int, error) {
	rows, err := resolveRows(payload)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, row := range rows {
		value, err := f.decoder.Decode(ctx, row.Component, row.Raw)
		if err != nil {
			return applied, fmt.Errorf("decode %s: %w", row.Component.Hex(), err)
		}
		rec := world.UpdateRecord{
			Component:   row.Component,
			Entity:      row.Entity,
			Value:       value,
			BlockNumber: payload.BlockNumber,
		}
		if err := store.Apply(rec); err != nil {
			return applied, fmt.Errorf("apply %s/%s: %w", row.Component.Hex(), row.Entity.Hex(), err)
		}
		applied++
	}
	return applied, nil
}
