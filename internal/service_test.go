package internal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/klauspost/compress/zstd"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/encoding"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/ledger"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/mirror"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/schema"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/snapshot"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/world"
)

var (
	testComponent = world.IDFromHex("0x01")
	testEmitter   = common.HexToAddress("0x1111")

	testBytesArgs = func() abi.Arguments {
		typ, err := abi.NewType("bytes", "", nil)
		if err != nil {
			panic(err)
		}
		return abi.Arguments{{Type: typ}}
	}()
)

// fakeHeads serves a scripted sequence of head observations, repeating the
// last one once the script runs out.
type fakeHeads struct {
	mu    sync.Mutex
	heads []uint64
	idx   int
}

func (f *fakeHeads) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	head := f.heads[f.idx]
	if f.idx < len(f.heads)-1 {
		f.idx++
	}
	return head, nil
}

type fakeRegistry struct{}

func (fakeRegistry) ComponentAddress(ctx context.Context, component world.ComponentID) (common.Address, error) {
	return testEmitter, nil
}

func (fakeRegistry) ComponentSchema(ctx context.Context, addr common.Address) (schema.Schema, error) {
	return schema.Schema{Fields: []schema.Field{{Name: "hp", Type: schema.TypeUint16}}}, nil
}

// scriptedQuerier serves canned logs per queried range and signals once the
// poll loop has completed a full query cycle.
type scriptedQuerier struct {
	mu      sync.Mutex
	queries [][2]uint64
	logs    map[[2]uint64][]types.Log

	pollCycled chan struct{}
	pollSeen   int
}

func (q *scriptedQuerier) FilterLogs(ctx context.Context, fq ethereum.FilterQuery) ([]types.Log, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := [2]uint64{fq.FromBlock.Uint64(), fq.ToBlock.Uint64()}
	q.queries = append(q.queries, key)
	if key[0] == key[1] {
		q.pollSeen++
		// The second single-block query means the first poll's records
		// were already handed to the consumer.
		if q.pollSeen == 2 {
			close(q.pollCycled)
		}
	}
	return q.logs[key], nil
}

func setLog(entity string, block uint64, tx byte, payload []byte) types.Log {
	packed, err := testBytesArgs.Pack(payload)
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address:     testEmitter,
		Topics:      []common.Hash{ledger.TopicComponentValueSet, testComponent, world.IDFromHex(entity)},
		Data:        packed,
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{tx}),
	}
}

func removeLog(entity string, block uint64, tx byte) types.Log {
	return types.Log{
		Address:     testEmitter,
		Topics:      []common.Hash{ledger.TopicComponentValueRemoved, testComponent, world.IDFromHex(entity)},
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{tx}),
	}
}

func TestServiceBackfillThenPoll(t *testing.T) {
	querier := &scriptedQuerier{
		pollCycled: make(chan struct{}),
		logs: map[[2]uint64][]types.Log{
			// Backfill range: an old value for 0xa1, a fresh entry for 0xa3,
			// and a removal that never matched anything.
			{1, 3}: {
				setLog("0xa1", 2, 'A', []byte{0x00, 0x07}),
				setLog("0xa3", 2, 'A', []byte{0x00, 0x05}),
				removeLog("0xa2", 3, 'B'),
			},
			// The head moved from 3 to 5 while backfill ran; the first poll
			// query spans the gap and overwrites 0xa1.
			{4, 5}: {
				setLog("0xa1", 5, 'C', []byte{0x00, 0x09}),
			},
		},
	}

	cfg := &Config{
		World:        "0x2222",
		StartBlock:   1,
		ChunkSize:    10,
		PollInterval: "5ms",
	}
	store := mirror.NewMemoryStore()
	decoder := schema.NewDecoder(fakeRegistry{})
	fetcher := ledger.NewFetcher(querier, decoder, ledger.FetcherConfig{})
	service := NewService(cfg, store, fetcher, &fakeHeads{heads: []uint64{3, 5}})

	runServiceUntilPollCycle(t, service, querier)

	// Backfill covered [start-block, 3] in one chunk; the first poll query
	// picked up from there even though the head had already reached 5, and
	// later polls collapsed to the head block.
	if querier.queries[0] != [2]uint64{1, 3} {
		t.Errorf("first query = %v, want [1,3]", querier.queries[0])
	}
	if querier.queries[1] != [2]uint64{4, 5} {
		t.Errorf("second query = %v, want [4,5]", querier.queries[1])
	}
	if querier.queries[2] != [2]uint64{5, 5} {
		t.Errorf("third query = %v, want [5,5]", querier.queries[2])
	}

	// The live value won over the backfilled one.
	value, ok, err := store.Get(testComponent, world.IDFromHex("0xa1"))
	if err != nil || !ok {
		t.Fatalf("0xa1 missing: ok=%v err=%v", ok, err)
	}
	if value["hp"] != uint64(9) {
		t.Errorf("0xa1 hp = %v, want 9", value["hp"])
	}

	value, ok, err = store.Get(testComponent, world.IDFromHex("0xa3"))
	if err != nil || !ok {
		t.Fatalf("0xa3 missing: ok=%v err=%v", ok, err)
	}
	if value["hp"] != uint64(5) {
		t.Errorf("0xa3 hp = %v, want 5", value["hp"])
	}

	if _, ok, _ := store.Get(testComponent, world.IDFromHex("0xa2")); ok {
		t.Error("0xa2 present despite removal")
	}
}

// snapshotStateJSON encodes a snapshot payload mapping each entity to a
// two-byte hp value for testComponent.
func snapshotStateJSON(t *testing.T, block uint64, values map[string]string) []byte {
	t.Helper()

	entities := make([]string, 0, len(values))
	state := make([]map[string]any, 0, len(values))
	for entity, value := range values {
		state = append(state, map[string]any{
			"component_idx": 0,
			"entity_idx":    len(entities),
			"value":         value,
		})
		entities = append(entities, world.IDFromHex(entity).Hex())
	}

	data, err := encoding.JSONiter.Marshal(map[string]any{
		"block_number": block,
		"components":   []string{testComponent.Hex()},
		"entities":     entities,
		"state":        state,
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func runServiceUntilPollCycle(t *testing.T, service *Service, querier *scriptedQuerier) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()

	select {
	case <-querier.pollCycled:
	case <-time.After(5 * time.Second):
		t.Fatal("poll loop never completed a cycle")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestServiceBackfillRemovesSnapshotEntries(t *testing.T) {
	stateJSON := snapshotStateJSON(t, 5, map[string]string{"0xa1": "0x0064", "0xa2": "0x00c8"})

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/snapshot/get_latest_block", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"block_number":5}`))
	})
	mux.HandleFunc("/v1/snapshot/get_state_latest", func(w http.ResponseWriter, r *http.Request) {
		w.Write(stateJSON)
	})
	// No chunked endpoint: the chunked attempt fails and the service falls
	// back to the full fetch.
	server := httptest.NewServer(mux)
	defer server.Close()

	querier := &scriptedQuerier{
		pollCycled: make(chan struct{}),
		logs: map[[2]uint64][]types.Log{
			// The backfill range removes a key the snapshot set.
			{6, 10}: {
				removeLog("0xa1", 7, 'A'),
				setLog("0xa3", 8, 'B', []byte{0x00, 0x05}),
			},
		},
	}

	cfg := &Config{
		World:        "0x2222",
		StartBlock:   1,
		ChunkSize:    10,
		PollInterval: "5ms",
	}
	store := mirror.NewMemoryStore()
	decoder := schema.NewDecoder(fakeRegistry{})
	fetcher := ledger.NewFetcher(querier, decoder, ledger.FetcherConfig{})
	service := NewService(cfg, store, fetcher, &fakeHeads{heads: []uint64{10}}).
		WithSnapshots(snapshot.NewFetcher(snapshot.NewClient(server.URL, 5*time.Second), decoder))

	runServiceUntilPollCycle(t, service, querier)

	// Backfill picked up right after the snapshot block.
	if querier.queries[0] != [2]uint64{6, 10} {
		t.Errorf("first query = %v, want [6,10]", querier.queries[0])
	}

	// The snapshot entry removed during the backfilled range is gone from
	// the mirror, not just from the range's own records.
	if _, ok, _ := store.Get(testComponent, world.IDFromHex("0xa1")); ok {
		t.Error("0xa1 present despite removal at block 7")
	}

	value, ok, err := store.Get(testComponent, world.IDFromHex("0xa2"))
	if err != nil || !ok {
		t.Fatalf("snapshot entry 0xa2 missing: ok=%v err=%v", ok, err)
	}
	if value["hp"] != uint64(200) {
		t.Errorf("0xa2 hp = %v, want 200", value["hp"])
	}

	value, ok, err = store.Get(testComponent, world.IDFromHex("0xa3"))
	if err != nil || !ok {
		t.Fatalf("backfilled entry 0xa3 missing: ok=%v err=%v", ok, err)
	}
	if value["hp"] != uint64(5) {
		t.Errorf("0xa3 hp = %v, want 5", value["hp"])
	}
}

func TestServiceDiscardsDegradedSnapshot(t *testing.T) {
	chunkJSON := snapshotStateJSON(t, 5, map[string]string{"0xa1": "0x0064"})

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/snapshot/get_latest_block", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"block_number":5}`))
	})
	mux.HandleFunc("/v1/snapshot/get_state_chunked", func(w http.ResponseWriter, r *http.Request) {
		// One readable chunk, then garbage: a degraded result with rows.
		zw, err := zstd.NewWriter(w)
		if err != nil {
			t.Error(err)
			return
		}
		zw.Write(chunkJSON)
		zw.Write([]byte("{truncated"))
		zw.Close()
	})
	mux.HandleFunc("/v1/snapshot/get_state_latest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	querier := &scriptedQuerier{
		pollCycled: make(chan struct{}),
		logs: map[[2]uint64][]types.Log{
			{1, 10}: {
				setLog("0xa3", 2, 'A', []byte{0x00, 0x05}),
			},
		},
	}

	cfg := &Config{
		World:        "0x2222",
		StartBlock:   1,
		ChunkSize:    10,
		PollInterval: "5ms",
	}
	store := mirror.NewMemoryStore()
	decoder := schema.NewDecoder(fakeRegistry{})
	fetcher := ledger.NewFetcher(querier, decoder, ledger.FetcherConfig{})
	service := NewService(cfg, store, fetcher, &fakeHeads{heads: []uint64{10}}).
		WithSnapshots(snapshot.NewFetcher(snapshot.NewClient(server.URL, 5*time.Second), decoder))

	runServiceUntilPollCycle(t, service, querier)

	// The partial snapshot was not trusted as a baseline: backfill restarted
	// from the start block rather than from the snapshot block.
	if querier.queries[0] != [2]uint64{1, 10} {
		t.Errorf("first query = %v, want [1,10]", querier.queries[0])
	}

	// Rows from the unread remainder can never be recovered, so the rows the
	// degraded fetch did read must not surface either.
	if _, ok, _ := store.Get(testComponent, world.IDFromHex("0xa1")); ok {
		t.Error("degraded snapshot row applied to the mirror")
	}
	if _, ok, _ := store.Get(testComponent, world.IDFromHex("0xa3")); !ok {
		t.Error("backfilled entry 0xa3 missing")
	}
}

func TestServiceHonorsStartBlockWithoutSnapshot(t *testing.T) {
	querier := &scriptedQuerier{
		pollCycled: make(chan struct{}),
		logs:       map[[2]uint64][]types.Log{},
	}
	cfg := &Config{
		World:        "0x2222",
		StartBlock:   90,
		ChunkSize:    5,
		PollInterval: "5ms",
	}
	store := mirror.NewMemoryStore()
	decoder := schema.NewDecoder(fakeRegistry{})
	fetcher := ledger.NewFetcher(querier, decoder, ledger.FetcherConfig{})
	service := NewService(cfg, store, fetcher, &fakeHeads{heads: []uint64{101}})

	runServiceUntilPollCycle(t, service, querier)

	want := [][2]uint64{{90, 94}, {95, 99}, {100, 101}, {101, 101}}
	if len(querier.queries) < len(want) {
		t.Fatalf("queried %d ranges, want at least %d: %v", len(querier.queries), len(want), querier.queries)
	}
	for i, r := range want {
		if querier.queries[i] != r {
			t.Errorf("query %d = %v, want %v", i, querier.queries[i], r)
		}
	}
}
