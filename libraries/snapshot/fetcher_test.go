package snapshot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/klauspost/compress/zstd"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/encoding"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/schema"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/world"
)

var testWorld = common.HexToAddress("0xabc0")

type fakeRegistry struct {
	addrs   map[world.ComponentID]common.Address
	schemas map[common.Address]schema.Schema
}

func (f *fakeRegistry) ComponentAddress(ctx context.Context, component world.ComponentID) (common.Address, error) {
	return f.addrs[component], nil
}

func (f *fakeRegistry) ComponentSchema(ctx context.Context, addr common.Address) (schema.Schema, error) {
	return f.schemas[addr], nil
}

func newTestDecoder() *schema.Decoder {
	health := world.IDFromHex("0x01")
	name := world.IDFromHex("0x02")
	healthAddr := common.HexToAddress("0x1111")
	nameAddr := common.HexToAddress("0x2222")

	return schema.NewDecoder(&fakeRegistry{
		addrs: map[world.ComponentID]common.Address{
			health: healthAddr,
			name:   nameAddr,
		},
		schemas: map[common.Address]schema.Schema{
			healthAddr: {Fields: []schema.Field{{Name: "hp", Type: schema.TypeUint16}}},
			nameAddr:   {Fields: []schema.Field{{Name: "value", Type: schema.TypeString}}},
		},
	})
}

func testPayload(block uint64) statePayload {
	return statePayload{
		BlockNumber: block,
		Components: []string{
			world.IDFromHex("0x01").Hex(),
			world.IDFromHex("0x02").Hex(),
		},
		Entities: []string{
			world.IDFromHex("0xa1").Hex(),
			world.IDFromHex("0xa2").Hex(),
		},
		State: []stateEntry{
			{ComponentIdx: 0, EntityIdx: 0, Value: "0x0064"},         // hp=100
			{ComponentIdx: 0, EntityIdx: 1, Value: "0x00c8"},         // hp=200
			{ComponentIdx: 1, EntityIdx: 0, Value: "0x746f726368"},   // "torch"
		},
	}
}

func TestLatestBlockNumber(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/snapshot/get_latest_block" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		encoding.JSONiter.NewEncoder(w).Encode(latestBlockResponse{BlockNumber: 1234})
	}))
	defer server.Close()

	f := NewFetcher(NewClient(server.URL, 5*time.Second), newTestDecoder())
	if got := f.LatestBlockNumber(context.Background(), testWorld); got != 1234 {
		t.Errorf("LatestBlockNumber = %d, want 1234", got)
	}
}

func TestLatestBlockNumberFailingTransport(t *testing.T) {
	f := NewFetcher(NewClient("http://127.0.0.1:1", 100*time.Millisecond), newTestDecoder())
	if got := f.LatestBlockNumber(context.Background(), testWorld); got != -1 {
		t.Errorf("LatestBlockNumber = %d, want -1", got)
	}
}

func TestFetchFull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding.JSONiter.NewEncoder(w).Encode(testPayload(500))
	}))
	defer server.Close()

	f := NewFetcher(NewClient(server.URL, 5*time.Second), newTestDecoder())
	store, result := f.FetchFull(context.Background(), testWorld)

	if result.Degraded {
		t.Fatalf("unexpected degraded result: %v", result.Err)
	}
	if result.BlockNumber != 500 {
		t.Errorf("BlockNumber = %d, want 500", result.BlockNumber)
	}
	if result.Rows != 3 {
		t.Errorf("Rows = %d, want 3", result.Rows)
	}

	value, ok, _ := store.Get(world.IDFromHex("0x01"), world.IDFromHex("0xa2"))
	if !ok || value["hp"] != uint64(200) {
		t.Errorf("hp component for 0xa2 = %v (present=%v), want 200", value, ok)
	}
	value, ok, _ = store.Get(world.IDFromHex("0x02"), world.IDFromHex("0xa1"))
	if !ok || value["value"] != "torch" {
		t.Errorf("name component for 0xa1 = %v (present=%v), want torch", value, ok)
	}
}

func TestFetchFullDegradedOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := NewFetcher(NewClient(server.URL, 5*time.Second), newTestDecoder())
	store, result := f.FetchFull(context.Background(), testWorld)

	if !result.Degraded {
		t.Error("expected degraded result")
	}
	if result.Err == nil {
		t.Error("expected error recorded")
	}
	if n, _ := store.Len(); n != 0 {
		t.Errorf("expected empty store, got %d entries", n)
	}
}

func writeChunks(t *testing.T, w http.ResponseWriter, chunks []statePayload, trailer []byte) {
	t.Helper()
	zw, err := zstd.NewWriter(w)
	if err != nil {
		t.Fatal(err)
	}
	for _, chunk := range chunks {
		raw, err := encoding.JSONiter.Marshal(chunk)
		if err != nil {
			t.Fatal(err)
		}
		zw.Write(raw)
		zw.Write([]byte("\n"))
	}
	if trailer != nil {
		zw.Write(trailer)
	}
	zw.Close()
}

func TestFetchChunked(t *testing.T) {
	chunk1 := statePayload{
		BlockNumber: 500,
		Components:  []string{world.IDFromHex("0x01").Hex()},
		Entities:    []string{world.IDFromHex("0xa1").Hex()},
		State:       []stateEntry{{ComponentIdx: 0, EntityIdx: 0, Value: "0x0064"}},
	}
	chunk2 := statePayload{
		BlockNumber: 500,
		Components:  []string{world.IDFromHex("0x01").Hex()},
		Entities:    []string{world.IDFromHex("0xa2").Hex()},
		State:       []stateEntry{{ComponentIdx: 0, EntityIdx: 0, Value: "0x00c8"}},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(t, w, []statePayload{chunk1, chunk2}, nil)
	}))
	defer server.Close()

	f := NewFetcher(NewClient(server.URL, 5*time.Second), newTestDecoder())
	store, result := f.FetchChunked(context.Background(), testWorld)

	if result.Degraded {
		t.Fatalf("unexpected degraded result: %v", result.Err)
	}
	if result.Rows != 2 {
		t.Errorf("Rows = %d, want 2", result.Rows)
	}
	if n, _ := store.Len(); n != 2 {
		t.Errorf("store has %d entries, want 2", n)
	}
}

func TestFetchChunkedMidStreamFailure(t *testing.T) {
	chunk1 := statePayload{
		BlockNumber: 500,
		Components:  []string{world.IDFromHex("0x01").Hex()},
		Entities:    []string{world.IDFromHex("0xa1").Hex()},
		State:       []stateEntry{{ComponentIdx: 0, EntityIdx: 0, Value: "0x0064"}},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(t, w, []statePayload{chunk1}, []byte("{not json"))
	}))
	defer server.Close()

	f := NewFetcher(NewClient(server.URL, 5*time.Second), newTestDecoder())
	store, result := f.FetchChunked(context.Background(), testWorld)

	if !result.Degraded {
		t.Error("expected degraded result after truncated stream")
	}
	// The chunk before the failure is kept.
	if n, _ := store.Len(); n != 1 {
		t.Errorf("store has %d entries, want 1", n)
	}
}

func TestCircuitBreakerFailsFast(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	for i := 0; i < 5; i++ {
		client.Post(context.Background(), "/v1/snapshot/get_latest_block", worldRequest{}, nil)
	}

	// Breaker opens after 3 consecutive failures; later calls never reach
	// the server.
	if hits != 3 {
		t.Errorf("server hit %d times, want 3", hits)
	}
}

func TestResolveRowsIndexOutOfRange(t *testing.T) {
	payload := statePayload{
		Components: []string{world.IDFromHex("0x01").Hex()},
		Entities:   []string{world.IDFromHex("0xa1").Hex()},
		State:      []stateEntry{{ComponentIdx: 3, EntityIdx: 0, Value: "0x00"}},
	}
	if _, err := resolveRows(&payload); err == nil {
		t.Fatal("expected error for out-of-range component index")
	}
}
