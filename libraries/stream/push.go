// Package stream produces the live ordered update sequence, either from a
// server-pushed websocket feed of per-block event bundles or by polling the
// ledger as new blocks are observed.
package stream

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/logger"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/schema"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/world"
)

type subscribeMessage struct {
	Type  string `json:"type"`
	World string `json:"world"`
}

type bundleEvent struct {
	Component string  `json:"component"`
	Entity    string  `json:"entity"`
	Address   string  `json:"address,omitempty"`
	Value     *string `json:"value,omitempty"`
	Tx        string  `json:"tx"`
}

type blockBundleMessage struct {
	Type        string        `json:"type"`
	BlockNumber uint64        `json:"block_number"`
	Events      []bundleEvent `json:"events"`
}

type PushConfig struct {
	URL   string
	World common.Address
}

// PushAdapter subscribes to the server-streamed feed of per-block bundles.
// One subscription produces one lazy, ordered, non-restartable sequence: a
// bundle is fully decoded before its records are released and before the
// next bundle is read, so throughput is throttled to decode latency and
// per-block ordering holds by construction.
type PushAdapter struct {
	config  PushConfig
	decoder *schema.Decoder
	lastErr atomic.Pointer[error]
}

func NewPushAdapter(decoder *schema.Decoder, config PushConfig) *PushAdapter {
	return &PushAdapter{
		config:  config,
		decoder: decoder,
	}
}

// Subscribe dials the feed and returns the record channel. The channel
// closes when ctx is cancelled or the stream fails; cancellation tears down
// the subscription, letting an in-flight bundle decode finish first. Err
// reports why the sequence ended.
func (a *PushAdapter) Subscribe(ctx context.Context) (<-chan world.UpdateRecord, error) {
	conn, _, err := websocket.Dial(ctx, a.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial stream %s: %w", a.config.URL, err)
	}

	sub := subscribeMessage{Type: "subscribe", World: a.config.World.Hex()}
	if err := wsjson.Write(ctx, conn, sub); err != nil {
		conn.Close(websocket.StatusProtocolError, "subscribe failed")
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan world.UpdateRecord)
	go a.recvLoop(ctx, conn, out)
	return out, nil
}

// Err returns the error that ended the sequence, if any.
func (a *PushAdapter) Err() error {
	if p := a.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (a *PushAdapter) fail(err error) {
	a.lastErr.Store(&err)
}

func (a *PushAdapter) recvLoop(ctx context.Context, conn *websocket.Conn, out chan<- world.UpdateRecord) {
	// The channel close is the teardown signal consumers block on, so it must
	// not wait behind the connection teardown. A graceful close handshake
	// also cannot complete against a peer we stopped reading from, so the
	// cancellation path drops the connection instead.
	defer func() {
		if ctx.Err() != nil {
			conn.CloseNow()
			return
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	}()
	defer close(out)

	for {
		var bundle blockBundleMessage
		if err := wsjson.Read(ctx, conn, &bundle); err != nil {
			if ctx.Err() == nil {
				logger.Printf("stream", "Stream read ended: %v", err)
				a.fail(err)
			}
			return
		}
		if bundle.Type != "block" {
			continue
		}

		records, err := a.decodeBundle(ctx, &bundle)
		if err != nil {
			logger.Warning("Stream bundle at block %d: %v", bundle.BlockNumber, err)
			a.fail(err)
			return
		}

		for _, rec := range records {
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}
}

// decodeBundle turns one block's ordered event list into records. The final
// event of a bundle ends its transaction: absence of a next event is treated
// as a transaction boundary.
func (a *PushAdapter) decodeBundle(ctx context.Context, bundle *blockBundleMessage) ([]world.UpdateRecord, error) {
	records := make([]world.UpdateRecord, 0, len(bundle.Events))
	for i, ev := range bundle.Events {
		rec := world.UpdateRecord{
			Component:   world.IDFromHex(ev.Component),
			Entity:      world.IDFromHex(ev.Entity),
			BlockNumber: bundle.BlockNumber,
			TxHash:      common.HexToHash(ev.Tx),
			LastInTx:    i == len(bundle.Events)-1 || bundle.Events[i+1].Tx != ev.Tx,
		}

		if ev.Value == nil {
			rec.Removed = true
			records = append(records, rec)
			continue
		}

		raw, err := hexutil.Decode(*ev.Value)
		if err != nil {
			return nil, fmt.Errorf("event %d: invalid value hex: %w", i, err)
		}

		var value world.ComponentValue
		if ev.Address != "" {
			value, err = a.decoder.DecodeAt(ctx, rec.Component, common.HexToAddress(ev.Address), raw)
		} else {
			value, err = a.decoder.Decode(ctx, rec.Component, raw)
		}
		if err != nil {
			return nil, fmt.Errorf("event %d: decode %s: %w", i, rec.Component.Hex(), err)
		}
		rec.Value = value
		records = append(records, rec)
	}
	return records, nil
}
