// Package ledger queries the chain's event log for component state changes
// and turns matched entries into normalized update records.
package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/time/rate"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/enforce"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/schema"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/world"
)

// The two event categories scanned for. Component contracts emit both, with
// the component and entity identifiers as indexed topics; set events carry
// the raw payload as an ABI-encoded bytes argument.
var (
	TopicComponentValueSet     = crypto.Keccak256Hash([]byte("ComponentValueSet(uint256,uint256,bytes)"))
	TopicComponentValueRemoved = crypto.Keccak256Hash([]byte("ComponentValueRemoved(uint256,uint256)"))
)

var setDataArgs abi.Arguments

func init() {
	bytesType, err := abi.NewType("bytes", "", nil)
	enforce.ENFORCE(err, "bytes ABI type must parse")
	setDataArgs = abi.Arguments{{Name: "data", Type: bytesType}}
}

// Querier is the log query surface of the ledger client. A range query with
// several topic alternatives is one batched call; ethclient satisfies this.
type Querier interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type FetcherConfig struct {
	// Addresses restricts queries to the known emitting component contracts.
	Addresses []common.Address
	// Retry bounds query retries; zero Timeout disables retrying.
	Retry RetryConfig
	// RateLimit gates query starts when set.
	RateLimit *rate.Limiter
}

type Fetcher struct {
	querier Querier
	decoder *schema.Decoder
	config  FetcherConfig
}

func NewFetcher(querier Querier, decoder *schema.Decoder, config FetcherConfig) *Fetcher {
	return &Fetcher{
		querier: querier,
		decoder: decoder,
		config:  config,
	}
}

// Fetch queries the inclusive block range for value-set and value-removed
// events as a single batched call and returns decoded records in log order.
// Each record carries its log's own block number.
func (f *Fetcher) Fetch(ctx context.Context, from, to uint64) ([]world.UpdateRecord, error) {
	if f.config.RateLimit != nil {
		if err := f.config.RateLimit.Wait(ctx); err != nil {
			return nil, err
		}
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: f.config.Addresses,
		Topics: [][]common.Hash{
			{TopicComponentValueSet, TopicComponentValueRemoved},
		},
	}

	var logs []types.Log
	run := func() error {
		var err error
		logs, err = f.querier.FilterLogs(ctx, query)
		return err
	}

	var err error
	if f.config.Retry.Timeout > 0 {
		err = RetryWithBackoff(f.config.Retry, fmt.Sprintf("log query [%d,%d]", from, to), run)
	} else {
		err = run()
	}
	if err != nil {
		return nil, fmt.Errorf("query logs [%d,%d]: %w", from, to, err)
	}

	records := make([]world.UpdateRecord, 0, len(logs))
	for i, lg := range logs {
		if len(lg.Topics) < 3 {
			return nil, fmt.Errorf("log %s at block %d: expected 3 topics, got %d",
				lg.TxHash.Hex(), lg.BlockNumber, len(lg.Topics))
		}

		rec := world.UpdateRecord{
			Component:   lg.Topics[1],
			Entity:      lg.Topics[2],
			BlockNumber: lg.BlockNumber,
			TxHash:      lg.TxHash,
			LastInTx:    i == len(logs)-1 || logs[i+1].TxHash != lg.TxHash,
		}

		switch lg.Topics[0] {
		case TopicComponentValueRemoved:
			rec.Removed = true

		case TopicComponentValueSet:
			payload, err := unpackSetData(lg.Data)
			if err != nil {
				return nil, fmt.Errorf("log %s at block %d: %w", lg.TxHash.Hex(), lg.BlockNumber, err)
			}
			// The emitting address is the component contract itself, so
			// the registry address lookup is skipped.
			value, err := f.decoder.DecodeAt(ctx, rec.Component, lg.Address, payload)
			if err != nil {
				return nil, fmt.Errorf("decode %s at block %d: %w", rec.Component.Hex(), lg.BlockNumber, err)
			}
			rec.Value = value

		default:
			return nil, fmt.Errorf("log %s at block %d: unexpected topic %s",
				lg.TxHash.Hex(), lg.BlockNumber, lg.Topics[0].Hex())
		}

		records = append(records, rec)
	}

	return records, nil
}

func unpackSetData(data []byte) ([]byte, error) {
	values, err := setDataArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack event data: %w", err)
	}
	payload, ok := values[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("unpack event data: unexpected type %T", values[0])
	}
	return payload, nil
}
