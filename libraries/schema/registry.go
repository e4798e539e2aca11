package schema

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/world"
)

// ContractCaller is the eth_call surface of the ledger client.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const registryABI = `[
	{"name":"getComponent","type":"function","stateMutability":"view",
	 "inputs":[{"name":"id","type":"uint256"}],
	 "outputs":[{"name":"","type":"address"}]},
	{"name":"getSchema","type":"function","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"names","type":"string[]"},{"name":"types","type":"uint8[]"}]}
]`

// ContractRegistry reads component addresses from the world contract and
// schemas from the component contracts themselves.
type ContractRegistry struct {
	caller ContractCaller
	world  common.Address
	abi    abi.ABI
}

func NewContractRegistry(caller ContractCaller, worldAddr common.Address) (*ContractRegistry, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry ABI: %w", err)
	}
	return &ContractRegistry{
		caller: caller,
		world:  worldAddr,
		abi:    parsed,
	}, nil
}

func (r *ContractRegistry) ComponentAddress(ctx context.Context, component world.ComponentID) (common.Address, error) {
	data, err := r.abi.Pack("getComponent", new(big.Int).SetBytes(component[:]))
	if err != nil {
		return common.Address{}, fmt.Errorf("pack getComponent: %w", err)
	}

	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.world, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("call getComponent(%s): %w", component.Hex(), err)
	}

	results, err := r.abi.Unpack("getComponent", out)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack getComponent(%s): %w", component.Hex(), err)
	}
	addr, ok := results[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("getComponent(%s): unexpected result type %T", component.Hex(), results[0])
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("component %s not registered", component.Hex())
	}
	return addr, nil
}

func (r *ContractRegistry) ComponentSchema(ctx context.Context, componentAddr common.Address) (Schema, error) {
	data, err := r.abi.Pack("getSchema")
	if err != nil {
		return Schema{}, fmt.Errorf("pack getSchema: %w", err)
	}

	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &componentAddr, Data: data}, nil)
	if err != nil {
		return Schema{}, fmt.Errorf("call getSchema on %s: %w", componentAddr.Hex(), err)
	}

	results, err := r.abi.Unpack("getSchema", out)
	if err != nil {
		return Schema{}, fmt.Errorf("unpack getSchema on %s: %w", componentAddr.Hex(), err)
	}

	names, ok := results[0].([]string)
	if !ok {
		return Schema{}, fmt.Errorf("getSchema on %s: unexpected names type %T", componentAddr.Hex(), results[0])
	}
	types, ok := results[1].([]uint8)
	if !ok {
		return Schema{}, fmt.Errorf("getSchema on %s: unexpected types type %T", componentAddr.Hex(), results[1])
	}
	if len(names) != len(types) {
		return Schema{}, fmt.Errorf("getSchema on %s: %d names but %d types", componentAddr.Hex(), len(names), len(types))
	}

	s := Schema{Fields: make([]Field, len(names))}
	for i := range names {
		s.Fields[i] = Field{Name: names[i], Type: FieldType(types[i])}
	}
	return s, nil
}
