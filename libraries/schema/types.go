// Package schema resolves component schemas from the on-chain registry and
// compiles them into decode functions for raw component payloads.
package schema

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/world"
)

// FieldType codes match the registry's getSchema() type table.
type FieldType uint8

const (
	TypeUint8 FieldType = iota
	TypeUint16
	TypeUint32
	TypeUint64
	TypeUint128
	TypeUint256
	TypeInt32
	TypeBool
	TypeAddress
	TypeBytes
	TypeString
)

func (t FieldType) String() string {
	switch t {
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint32:
		return "uint32"
	case TypeUint64:
		return "uint64"
	case TypeUint128:
		return "uint128"
	case TypeUint256:
		return "uint256"
	case TypeInt32:
		return "int32"
	case TypeBool:
		return "bool"
	case TypeAddress:
		return "address"
	case TypeBytes:
		return "bytes"
	case TypeString:
		return "string"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// width returns the packed byte width, or -1 for variable-width types.
func (t FieldType) width() int {
	switch t {
	case TypeUint8, TypeBool:
		return 1
	case TypeUint16:
		return 2
	case TypeUint32, TypeInt32:
		return 4
	case TypeUint64:
		return 8
	case TypeUint128:
		return 16
	case TypeUint256:
		return 32
	case TypeAddress:
		return 20
	case TypeBytes, TypeString:
		return -1
	default:
		return 0
	}
}

type Field struct {
	Name string
	Type FieldType
}

// Schema is the ordered field list describing one component's packed binary
// layout. Fixed-width fields are big-endian at their type width; a variable
// width field consumes the remainder and is only valid in final position.
type Schema struct {
	Fields []Field
}

// DecodeFn turns one raw component payload into a decoded value.
type DecodeFn func(raw []byte) (world.ComponentValue, error)

// Compile validates the schema and builds its decode function.
func (s Schema) Compile() (DecodeFn, error) {
	for i, f := range s.Fields {
		w := f.Type.width()
		if w == 0 {
			return nil, fmt.Errorf("field %q has unknown type %s", f.Name, f.Type)
		}
		if w < 0 && i != len(s.Fields)-1 {
			return nil, fmt.Errorf("variable-width field %q must be last", f.Name)
		}
	}

	fields := s.Fields
	return func(raw []byte) (world.ComponentValue, error) {
		value := make(world.ComponentValue, len(fields))
		offset := 0

		for _, f := range fields {
			w := f.Type.width()
			if w < 0 {
				rest := raw[offset:]
				if f.Type == TypeString {
					value[f.Name] = string(rest)
				} else {
					value[f.Name] = hexutil.Encode(rest)
				}
				offset = len(raw)
				continue
			}

			if offset+w > len(raw) {
				return nil, fmt.Errorf("payload too short for field %q: need %d bytes at offset %d, have %d",
					f.Name, w, offset, len(raw))
			}
			chunk := raw[offset : offset+w]
			offset += w

			switch f.Type {
			case TypeBool:
				value[f.Name] = chunk[0] != 0
			case TypeUint8, TypeUint16, TypeUint32, TypeUint64:
				var v uint64
				for _, b := range chunk {
					v = v<<8 | uint64(b)
				}
				value[f.Name] = v
			case TypeInt32:
				v := uint32(chunk[0])<<24 | uint32(chunk[1])<<16 | uint32(chunk[2])<<8 | uint32(chunk[3])
				value[f.Name] = int64(int32(v))
			case TypeUint128, TypeUint256:
				value[f.Name] = new(big.Int).SetBytes(chunk)
			case TypeAddress:
				value[f.Name] = common.BytesToAddress(chunk).Hex()
			}
		}

		return value, nil
	}, nil
}
