// Package abiutil encodes calldata and decodes results, events and reverts with go-ethereum's abi
// package. Values entering and leaving the package are JSON-safe: integers as decimal strings or
// numbers, addresses and bytes as hex strings.
package abiutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrFunctionNotFound = errors.New("function not found in abi")
	ErrEventNotFound    = errors.New("event not found in abi")
	ErrArgumentCount    = errors.New("wrong number of arguments")
	ErrInvalidValue     = errors.New("invalid argument value")
)

// Parse reads a JSON ABI.
func Parse(raw json.RawMessage) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(string(raw)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse abi: %w", err)
	}

	return parsed, nil
}

// Method looks a function up by name or by full signature such as "transfer(address,uint256)".
func Method(contract abi.ABI, name string) (abi.Method, error) {
	if strings.Contains(name, "(") {
		for _, method := range contract.Methods {
			if method.Sig == name {
				return method, nil
			}
		}

		return abi.Method{}, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}

	method, ok := contract.Methods[name]
	if !ok {
		return abi.Method{}, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}

	return method, nil
}

// EncodeDeploy appends the encoded constructor arguments to bytecode.
func EncodeDeploy(contract abi.ABI, bytecode []byte, args []any) ([]byte, error) {
	coerced, err := Coerce(contract.Constructor.Inputs, args)
	if err != nil {
		return nil, fmt.Errorf("constructor: %w", err)
	}

	packed, err := contract.Constructor.Inputs.Pack(coerced...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode constructor arguments: %w", err)
	}

	return append(append([]byte{}, bytecode...), packed...), nil
}

// EncodeCall builds calldata for a function call.
func EncodeCall(contract abi.ABI, name string, args []any) ([]byte, error) {
	method, err := Method(contract, name)
	if err != nil {
		return nil, err
	}

	coerced, err := Coerce(method.Inputs, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method.Sig, err)
	}

	packed, err := method.Inputs.Pack(coerced...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", method.Sig, err)
	}

	return append(append([]byte{}, method.ID...), packed...), nil
}

// Coerce converts JSON-style values into the Go types the abi packer expects.
func Coerce(inputs abi.Arguments, values []any) ([]any, error) {
	if len(inputs) != len(values) {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrArgumentCount, len(inputs), len(values))
	}

	out := make([]any, len(values))
	for i, input := range inputs {
		v, err := coerce(input.Type, values[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, input.Name, err)
		}

		out[i] = v
	}

	return out, nil
}

func coerce(t abi.Type, value any) (any, error) {
	switch t.T {
	case abi.IntTy, abi.UintTy:
		return coerceInteger(t, value)
	case abi.BoolTy:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: expected bool, got %T", ErrInvalidValue, value)
		}

		return b, nil
	case abi.StringTy:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected string, got %T", ErrInvalidValue, value)
		}

		return s, nil
	case abi.AddressTy:
		return ToAddress(value)
	case abi.BytesTy:
		return toBytes(value)
	case abi.FixedBytesTy:
		raw, err := toBytes(value)
		if err != nil {
			return nil, err
		}

		if len(raw) != t.Size {
			return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidValue, t.Size, len(raw))
		}

		fixed := reflect.New(t.GetType()).Elem()
		reflect.Copy(fixed, reflect.ValueOf(raw))

		return fixed.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		return coerceList(t, value)
	case abi.TupleTy:
		return coerceTuple(t, value)
	default:
		return nil, fmt.Errorf("%w: unsupported abi type %s", ErrInvalidValue, t.String())
	}
}

func coerceInteger(t abi.Type, value any) (any, error) {
	n, err := ToBigInt(value)
	if err != nil {
		return nil, err
	}

	if t.T == abi.UintTy && n.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative value for %s", ErrInvalidValue, t.String())
	}

	bits := t.Size
	if t.T == abi.IntTy {
		bits--
	}

	if n.BitLen() > bits {
		return nil, fmt.Errorf("%w: %s overflows %s", ErrInvalidValue, n.String(), t.String())
	}

	typ := t.GetType()
	if typ == reflect.TypeOf(&big.Int{}) {
		return n, nil
	}

	if t.T == abi.UintTy {
		return reflect.ValueOf(n.Uint64()).Convert(typ).Interface(), nil
	}

	return reflect.ValueOf(n.Int64()).Convert(typ).Interface(), nil
}

func coerceList(t abi.Type, value any) (any, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected array, got %T", ErrInvalidValue, value)
	}

	if t.T == abi.ArrayTy && len(items) != t.Size {
		return nil, fmt.Errorf("%w: expected %d items, got %d", ErrInvalidValue, t.Size, len(items))
	}

	var list reflect.Value
	if t.T == abi.ArrayTy {
		list = reflect.New(t.GetType()).Elem()
	} else {
		list = reflect.MakeSlice(t.GetType(), len(items), len(items))
	}

	for i, item := range items {
		v, err := coerce(*t.Elem, item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}

		list.Index(i).Set(reflect.ValueOf(v))
	}

	return list.Interface(), nil
}

func coerceTuple(t abi.Type, value any) (any, error) {
	tuple := reflect.New(t.GetType()).Elem()

	for i, elem := range t.TupleElems {
		var raw any

		switch v := value.(type) {
		case []any:
			if len(v) != len(t.TupleElems) {
				return nil, fmt.Errorf("%w: expected %d tuple fields, got %d", ErrInvalidValue, len(t.TupleElems), len(v))
			}

			raw = v[i]
		case map[string]any:
			field, ok := v[t.TupleRawNames[i]]
			if !ok {
				return nil, fmt.Errorf("%w: missing tuple field %s", ErrInvalidValue, t.TupleRawNames[i])
			}

			raw = field
		default:
			return nil, fmt.Errorf("%w: expected tuple, got %T", ErrInvalidValue, value)
		}

		converted, err := coerce(*elem, raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", t.TupleRawNames[i], err)
		}

		tuple.Field(i).Set(reflect.ValueOf(converted))
	}

	return tuple.Interface(), nil
}

// ToBigInt accepts decimal or 0x-prefixed strings, integral JSON numbers and Go integers.
func ToBigInt(value any) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case string:
		n, ok := new(big.Int).SetString(v, 0)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, v)
		}

		return n, nil
	case json.Number:
		return ToBigInt(string(v))
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > 1<<53 {
			return nil, fmt.Errorf("%w: %v is not a safe integer, use a string", ErrInvalidValue, v)
		}

		return big.NewInt(int64(v)), nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("%w: expected integer, got %T", ErrInvalidValue, value)
	}
}

// ToAddress accepts a hex string or a common.Address.
func ToAddress(value any) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case string:
		if !common.IsHexAddress(v) {
			return common.Address{}, fmt.Errorf("%w: invalid address %q", ErrInvalidValue, v)
		}

		return common.HexToAddress(v), nil
	default:
		return common.Address{}, fmt.Errorf("%w: expected address, got %T", ErrInvalidValue, value)
	}
}

func toBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		raw, err := hexutil.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not 0x-prefixed hex: %v", ErrInvalidValue, v, err)
		}

		return raw, nil
	default:
		return nil, fmt.Errorf("%w: expected hex bytes, got %T", ErrInvalidValue, value)
	}
}
