package abiutil

import (
	"fmt"
	"math/big"
	"reflect"
	"strconv"

	"github.com/dukex/keel/pkg/models"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DecodeOutput decodes the return data of name and selects one output by name or index. An empty
// selector picks the first output.
func DecodeOutput(contract abi.ABI, name string, data []byte, nameOrIndex string) (any, error) {
	method, err := Method(contract, name)
	if err != nil {
		return nil, err
	}

	values, err := method.Outputs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method.Sig, err)
	}

	index, err := argumentIndex(method.Outputs, nameOrIndex)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method.Sig, err)
	}

	if index >= len(values) {
		return nil, fmt.Errorf("%w: %s returned %d values", ErrInvalidValue, method.Sig, len(values))
	}

	return JSONSafe(values[index]), nil
}

// DecodeEventArgument finds the eventIndex-th eventName log, optionally restricted to logs emitted
// by emitter, and returns the selected argument.
func DecodeEventArgument(
	contract abi.ABI,
	eventName string,
	logs []models.Log,
	emitter *common.Address,
	eventIndex int,
	nameOrIndex string,
) (any, error) {
	event, ok := contract.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventName)
	}

	seen := 0
	for _, log := range logs {
		if len(log.Topics) == 0 || log.Topics[0] != event.ID {
			continue
		}

		if emitter != nil && log.Address != *emitter {
			continue
		}

		if seen < eventIndex {
			seen++

			continue
		}

		values := map[string]any{}
		if len(log.Data) > 0 {
			if err := event.Inputs.UnpackIntoMap(values, log.Data); err != nil {
				return nil, fmt.Errorf("failed to decode %s data: %w", eventName, err)
			}
		}

		var indexed abi.Arguments
		for _, input := range event.Inputs {
			if input.Indexed {
				indexed = append(indexed, input)
			}
		}

		if err := abi.ParseTopicsIntoMap(values, indexed, log.Topics[1:]); err != nil {
			return nil, fmt.Errorf("failed to decode %s topics: %w", eventName, err)
		}

		index, err := argumentIndex(event.Inputs, nameOrIndex)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", eventName, err)
		}

		value, ok := values[event.Inputs[index].Name]
		if !ok {
			return nil, fmt.Errorf("%w: event %s has no decodable argument %d", ErrInvalidValue, eventName, index)
		}

		return JSONSafe(value), nil
	}

	return nil, fmt.Errorf("%w: event %s #%d not found in %d logs", ErrEventNotFound, eventName, eventIndex, len(logs))
}

func argumentIndex(args abi.Arguments, nameOrIndex string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%w: no outputs", ErrInvalidValue)
	}

	if nameOrIndex == "" {
		return 0, nil
	}

	if i, err := strconv.Atoi(nameOrIndex); err == nil {
		if i < 0 || i >= len(args) {
			return 0, fmt.Errorf("%w: index %d out of range", ErrInvalidValue, i)
		}

		return i, nil
	}

	for i, arg := range args {
		if arg.Name == nameOrIndex {
			return i, nil
		}
	}

	return 0, fmt.Errorf("%w: no argument named %s", ErrInvalidValue, nameOrIndex)
}

// JSONSafe converts abi-decoded values into strings, bools, slices and maps.
func JSONSafe(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case *big.Int:
		return v.String()
	case common.Address:
		return v.Hex()
	case common.Hash:
		return v.Hex()
	case []byte:
		return hexutil.Encode(v)
	case string, bool:
		return v
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			raw := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(raw), rv)

			return hexutil.Encode(raw)
		}

		fallthrough
	case reflect.Slice:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = JSONSafe(rv.Index(i).Interface())
		}

		return out
	case reflect.Struct:
		out := make(map[string]any, rv.NumField())
		for i := 0; i < rv.NumField(); i++ {
			field := rv.Type().Field(i)
			if !field.IsExported() {
				continue
			}

			name := field.Name
			if tag := field.Tag.Get("json"); tag != "" && tag != "-" {
				name = tag
			}

			out[name] = JSONSafe(rv.Field(i).Interface())
		}

		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}

		return JSONSafe(rv.Elem().Interface())
	default:
		return fmt.Sprint(value)
	}
}
