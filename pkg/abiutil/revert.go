package abiutil

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	errorSelector = []byte{0x08, 0xc3, 0x79, 0xa0}
	panicSelector = []byte{0x4e, 0x48, 0x7b, 0x71}
)

var panicReasons = map[uint64]string{
	0x00: "generic compiler panic",
	0x01: "assertion failed",
	0x11: "arithmetic overflow or underflow",
	0x12: "division or modulo by zero",
	0x21: "invalid enum value",
	0x22: "invalid storage byte array encoding",
	0x31: "pop on empty array",
	0x32: "array index out of bounds",
	0x41: "out of memory",
	0x51: "call to zero-initialized function",
}

// DecodeRevert turns revert data into a readable reason. Custom errors are matched against
// contract, which may be nil.
func DecodeRevert(data []byte, contract *abi.ABI) string {
	if len(data) == 0 {
		return "reverted without a reason"
	}

	if len(data) < 4 {
		return "reverted with invalid data " + hexutil.Encode(data)
	}

	switch {
	case bytes.Equal(data[:4], errorSelector):
		reason, err := abi.UnpackRevert(data)
		if err != nil {
			return "reverted with malformed Error(string) data " + hexutil.Encode(data)
		}

		return fmt.Sprintf("reverted with reason %q", reason)
	case bytes.Equal(data[:4], panicSelector) && len(data) >= 36:
		code := new(big.Int).SetBytes(data[4:36])
		if code.IsUint64() {
			if reason, ok := panicReasons[code.Uint64()]; ok {
				return fmt.Sprintf("reverted with panic code 0x%x (%s)", code.Uint64(), reason)
			}
		}

		return fmt.Sprintf("reverted with unknown panic code 0x%s", code.Text(16))
	}

	if contract != nil {
		for _, custom := range contract.Errors {
			if !bytes.Equal(custom.ID[:4], data[:4]) {
				continue
			}

			values, err := custom.Inputs.Unpack(data[4:])
			if err != nil {
				break
			}

			formatted := make([]string, len(values))
			for i, v := range values {
				formatted[i] = fmt.Sprint(JSONSafe(v))
			}

			return fmt.Sprintf("reverted with custom error %s(%s)", custom.Name, strings.Join(formatted, ", "))
		}
	}

	return "reverted with unrecognized custom error " + hexutil.Encode(data)
}
