package testutil

import (
	"encoding/json"
	"io"
	"log/slog"

	"github.com/dukex/keel/pkg/artifacts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TokenABI is the ABI of the "Token" test contract.
const TokenABI = `[
	{"type":"constructor","inputs":[{"name":"supply","type":"uint256"}]},
	{"type":"function","name":"mint","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"supply","type":"uint256"}]},
	{"type":"event","name":"Minted","inputs":[{"name":"to","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"error","name":"Unauthorized","inputs":[{"name":"caller","type":"address"}]}
]`

// TokenArtifact returns a fresh "Token" artifact with placeholder bytecode.
func TokenArtifact() *artifacts.Artifact {
	return &artifacts.Artifact{
		ContractName: "Token",
		ABI:          json.RawMessage(TokenABI),
		Bytecode:     hexutil.MustDecode("0x6080604052"),
	}
}

// TokenContract returns the parsed Token ABI.
func TokenContract() abi.ABI {
	contract, err := TokenArtifact().ParsedABI()
	if err != nil {
		panic(err)
	}

	return contract
}

// NewArtifacts returns a resolver serving the Token artifact.
func NewArtifacts() *artifacts.MemoryResolver {
	return artifacts.NewMemoryResolver(TokenArtifact())
}

// RevertData encodes a revert with Error(string).
func RevertData(reason string) []byte {
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		panic(err)
	}

	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	if err != nil {
		panic(err)
	}

	return append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
}

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
