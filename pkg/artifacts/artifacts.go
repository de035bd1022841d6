// Package artifacts resolves contract names to ABI and bytecode.
package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dukex/keel/pkg/abiutil"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrArtifactNotFound = errors.New("artifact not found")

// Artifact is a compiled contract.
type Artifact struct {
	ContractName string          `json:"contractName"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     hexutil.Bytes   `json:"bytecode"`

	once   sync.Once
	parsed abi.ABI
	err    error
}

// ParsedABI parses the ABI once.
func (a *Artifact) ParsedABI() (abi.ABI, error) {
	a.once.Do(func() {
		a.parsed, a.err = abiutil.Parse(a.ABI)
	})

	return a.parsed, a.err
}

// Resolver loads artifacts by contract name.
type Resolver interface {
	Load(ctx context.Context, contractName string) (*Artifact, error)
}

// MemoryResolver serves artifacts registered in memory.
type MemoryResolver struct {
	mu        sync.RWMutex
	artifacts map[string]*Artifact
}

func NewMemoryResolver(artifacts ...*Artifact) *MemoryResolver {
	r := &MemoryResolver{artifacts: make(map[string]*Artifact, len(artifacts))}
	for _, artifact := range artifacts {
		r.artifacts[artifact.ContractName] = artifact
	}

	return r
}

func (r *MemoryResolver) Add(artifact *Artifact) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.artifacts[artifact.ContractName] = artifact
}

func (r *MemoryResolver) Load(_ context.Context, contractName string) (*Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	artifact, ok := r.artifacts[contractName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, contractName)
	}

	return artifact, nil
}
