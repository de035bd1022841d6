package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

var ErrInvalidArtifact = errors.New("invalid artifact")

const artifactSchema = `{
	"type": "object",
	"required": ["contractName", "abi", "bytecode"],
	"properties": {
		"contractName": {"type": "string", "minLength": 1},
		"abi": {"type": "array"},
		"bytecode": {"type": "string", "pattern": "^0x([0-9a-fA-F]{2})*$"}
	}
}`

// FileResolver loads <dir>/<ContractName>.json artifacts.
type FileResolver struct {
	dir    string
	logger *slog.Logger
	schema *gojsonschema.Schema

	mu    sync.Mutex
	cache map[string]*Artifact
}

func NewFileResolver(dir string, logger *slog.Logger) (*FileResolver, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(artifactSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile artifact schema: %w", err)
	}

	return &FileResolver{
		dir:    dir,
		logger: logger.With("module", "artifacts"),
		schema: schema,
		cache:  map[string]*Artifact{},
	}, nil
}

func (r *FileResolver) Load(_ context.Context, contractName string) (*Artifact, error) {
	if contractName == "" || strings.ContainsAny(contractName, `/\`) || strings.Contains(contractName, "..") {
		return nil, fmt.Errorf("%w: invalid contract name %q", ErrInvalidArtifact, contractName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if artifact, ok := r.cache[contractName]; ok {
		return artifact, nil
	}

	path := filepath.Join(r.dir, contractName+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, contractName)
		}

		return nil, fmt.Errorf("failed to read artifact %s: %w", contractName, err)
	}

	result, err := r.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArtifact, contractName, err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidArtifact, contractName, strings.Join(problems, "; "))
	}

	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArtifact, contractName, err)
	}

	if artifact.ContractName != contractName {
		return nil, fmt.Errorf("%w: %s declares contractName %s", ErrInvalidArtifact, path, artifact.ContractName)
	}

	if _, err := artifact.ParsedABI(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArtifact, contractName, err)
	}

	r.logger.Debug("Loaded artifact", "contract", contractName, "path", path)
	r.cache[contractName] = &artifact

	return &artifact, nil
}
