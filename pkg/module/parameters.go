package module

import (
	"fmt"
	"os"

	"github.com/dukex/keel/pkg/models"
	"gopkg.in/yaml.v3"
)

// Parameters holds literal parameter values by module name, then parameter name.
type Parameters map[string]map[string]models.Argument

// LoadParameters reads a YAML or JSON parameters file:
//
//	Token:
//	  supply: "1000000"
//	  owners: ["0x...", "0x..."]
func LoadParameters(path string) (Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameters file %s: %w", path, err)
	}

	return ParseParameters(data)
}

func ParseParameters(data []byte) (Parameters, error) {
	var raw map[string]map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse parameters: %w", err)
	}

	params := make(Parameters, len(raw))

	for moduleName, values := range raw {
		params[moduleName] = make(map[string]models.Argument, len(values))

		for name, node := range values {
			arg, err := literal(&node)
			if err != nil {
				return nil, fmt.Errorf("parameter %s.%s: %w", moduleName, name, err)
			}

			params[moduleName][name] = arg
		}
	}

	return params, nil
}

// literal decodes a parameter value. Parameters are plain values and cannot reference futures.
func literal(node *yaml.Node) (models.Argument, error) {
	switch node.Kind {
	case yaml.AliasNode:
		return literal(node.Alias)
	case yaml.ScalarNode:
		return scalar(node)
	case yaml.SequenceNode:
		items := make([]models.Argument, 0, len(node.Content))

		for _, child := range node.Content {
			item, err := literal(child)
			if err != nil {
				return models.Argument{}, err
			}

			items = append(items, item)
		}

		return models.ArrayOf(items...), nil
	default:
		return models.Argument{}, fmt.Errorf("%w: parameters must be scalars or lists (line %d)", ErrInvalidArgument, node.Line)
	}
}
