// Package module loads deployment modules declared in YAML.
//
// A module names its futures locally; Load qualifies every id as "<module>#<id>". Arguments are
// scalars, lists, or single-key references:
//
//	args:
//	  - {future: Token}  # result of another future
//	  - {account: 1}     # configured sender account
//	  - {param: supply}  # deployment parameter
package module

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dukex/keel/pkg/models"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidModule   = errors.New("invalid module")
	ErrMissingParam    = errors.New("missing parameter")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Future type names accepted in module files.
const (
	TypeDeploy     = "deploy"
	TypeCall       = "call"
	TypeStaticCall = "static-call"
	TypeContractAt = "contract-at"
	TypeSend       = "send"
	TypeReadEvent  = "read-event"
)

// Module is a loaded module, ready for validation.
type Module struct {
	Name         string
	Futures      []*models.Future
	Dependencies map[string][]string
}

type document struct {
	Name       string               `yaml:"name"       validate:"required,excludesall=#/"`
	Parameters map[string]yaml.Node `yaml:"parameters" validate:"-"`
	Futures    []futureDocument     `yaml:"futures"    validate:"required,min=1,dive"`
}

type futureDocument struct {
	ID   string `yaml:"id"   validate:"required,excludes=#"`
	Type string `yaml:"type" validate:"oneof=deploy call static-call contract-at send read-event"`

	// Artifact is the contract name of deploy and contract-at futures.
	Artifact string `yaml:"artifact" validate:"required_if=Type deploy,required_if=Type contract-at"`
	// Contract is the future whose contract a call, static-call or read-event targets.
	Contract string `yaml:"contract" validate:"required_if=Type call,required_if=Type static-call"`
	Function string `yaml:"function" validate:"required_if=Type call,required_if=Type static-call"`

	Args    []yaml.Node `yaml:"args"    validate:"-"`
	Value   yaml.Node   `yaml:"value"   validate:"-"`
	From    yaml.Node   `yaml:"from"    validate:"-"`
	Address yaml.Node   `yaml:"address" validate:"-"`
	To      yaml.Node   `yaml:"to"      validate:"-"`
	Data    string      `yaml:"data"    validate:"omitempty,hexadecimal"`
	Output  string      `yaml:"output"`

	Emitter    string `yaml:"emitter"     validate:"required_if=Type read-event"`
	Event      string `yaml:"event"       validate:"required_if=Type read-event"`
	Argument   string `yaml:"argument"`
	EventIndex int    `yaml:"event_index" validate:"gte=0"`

	After            []string `yaml:"after"`
	RequiresApproval bool     `yaml:"requires_approval"`
}

// Load reads and parses the module file at path.
func Load(path string, params Parameters) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module file %s: %w", path, err)
	}

	return Parse(data, params)
}

// Parse builds a module from YAML. params override the module's parameter defaults.
func Parse(data []byte, params Parameters) (*Module, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %w", ErrInvalidModule, err)
	}

	if err := validator.New().Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModule, err)
	}

	d := &decoder{name: doc.Name, defaults: doc.Parameters, params: params[doc.Name]}

	m := &Module{Name: doc.Name, Dependencies: map[string][]string{}}

	for _, fd := range doc.Futures {
		future, err := d.future(fd)
		if err != nil {
			return nil, fmt.Errorf("%w: future %s: %w", ErrInvalidModule, fd.ID, err)
		}

		m.Futures = append(m.Futures, future)

		for _, dep := range fd.After {
			m.Dependencies[future.ID] = append(m.Dependencies[future.ID], d.qualify(dep))
		}
	}

	return m, nil
}

type decoder struct {
	name     string
	defaults map[string]yaml.Node
	params   map[string]models.Argument
}

// qualify prefixes local ids with the module name; ids of other modules are kept.
func (d *decoder) qualify(id string) string {
	if strings.Contains(id, "#") {
		return id
	}

	return d.name + "#" + id
}

func (d *decoder) future(fd futureDocument) (*models.Future, error) {
	future := &models.Future{ID: d.qualify(fd.ID), RequiresApproval: fd.RequiresApproval}

	args, err := d.arguments(fd.Args)
	if err != nil {
		return nil, err
	}

	value, err := d.argument(&fd.Value)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}

	from, err := d.argument(&fd.From)
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}

	switch fd.Type {
	case TypeDeploy:
		future.Payload = models.DeployContract{ContractName: fd.Artifact, Args: args, Value: value, From: from}
	case TypeCall:
		future.Payload = models.CallFunction{
			Contract: d.qualify(fd.Contract),
			Function: fd.Function,
			Args:     args,
			Value:    value,
			From:     from,
		}
	case TypeStaticCall:
		future.Payload = models.StaticCall{
			Contract:    d.qualify(fd.Contract),
			Function:    fd.Function,
			Args:        args,
			NameOrIndex: fd.Output,
			From:        from,
		}
	case TypeContractAt:
		address, err := d.argument(&fd.Address)
		if err != nil {
			return nil, fmt.Errorf("address: %w", err)
		}

		future.Payload = models.ContractAt{ContractName: fd.Artifact, Address: address}
	case TypeSend:
		to, err := d.argument(&fd.To)
		if err != nil {
			return nil, fmt.Errorf("to: %w", err)
		}

		future.Payload = models.SendData{To: to, Value: value, Data: fd.Data, From: from}
	case TypeReadEvent:
		payload := models.ReadEventArgument{
			Emitter:     d.qualify(fd.Emitter),
			EventName:   fd.Event,
			NameOrIndex: fd.Argument,
			EventIndex:  fd.EventIndex,
		}
		if fd.Contract != "" {
			payload.Contract = d.qualify(fd.Contract)
		}

		future.Payload = payload
	default:
		return nil, fmt.Errorf("unknown future type %q", fd.Type)
	}

	return future, nil
}

func (d *decoder) arguments(nodes []yaml.Node) ([]models.Argument, error) {
	var args []models.Argument

	for i := range nodes {
		arg, err := d.argument(&nodes[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}

		args = append(args, arg)
	}

	return args, nil
}

// argument decodes one argument node. An absent node is the zero Argument.
func (d *decoder) argument(node *yaml.Node) (models.Argument, error) {
	switch node.Kind {
	case 0:
		return models.Argument{}, nil
	case yaml.AliasNode:
		return d.argument(node.Alias)
	case yaml.ScalarNode:
		return scalar(node)
	case yaml.SequenceNode:
		items, err := d.arguments(derefAll(node.Content))
		if err != nil {
			return models.Argument{}, err
		}

		return models.ArrayOf(items...), nil
	case yaml.MappingNode:
		return d.reference(node)
	default:
		return models.Argument{}, fmt.Errorf("%w: unsupported YAML node at line %d", ErrInvalidArgument, node.Line)
	}
}

func (d *decoder) reference(node *yaml.Node) (models.Argument, error) {
	if len(node.Content) != 2 {
		return models.Argument{}, fmt.Errorf("%w: a reference has exactly one of future, account or param (line %d)",
			ErrInvalidArgument, node.Line)
	}

	key, value := node.Content[0].Value, node.Content[1]
	if value.Kind != yaml.ScalarNode {
		return models.Argument{}, fmt.Errorf("%w: %s reference must be a scalar (line %d)", ErrInvalidArgument, key, value.Line)
	}

	switch key {
	case "future":
		return models.FutureRef(d.qualify(value.Value)), nil
	case "account":
		var index int
		if err := value.Decode(&index); err != nil || index < 0 {
			return models.Argument{}, fmt.Errorf("%w: account must be a non-negative index (line %d)", ErrInvalidArgument, value.Line)
		}

		return models.AccountRef(index), nil
	case "param":
		return d.param(value.Value)
	default:
		return models.Argument{}, fmt.Errorf("%w: unknown reference %q (line %d)", ErrInvalidArgument, key, node.Line)
	}
}

func (d *decoder) param(name string) (models.Argument, error) {
	if arg, ok := d.params[name]; ok {
		return arg, nil
	}

	if node, ok := d.defaults[name]; ok {
		return literal(&node)
	}

	return models.Argument{}, fmt.Errorf("%w: %s.%s", ErrMissingParam, d.name, name)
}

func scalar(node *yaml.Node) (models.Argument, error) {
	switch node.ShortTag() {
	case "!!null":
		return models.Argument{}, nil
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return models.Argument{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}

		return models.Literal(b), nil
	default:
		// Numbers keep their source text so big integers and hex values survive intact.
		return models.Literal(node.Value), nil
	}
}

func derefAll(nodes []*yaml.Node) []yaml.Node {
	out := make([]yaml.Node, len(nodes))
	for i, node := range nodes {
		out[i] = *node
	}

	return out
}
