// Package models defines the core deployment models shared by the execution engine.
package models

import (
	"slices"
)

// FutureType identifies the kind of on-chain operation a future performs.
type FutureType string

const (
	FutureTypeDeployContract    FutureType = "DeployContract"
	FutureTypeCallFunction      FutureType = "CallFunction"
	FutureTypeStaticCall        FutureType = "StaticCall"
	FutureTypeContractAt        FutureType = "ContractAt"
	FutureTypeSendData          FutureType = "SendData"
	FutureTypeReadEventArgument FutureType = "ReadEventArgument"
)

// Future is one declared deployment operation. Its dependencies are held by the graph.
type Future struct {
	ID               string  `json:"id"                          validate:"required"`
	Payload          Payload `json:"payload"                     validate:"required"`
	RequiresApproval bool    `json:"requiresApproval,omitempty"`
}

// Type returns the future's kind.
func (f *Future) Type() FutureType {
	if f.Payload == nil {
		return ""
	}

	return f.Payload.FutureType()
}

// References returns every future id referenced from the payload, sorted and deduplicated.
func (f *Future) References() []string {
	if f.Payload == nil {
		return nil
	}

	refs := f.Payload.references()
	slices.Sort(refs)

	return slices.Compact(refs)
}

// Payload is the closed set of future payloads. Only types in this package implement it.
type Payload interface {
	FutureType() FutureType
	references() []string
}

// DeployContract deploys an artifact's bytecode with encoded constructor arguments.
type DeployContract struct {
	ContractName string     `json:"contractName"    validate:"required"`
	Args         []Argument `json:"args,omitempty"`
	Value        Argument   `json:"value,omitempty"`
	From         Argument   `json:"from,omitempty"`
}

func (DeployContract) FutureType() FutureType { return FutureTypeDeployContract }

func (p DeployContract) references() []string {
	return collectRefs(append(slices.Clone(p.Args), p.Value, p.From))
}

// CallFunction sends a transaction invoking Function on the contract produced by the Contract future.
type CallFunction struct {
	Contract string     `json:"contract"       validate:"required"`
	Function string     `json:"function"       validate:"required"`
	Args     []Argument `json:"args,omitempty"`
	Value    Argument   `json:"value,omitempty"`
	From     Argument   `json:"from,omitempty"`
}

func (CallFunction) FutureType() FutureType { return FutureTypeCallFunction }

func (p CallFunction) references() []string {
	return append(collectRefs(append(slices.Clone(p.Args), p.Value, p.From)), p.Contract)
}

// StaticCall reads a value through eth_call. NameOrIndex selects one output; empty means the first.
type StaticCall struct {
	Contract    string     `json:"contract"              validate:"required"`
	Function    string     `json:"function"              validate:"required"`
	Args        []Argument `json:"args,omitempty"`
	NameOrIndex string     `json:"nameOrIndex,omitempty"`
	From        Argument   `json:"from,omitempty"`
}

func (StaticCall) FutureType() FutureType { return FutureTypeStaticCall }

func (p StaticCall) references() []string {
	return append(collectRefs(append(slices.Clone(p.Args), p.From)), p.Contract)
}

// ContractAt references an already deployed contract.
type ContractAt struct {
	ContractName string   `json:"contractName" validate:"required"`
	Address      Argument `json:"address"`
}

func (ContractAt) FutureType() FutureType { return FutureTypeContractAt }

func (p ContractAt) references() []string { return p.Address.FutureRefs() }

// SendData transfers value and/or raw calldata to an address.
type SendData struct {
	To    Argument `json:"to"`
	Value Argument `json:"value,omitempty"`
	Data  string   `json:"data,omitempty" validate:"omitempty,hexadecimal"`
	From  Argument `json:"from,omitempty"`
}

func (SendData) FutureType() FutureType { return FutureTypeSendData }

func (p SendData) references() []string {
	return collectRefs([]Argument{p.To, p.Value, p.From})
}

// ReadEventArgument extracts an argument of an event emitted by the Emitter future's transaction.
// Contract names the future whose ABI describes the event; it defaults to Emitter.
type ReadEventArgument struct {
	Emitter     string `json:"emitter"               validate:"required"`
	Contract    string `json:"contract,omitempty"`
	EventName   string `json:"eventName"             validate:"required"`
	NameOrIndex string `json:"nameOrIndex,omitempty"`
	EventIndex  int    `json:"eventIndex,omitempty"  validate:"gte=0"`
}

func (ReadEventArgument) FutureType() FutureType { return FutureTypeReadEventArgument }

func (p ReadEventArgument) references() []string {
	refs := []string{p.Emitter}
	if p.Contract != "" {
		refs = append(refs, p.Contract)
	}

	return refs
}

// AbiContract returns the future whose artifact describes the event.
func (p ReadEventArgument) AbiContract() string {
	if p.Contract != "" {
		return p.Contract
	}

	return p.Emitter
}

func collectRefs(args []Argument) []string {
	var refs []string
	for _, arg := range args {
		refs = append(refs, arg.FutureRefs()...)
	}

	return refs
}
