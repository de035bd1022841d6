package models

// ArgumentKind tags an argument value.
type ArgumentKind string

const (
	ArgumentLiteral ArgumentKind = "literal"
	ArgumentFuture  ArgumentKind = "future"
	ArgumentAccount ArgumentKind = "account"
	ArgumentArray   ArgumentKind = "array"
)

// Argument is either a literal or an unresolved reference. References are resolved against the
// results of COMPLETED futures right before execution.
type Argument struct {
	Kind     ArgumentKind `json:"kind,omitempty"`
	Value    any          `json:"value,omitempty"`
	FutureID string       `json:"future,omitempty"`
	Account  int          `json:"account,omitempty"`
	Items    []Argument   `json:"items,omitempty"`
}

// Literal wraps a plain value.
func Literal(value any) Argument {
	return Argument{Kind: ArgumentLiteral, Value: value}
}

// FutureRef references the result of another future.
func FutureRef(futureID string) Argument {
	return Argument{Kind: ArgumentFuture, FutureID: futureID}
}

// AccountRef references one of the configured sender accounts by index.
func AccountRef(index int) Argument {
	return Argument{Kind: ArgumentAccount, Account: index}
}

// ArrayOf groups arguments into an array or tuple value.
func ArrayOf(items ...Argument) Argument {
	return Argument{Kind: ArgumentArray, Items: items}
}

// IsZero reports whether the argument was left unset.
func (a Argument) IsZero() bool {
	return a.Kind == ""
}

// FutureRefs returns the future ids referenced by the argument, recursively.
func (a Argument) FutureRefs() []string {
	switch a.Kind {
	case ArgumentFuture:
		return []string{a.FutureID}
	case ArgumentArray:
		var refs []string
		for _, item := range a.Items {
			refs = append(refs, item.FutureRefs()...)
		}

		return refs
	default:
		return nil
	}
}
