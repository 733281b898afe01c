package nodeapi

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a missing folder or file. Callers degrade to an empty result.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt marks an unreadable or unsupported payload. The item is skipped.
	ErrCorrupt = errors.New("corrupt or unsupported")
	// ErrInvalidSpec marks a malformed strength, regex or schedule entry. The entry is skipped.
	ErrInvalidSpec = errors.New("invalid spec")
	// ErrConfiguration aborts the current invocation only.
	ErrConfiguration = errors.New("configuration error")
	// ErrInconsistent marks an internal lookup that should have succeeded. Logged and skipped.
	ErrInconsistent = errors.New("internal inconsistency")
)

// NodeError wraps one of the sentinel kinds with the node class and a message.
type NodeError struct {
	Kind error
	Node string
	Msg  string
	Err  error
}

func (e *NodeError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Node != "" {
		msg = fmt.Sprintf("%s: %s", e.Node, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *NodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf builds a NodeError of the given kind.
func Errorf(kind error, node string, format string, args ...any) error {
	return &NodeError{Kind: kind, Node: node, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and node to an underlying error.
func Wrap(kind error, node string, err error, msg string) error {
	return &NodeError{Kind: kind, Node: node, Msg: msg, Err: err}
}
