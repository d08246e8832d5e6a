package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure
type Kind int

const (
	// KindGeneric is an unclassified failure (exit code 1)
	KindGeneric Kind = iota + 1
	// KindConnection is a session establishment or authentication failure (exit code 2)
	KindConnection
	// KindLocalIO is a local metadata or read failure for a specific path (exit code 3)
	KindLocalIO
	// KindManifestParse is a malformed persisted manifest (exit code 4)
	KindManifestParse
	// KindRemoteOperation is a transport-reported failure (exit code 5)
	KindRemoteOperation
	// KindInvalidNamespace is a manifest namespace other than folders or files (exit code 6)
	KindInvalidNamespace
	// KindConfig is an invalid configuration (exit code 7)
	KindConfig
	// KindLocked means another run holds the sync root (exit code 8)
	KindLocked
)

var kindNames = map[Kind]string{
	KindGeneric:          "error",
	KindConnection:       "connection error",
	KindLocalIO:          "local io error",
	KindManifestParse:    "manifest parse error",
	KindRemoteOperation:  "remote operation error",
	KindInvalidNamespace: "invalid namespace",
	KindConfig:           "configuration error",
	KindLocked:           "sync root locked",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure carrying the operation and path it concerns
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" %q", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. A target with
// empty Op and Path matches on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return (t.Op == "" || t.Op == e.Op) && (t.Path == "" || t.Path == e.Path)
}

// Sentinels for errors.Is comparisons by kind.
var (
	ErrConnection       = &Error{Kind: KindConnection}
	ErrLocalIO          = &Error{Kind: KindLocalIO}
	ErrManifestParse    = &Error{Kind: KindManifestParse}
	ErrRemoteOperation  = &Error{Kind: KindRemoteOperation}
	ErrInvalidNamespace = &Error{Kind: KindInvalidNamespace}
	ErrConfig           = &Error{Kind: KindConfig}
	ErrLocked           = &Error{Kind: KindLocked}
)

// NewConnectionError creates a new connection error
func NewConnectionError(op string, cause error) *Error {
	return &Error{Kind: KindConnection, Op: op, Err: cause}
}

// NewLocalIOError creates a new local io error for path
func NewLocalIOError(op, path string, cause error) *Error {
	return &Error{Kind: KindLocalIO, Op: op, Path: path, Err: cause}
}

// NewManifestParseError creates a new manifest parse error
func NewManifestParseError(path string, cause error) *Error {
	return &Error{Kind: KindManifestParse, Op: "parse manifest", Path: path, Err: cause}
}

// NewRemoteError creates a new remote operation error for path
func NewRemoteError(op, path string, cause error) *Error {
	return &Error{Kind: KindRemoteOperation, Op: op, Path: path, Err: cause}
}

// NewInvalidNamespaceError creates a new invalid namespace error
func NewInvalidNamespaceError(name string) *Error {
	return &Error{Kind: KindInvalidNamespace, Op: "parse namespace", Path: name}
}

// NewConfigError creates a new configuration error
func NewConfigError(message string, cause error) *Error {
	return &Error{Kind: KindConfig, Op: message, Err: cause}
}

// NewLockedError creates a new lock contention error for root
func NewLockedError(root string) *Error {
	return &Error{Kind: KindLocked, Op: "lock", Path: root, Err: stderrors.New("another run is in progress")}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindGeneric if there is none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindGeneric
}

// ExitCode maps err to the process exit status. A nil error maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return int(KindOf(err))
}
