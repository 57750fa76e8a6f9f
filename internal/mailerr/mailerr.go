// Package mailerr defines the classified errors returned by the mail sync
// components. Every remote, parse, and storage failure is wrapped in an
// *Error so callers can branch on Kind without string matching.
package mailerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure by its origin.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindTLS
	KindAuth
	KindProtocol
	KindFormat
	KindParse
	KindStorage
	KindPolicy
	KindDisconnect
	// KindDiverged reports that a remote mutation succeeded but the local
	// cache could not be updated to match.
	KindDiverged
)

var kindNames = map[Kind]string{
	KindUnknown:    "unknown",
	KindNetwork:    "network",
	KindTLS:        "tls",
	KindAuth:       "auth",
	KindProtocol:   "protocol",
	KindFormat:     "format",
	KindParse:      "parse",
	KindStorage:    "storage",
	KindPolicy:     "policy",
	KindDisconnect: "disconnect",
	KindDiverged:   "diverged",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified failure with optional mailbox context.
type Error struct {
	Kind    Kind
	Op      string
	Account string
	Folder  string
	UID     uint32
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" during ")
		b.WriteString(e.Op)
	}

	var where []string
	if e.Account != "" {
		where = append(where, "account "+e.Account)
	}
	if e.Folder != "" {
		where = append(where, "folder "+e.Folder)
	}
	if e.UID != 0 {
		where = append(where, fmt.Sprintf("uid %d", e.UID))
	}
	if len(where) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(where, ", "))
		b.WriteString(")")
	}

	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an *Error of the given kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf returns an *Error of the given kind with a formatted message and no
// wrapped cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// WithAccount sets the account on e and returns it.
func (e *Error) WithAccount(account string) *Error {
	e.Account = account
	return e
}

// WithFolder sets the folder on e and returns it.
func (e *Error) WithFolder(folder string) *Error {
	e.Folder = folder
	return e
}

// WithUID sets the message UID on e and returns it.
func (e *Error) WithUID(uid uint32) *Error {
	e.UID = uid
	return e
}

// Diverged reports that the server accepted a change the cache failed to
// record. cause is the storage failure.
func Diverged(op string, cause error) *Error {
	return &Error{
		Kind: KindDiverged,
		Op:   op,
		Msg:  "remote succeeded, cache did not; resync folder",
		Err:  New(KindStorage, op, cause),
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindUnknown if there is none.
func KindOf(err error) Kind {
	var mErr *Error
	if errors.As(err, &mErr) {
		return mErr.Kind
	}
	return KindUnknown
}

// Is reports whether err (or any error in its chain) is an *Error of kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var mErr *Error
		if !errors.As(err, &mErr) {
			return false
		}
		if mErr.Kind == kind {
			return true
		}
		err = mErr.Err
	}
	return false
}

// IsAuthError reports whether err was caused by rejected credentials.
func IsAuthError(err error) bool {
	return Is(err, KindAuth)
}

// Retryable reports whether the operation that produced err may be retried
// on a fresh connection. Only network failures qualify; a TLS failure
// repeats on every attempt.
func Retryable(err error) bool {
	return KindOf(err) == KindNetwork
}
