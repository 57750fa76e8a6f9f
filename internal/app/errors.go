package app

import (
	"errors"
	"fmt"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/store"
)

// CommandError is returned by every Service method. Its message names the
// command and explains the cause in terms a user can act on.
type CommandError struct {
	Op  string
	Err error
}

func (e *CommandError) Error() string {
	if hint := hint(e.Err); hint != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, hint, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func commandErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var cErr *CommandError
	if errors.As(err, &cErr) {
		return err
	}
	return &CommandError{Op: op, Err: err}
}

func hint(err error) string {
	switch {
	case errors.Is(err, credential.ErrNotFound):
		return "no password stored for this account"
	case errors.Is(err, store.ErrNotFound):
		return "not found"
	}

	switch mailerr.KindOf(err) {
	case mailerr.KindAuth:
		return "authentication failed, check the username and password"
	case mailerr.KindNetwork:
		return "could not reach the mail server"
	case mailerr.KindTLS:
		return "secure connection failed"
	case mailerr.KindProtocol:
		return "the server refused the request"
	case mailerr.KindFormat:
		return "invalid input"
	case mailerr.KindPolicy:
		return "not allowed"
	case mailerr.KindDiverged:
		return "the server was updated but the local cache was not, sync the folder again"
	case mailerr.KindStorage:
		return "local cache error"
	}
	return ""
}
