package reconcile

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/store"
)

// Action is one bulk operation. The set of actions is closed: only the
// types in this package implement it.
type Action interface {
	// Name is the stable name used on the command line and in metrics.
	Name() string

	isAction()
}

type (
	MarkRead   struct{}
	MarkUnread struct{}
	Star       struct{}
	Unstar     struct{}
	Delete     struct{}

	// Move relocates messages into Target on the same account.
	Move struct {
		Target string
	}
)

func (MarkRead) Name() string   { return "read" }
func (MarkUnread) Name() string { return "unread" }
func (Star) Name() string       { return "starred" }
func (Unstar) Name() string     { return "unstarred" }
func (Delete) Name() string     { return "delete" }
func (Move) Name() string       { return "move" }

func (MarkRead) isAction()   {}
func (MarkUnread) isAction() {}
func (Star) isAction()       {}
func (Unstar) isAction()     {}
func (Delete) isAction()     {}
func (Move) isAction()       {}

// ParseAction maps a command-line action name to an Action. target is only
// used by "move" and must be non-empty there.
func ParseAction(name, target string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "read", "mark-read", "mark_read":
		return MarkRead{}, nil
	case "unread", "mark-unread", "mark_unread":
		return MarkUnread{}, nil
	case "starred", "star":
		return Star{}, nil
	case "unstarred", "unstar":
		return Unstar{}, nil
	case "delete":
		return Delete{}, nil
	case "move":
		if strings.TrimSpace(target) == "" {
			return nil, mailerr.Newf(mailerr.KindFormat, "parse action", "move requires a target folder")
		}
		return Move{Target: target}, nil
	default:
		return nil, mailerr.Newf(mailerr.KindFormat, "parse action", "unknown action %q", name)
	}
}

// flagChange describes how a flag action maps onto the server and the cache.
type flagChange struct {
	delta mailbox.FlagDelta
	flag  store.Flag
	value bool
}

// flagChangeFor returns the flag change for a flag action, or false for
// delete and move.
func flagChangeFor(a Action) (flagChange, bool, error) {
	switch a.(type) {
	case MarkRead:
		return flagChange{mailbox.FlagDelta{Add: []imap.Flag{imap.FlagSeen}}, store.FlagRead, true}, true, nil
	case MarkUnread:
		return flagChange{mailbox.FlagDelta{Remove: []imap.Flag{imap.FlagSeen}}, store.FlagRead, false}, true, nil
	case Star:
		return flagChange{mailbox.FlagDelta{Add: []imap.Flag{imap.FlagFlagged}}, store.FlagStarred, true}, true, nil
	case Unstar:
		return flagChange{mailbox.FlagDelta{Remove: []imap.Flag{imap.FlagFlagged}}, store.FlagStarred, false}, true, nil
	case Delete, Move:
		return flagChange{}, false, nil
	default:
		return flagChange{}, false, fmt.Errorf("unsupported action %T", a)
	}
}
