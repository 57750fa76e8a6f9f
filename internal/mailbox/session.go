// Package mailbox owns the connection to one account's IMAP server and
// exposes the remote operations the sync components need.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
)

// State is the lifecycle state of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSelected:
		return "selected"
	}
	return "disconnected"
}

// RemoteFolder is one entry of a LIST response.
type RemoteFolder struct {
	Name      string
	Delimiter string
	Attrs     []string
}

// FolderStatus is the result of selecting a folder.
type FolderStatus struct {
	Name        string
	Messages    uint32
	UIDValidity uint32
	UIDNext     uint32
}

// RawMessage is one fetched message before parsing.
type RawMessage struct {
	UID   uint32
	Flags []imap.Flag
	Body  []byte
}

// FlagDelta lists flags to add and remove on a message.
type FlagDelta struct {
	Add    []imap.Flag
	Remove []imap.Flag
}

// Session is an authenticated connection to one account's server. All
// methods are safe for concurrent use; the session lock is held for the
// duration of a single operation.
type Session struct {
	accountID string
	cfg       Config
	log       logrus.FieldLogger

	mu       sync.Mutex
	client   *imapclient.Client
	selected string
	broken   bool
}

// Connect dials the server, negotiates TLS as configured, and logs in.
// Failures are classified as network, TLS, or auth errors.
func Connect(
	ctx context.Context,
	accountID string,
	cfg Config,
	log logrus.FieldLogger,
) (*Session, error) {
	cfg = cfg.withDefaults()
	log = log.WithFields(logrus.Fields{
		"account": accountID,
		"server":  cfg.addr(),
	})

	client, err := dial(ctx, cfg)
	if err != nil {
		metrics.Connect(mailerr.KindOf(err).String())
		return nil, withAccount(err, accountID)
	}

	loginCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()

	stop := watch(loginCtx, func() { client.Close() })
	err = client.Login(cfg.Username, cfg.Password).Wait()
	if stop() {
		metrics.Connect(mailerr.KindNetwork.String())
		return nil, mailerr.New(mailerr.KindNetwork, "login", loginCtx.Err()).WithAccount(accountID)
	}
	if err != nil {
		client.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			metrics.Connect(mailerr.KindAuth.String())
			return nil, &mailerr.Error{
				Kind:    mailerr.KindAuth,
				Op:      "login",
				Account: accountID,
				Msg:     fmt.Sprintf("authentication failed for %s", cfg.Username),
				Err:     err,
			}
		}
		metrics.Connect(mailerr.KindNetwork.String())
		return nil, mailerr.New(mailerr.KindNetwork, "login", err).WithAccount(accountID)
	}

	metrics.Connect("ok")
	log.WithField("security", cfg.Security.String()).Debug("IMAP session established")

	return &Session{
		accountID: accountID,
		cfg:       cfg,
		log:       log,
		client:    client,
	}, nil
}

// dial opens the transport and waits for the server greeting.
func dial(ctx context.Context, cfg Config) (*imapclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", cfg.addr())
	if err != nil {
		return nil, mailerr.New(mailerr.KindNetwork, "dial", err)
	}

	var client *imapclient.Client
	switch cfg.Security {
	case SecurityTLS:
		tlsConn := tls.Client(conn, cfg.tlsConfig())
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			conn.Close()
			return nil, mailerr.New(mailerr.KindTLS, "tls handshake", err)
		}
		client = imapclient.New(tlsConn, nil)

	case SecurityStartTLS:
		stop := watch(dialCtx, func() { conn.Close() })
		client, err = imapclient.NewStartTLS(conn, &imapclient.Options{
			TLSConfig: cfg.tlsConfig(),
		})
		if stop() {
			return nil, mailerr.New(mailerr.KindNetwork, "starttls", dialCtx.Err())
		}
		if err != nil {
			conn.Close()
			return nil, mailerr.New(mailerr.KindTLS, "starttls", err)
		}

	default:
		client = imapclient.New(conn, nil)
	}

	stop := watch(dialCtx, func() { client.Close() })
	err = client.WaitGreeting()
	if stop() {
		return nil, mailerr.New(mailerr.KindNetwork, "greeting", dialCtx.Err())
	}
	if err != nil {
		client.Close()
		return nil, mailerr.New(mailerr.KindNetwork, "greeting", err)
	}

	return client, nil
}

// watch closes the connection through closeFn if ctx ends before the
// returned stop function is called. stop reports whether that happened.
func watch(ctx context.Context, closeFn func()) (stop func() bool) {
	done := make(chan struct{})
	fired := make(chan bool, 1)

	go func() {
		select {
		case <-ctx.Done():
			closeFn()
			fired <- true
		case <-done:
			fired <- false
		}
	}()

	return func() bool {
		close(done)
		return <-fired
	}
}

// AccountID returns the account this session belongs to.
func (s *Session) AccountID() string {
	return s.accountID
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.client == nil || s.broken:
		return StateDisconnected
	case s.selected != "":
		return StateSelected
	}
	return StateConnected
}

// Healthy reports whether the session can still issue commands.
func (s *Session) Healthy() bool {
	return s.State() != StateDisconnected
}

// Selected returns the currently selected folder, if any.
func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Disconnect logs out and closes the transport. It always releases the
// connection; a failed logout is logged and returned as a disconnect error
// which callers should not treat as fatal.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}

	client := s.client
	s.client = nil
	s.selected = ""

	var logoutErr error
	if !s.broken {
		logoutErr = client.Logout().Wait()
	}
	closeErr := client.Close()
	s.broken = false

	if logoutErr == nil {
		logoutErr = closeErr
	}
	if logoutErr != nil {
		s.log.WithError(logoutErr).Warn("IMAP logout failed")
		return mailerr.New(mailerr.KindDisconnect, "logout", logoutErr).WithAccount(s.accountID)
	}

	s.log.Debug("IMAP session closed")
	return nil
}

// do runs fn under the session lock with the operation timeout applied.
// When ctx ends first the transport is closed and the session is marked
// broken, since the server state of the interrupted command is unknown.
func (s *Session) do(
	ctx context.Context,
	op, folder string,
	fn func(c *imapclient.Client) error,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil || s.broken {
		return mailerr.Newf(mailerr.KindNetwork, op, "session is not connected").
			WithAccount(s.accountID).WithFolder(folder)
	}

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	client := s.client
	start := time.Now()
	stop := watch(opCtx, func() { client.Close() })
	err := fn(client)
	timedOut := stop()
	metrics.ObserveCommand(op, start, err)

	if timedOut {
		s.broken = true
		s.selected = ""
		s.log.WithFields(logrus.Fields{"op": op, "folder": folder}).
			Warn("IMAP operation interrupted; session closed")
		return mailerr.New(mailerr.KindNetwork, op, opCtx.Err()).
			WithAccount(s.accountID).WithFolder(folder)
	}
	if err != nil {
		return s.classify(op, folder, err)
	}
	return nil
}

// classify turns a command error into a mailerr. A tagged NO/BAD response
// leaves the connection usable; anything else is treated as a broken
// transport.
func (s *Session) classify(op, folder string, err error) error {
	var mErr *mailerr.Error
	if errors.As(err, &mErr) {
		return err
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return mailerr.New(mailerr.KindProtocol, op, err).
			WithAccount(s.accountID).WithFolder(folder)
	}

	s.broken = true
	s.selected = ""
	return mailerr.New(mailerr.KindNetwork, op, err).
		WithAccount(s.accountID).WithFolder(folder)
}

// selectLocked issues SELECT. The caller holds s.mu.
func (s *Session) selectLocked(c *imapclient.Client, folder string) (*imap.SelectData, error) {
	data, err := c.Select(folder, nil).Wait()
	if err != nil {
		s.selected = ""
		return nil, err
	}
	s.selected = folder
	return data, nil
}

// ensureSelectedLocked selects folder unless it already is. The caller
// holds s.mu.
func (s *Session) ensureSelectedLocked(c *imapclient.Client, folder string) error {
	if s.selected == folder {
		return nil
	}
	_, err := s.selectLocked(c, folder)
	return err
}

// ListFolders returns every folder on the server.
func (s *Session) ListFolders(ctx context.Context) ([]RemoteFolder, error) {
	var folders []RemoteFolder
	err := s.do(ctx, "list", "", func(c *imapclient.Client) error {
		list, err := c.List("", "*", nil).Collect()
		if err != nil {
			return err
		}

		for _, l := range list {
			delim := "/"
			if l.Delim != 0 {
				delim = string(l.Delim)
			}
			attrs := make([]string, 0, len(l.Attrs))
			for _, a := range l.Attrs {
				attrs = append(attrs, string(a))
			}
			folders = append(folders, RemoteFolder{
				Name:      l.Mailbox,
				Delimiter: delim,
				Attrs:     attrs,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// SelectFolder selects folder and returns its message count and UID
// validity. Selecting the already selected folder re-issues SELECT.
func (s *Session) SelectFolder(ctx context.Context, folder string) (*FolderStatus, error) {
	var status *FolderStatus
	err := s.do(ctx, "select", folder, func(c *imapclient.Client) error {
		data, err := s.selectLocked(c, folder)
		if err != nil {
			return err
		}
		status = &FolderStatus{
			Name:        folder,
			Messages:    data.NumMessages,
			UIDValidity: data.UIDValidity,
			UIDNext:     uint32(data.UIDNext),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// FetchMessages selects folder and fetches the newest limit messages with
// their flags and full RFC 822 content, newest first. The \Seen flag is
// not changed. A limit of zero or less uses the default.
func (s *Session) FetchMessages(ctx context.Context, folder string, limit int) ([]RawMessage, error) {
	if limit <= 0 {
		limit = model.DefaultFetchLimit
	}

	var out []RawMessage
	err := s.do(ctx, "fetch", folder, func(c *imapclient.Client) error {
		data, err := s.selectLocked(c, folder)
		if err != nil {
			return err
		}
		total := data.NumMessages
		if total == 0 {
			return nil
		}

		start := uint32(1)
		if total > uint32(limit) {
			start = total - uint32(limit) + 1
		}

		var seqSet imap.SeqSet
		seqSet.AddRange(start, total)

		section := &imap.FetchItemBodySection{Peek: true}
		msgs, err := c.Fetch(seqSet, &imap.FetchOptions{
			UID:         true,
			Flags:       true,
			BodySection: []*imap.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return err
		}

		out = make([]RawMessage, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, RawMessage{
				UID:   uint32(m.UID),
				Flags: m.Flags,
				Body:  m.FindBodySection(section),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UID > out[j].UID })
	return out, nil
}

// ExistingUIDs reports which of uids are present in folder. It is used
// before mutations because servers silently ignore STORE on missing UIDs.
func (s *Session) ExistingUIDs(ctx context.Context, folder string, uids []uint32) (map[uint32]bool, error) {
	found := make(map[uint32]bool, len(uids))
	if len(uids) == 0 {
		return found, nil
	}

	err := s.do(ctx, "search", folder, func(c *imapclient.Client) error {
		if err := s.ensureSelectedLocked(c, folder); err != nil {
			return err
		}
		data, err := c.UIDSearch(&imap.SearchCriteria{
			UID: []imap.UIDSet{uidSet(uids...)},
		}, nil).Wait()
		if err != nil {
			return err
		}
		for _, uid := range data.AllUIDs() {
			found[uint32(uid)] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// MutateFlags adds and removes flags on one message.
func (s *Session) MutateFlags(ctx context.Context, folder string, uid uint32, delta FlagDelta) error {
	err := s.do(ctx, "store", folder, func(c *imapclient.Client) error {
		if err := s.ensureSelectedLocked(c, folder); err != nil {
			return err
		}
		if len(delta.Add) > 0 {
			if err := storeFlags(c, uid, imap.StoreFlagsAdd, delta.Add); err != nil {
				return err
			}
		}
		if len(delta.Remove) > 0 {
			if err := storeFlags(c, uid, imap.StoreFlagsDel, delta.Remove); err != nil {
				return err
			}
		}
		return nil
	})
	return withUID(err, uid)
}

func storeFlags(c *imapclient.Client, uid uint32, op imap.StoreFlagsOp, flags []imap.Flag) error {
	return c.Store(uidSet(uid), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  flags,
	}, nil).Close()
}

// CopyMessage copies one message to dest and returns its uid there, or
// zero when the server does not report it.
func (s *Session) CopyMessage(ctx context.Context, folder string, uid uint32, dest string) (uint32, error) {
	var destUID uint32
	err := s.do(ctx, "copy", folder, func(c *imapclient.Client) error {
		if err := s.ensureSelectedLocked(c, folder); err != nil {
			return err
		}
		data, err := c.Copy(uidSet(uid), dest).Wait()
		if err != nil {
			return err
		}
		if data != nil {
			if nums, ok := data.DestUIDs.Nums(); ok && len(nums) == 1 {
				destUID = uint32(nums[0])
			}
		}
		return nil
	})
	return destUID, withUID(err, uid)
}

// Expunge permanently removes messages flagged \Deleted from folder.
func (s *Session) Expunge(ctx context.Context, folder string) error {
	return s.do(ctx, "expunge", folder, func(c *imapclient.Client) error {
		if err := s.ensureSelectedLocked(c, folder); err != nil {
			return err
		}
		return c.Expunge().Close()
	})
}

// DeleteAll flags every message in folder \Deleted and expunges them. It
// returns the number of messages that were in the folder.
func (s *Session) DeleteAll(ctx context.Context, folder string) (uint32, error) {
	var n uint32
	err := s.do(ctx, "empty", folder, func(c *imapclient.Client) error {
		data, err := s.selectLocked(c, folder)
		if err != nil {
			return err
		}
		n = data.NumMessages
		if n == 0 {
			return nil
		}

		var all imap.SeqSet
		all.AddRange(1, n)
		err = c.Store(all, &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}, nil).Close()
		if err != nil {
			return err
		}
		return c.Expunge().Close()
	})
	return n, err
}

// CreateFolder creates a folder on the server.
func (s *Session) CreateFolder(ctx context.Context, name string) error {
	return s.do(ctx, "create", name, func(c *imapclient.Client) error {
		return c.Create(name, nil).Wait()
	})
}

// RenameFolder renames a folder on the server.
func (s *Session) RenameFolder(ctx context.Context, oldName, newName string) error {
	return s.do(ctx, "rename", oldName, func(c *imapclient.Client) error {
		if s.selected == oldName {
			s.selected = ""
		}
		return c.Rename(oldName, newName, nil).Wait()
	})
}

// DeleteFolder deletes a folder on the server.
func (s *Session) DeleteFolder(ctx context.Context, name string) error {
	return s.do(ctx, "delete", name, func(c *imapclient.Client) error {
		if s.selected == name {
			s.selected = ""
		}
		return c.Delete(name).Wait()
	})
}

func uidSet(uids ...uint32) imap.UIDSet {
	conv := make([]imap.UID, len(uids))
	for i, u := range uids {
		conv[i] = imap.UID(u)
	}
	return imap.UIDSetNum(conv...)
}

func withAccount(err error, accountID string) error {
	var mErr *mailerr.Error
	if errors.As(err, &mErr) && mErr.Account == "" {
		mErr.Account = accountID
	}
	return err
}

func withUID(err error, uid uint32) error {
	var mErr *mailerr.Error
	if errors.As(err, &mErr) && mErr.UID == 0 {
		mErr.UID = uid
	}
	return err
}
