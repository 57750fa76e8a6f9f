package testutil

import (
	"fmt"
	"net"
	"strconv"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
)

// Credentials accepted by the in-memory IMAP server.
const (
	TestUser = "testuser"
	TestPass = "testpass"
)

// IMAPServer is an in-memory IMAP server listening on the loopback
// interface.
type IMAPServer struct {
	Addr string
	Mem  *imapmemserver.Server
	User *imapmemserver.User
}

// NewTestIMAPServer starts an in-memory IMAP server with an empty INBOX
// and the given extra mailboxes. The server is closed when the test
// completes.
func NewTestIMAPServer(t *testing.T, mailboxes ...string) *IMAPServer {
	t.Helper()

	memSrv := imapmemserver.New()
	user := imapmemserver.NewUser(TestUser, TestPass)
	for _, name := range append([]string{"INBOX"}, mailboxes...) {
		if err := user.Create(name, nil); err != nil {
			t.Fatalf("creating mailbox %s: %v", name, err)
		}
	}
	memSrv.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(_ *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memSrv.NewSession(), nil, nil
		},
		InsecureAuth: true,
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
		},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return &IMAPServer{Addr: ln.Addr().String(), Mem: memSrv, User: user}
}

// Append stores a raw RFC 5322 message in mailbox through a separate
// client connection, optionally with flags.
func (s *IMAPServer) Append(t *testing.T, mailbox, raw string, flags ...imap.Flag) {
	t.Helper()

	c := s.dial(t)
	defer c.Close()

	var opts *imap.AppendOptions
	if len(flags) > 0 {
		opts = &imap.AppendOptions{Flags: flags}
	}

	appendCmd := c.Append(mailbox, int64(len(raw)), opts)
	if _, err := appendCmd.Write([]byte(raw)); err != nil {
		t.Fatal(err)
	}
	if err := appendCmd.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := appendCmd.Wait(); err != nil {
		t.Fatal(err)
	}
}

// AppendN appends n simple messages numbered from 1 to mailbox.
func (s *IMAPServer) AppendN(t *testing.T, mailbox string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		s.Append(t, mailbox, SimpleMessage(
			fmt.Sprintf("Message %d", i),
			fmt.Sprintf("<msg-%d@example.com>", i),
		))
	}
}

// Flags returns the flags of the message with uid in mailbox.
func (s *IMAPServer) Flags(t *testing.T, mailbox string, uid imap.UID) []imap.Flag {
	t.Helper()

	c := s.dial(t)
	defer c.Close()

	if _, err := c.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		t.Fatal(err)
	}
	msgs, err := c.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{Flags: true, UID: true}).Collect()
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) == 0 {
		return nil
	}
	return msgs[0].Flags
}

// UIDs returns every uid currently in mailbox.
func (s *IMAPServer) UIDs(t *testing.T, mailbox string) []imap.UID {
	t.Helper()

	c := s.dial(t)
	defer c.Close()

	if _, err := c.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		t.Fatal(err)
	}
	data, err := c.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		t.Fatal(err)
	}
	return data.AllUIDs()
}

// Mailboxes returns the names of every mailbox on the server.
func (s *IMAPServer) Mailboxes(t *testing.T) []string {
	t.Helper()

	c := s.dial(t)
	defer c.Close()

	list, err := c.List("", "*", nil).Collect()
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(list))
	for _, l := range list {
		names = append(names, l.Mailbox)
	}
	return names
}

func (s *IMAPServer) dial(t *testing.T) *imapclient.Client {
	t.Helper()

	conn, err := net.Dial("tcp", s.Addr)
	if err != nil {
		t.Fatal(err)
	}
	c := imapclient.New(conn, nil)
	if err := c.Login(TestUser, TestPass).Wait(); err != nil {
		t.Fatal(err)
	}
	return c
}

// SimpleMessage builds a minimal plain-text message.
func SimpleMessage(subject, messageID string) string {
	return "From: Alice <alice@example.com>\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
		"Message-ID: " + messageID + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Body of " + subject + "\r\n"
}

// SplitAddr splits "host:port" into its parts.
func SplitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}
