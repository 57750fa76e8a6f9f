package ingest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"

	"github.com/nhle/mailsync/internal/ident"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
)

// Header defaults used when a header is missing or unreadable.
const (
	UnknownAddress = "Unknown"
	NoSubject      = "No Subject"
)

// ParsedMessage is the structured form of one raw message.
type ParsedMessage struct {
	MessageID string
	From      string
	To        []string
	Subject   string

	// Date is RFC 3339 when the Date header parses, the raw header value
	// when it does not, and empty when it is missing.
	Date string

	// Headers is the raw header block.
	Headers string

	Text        string
	HTML        string
	Attachments []model.Attachment

	// Parts is the number of leaf body parts.
	Parts int

	// Structured is false when the MIME structure could not be read and
	// the attachment list is therefore unreliable.
	Structured bool
}

// ParseRaw parses RFC 5322 bytes. Missing or malformed headers degrade to
// defaults; only input without a readable header block is rejected.
func ParseRaw(raw []byte) (*ParsedMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, mailerr.Newf(mailerr.KindParse, "parse message", "empty message")
	}

	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, mailerr.New(mailerr.KindParse, "parse message headers", err)
	}
	h := mail.Header{Header: message.Header{Header: th}}

	headerBlock, body := splitHeader(raw)
	p := &ParsedMessage{
		MessageID: messageID(h),
		From:      firstAddress(h, "From"),
		To:        addressList(h, "To"),
		Subject:   subject(h),
		Date:      date(h),
		Headers:   headerBlock,
	}

	if env, err := enmime.ReadEnvelope(bytes.NewReader(raw)); err == nil {
		p.Text = env.Text
		p.HTML = env.HTML
		p.Parts = countLeaves(env.Root)
		p.Structured = true
		for _, a := range env.Attachments {
			p.Attachments = append(p.Attachments, model.Attachment{
				Filename: a.FileName,
				MIMEType: a.ContentType,
				Size:     int64(len(a.Content)),
			})
		}
		return p, nil
	}

	text, html, atts, parts, err := walkParts(raw)
	if err != nil {
		p.Text = body
		p.Parts = 1
		return p, nil
	}
	p.Text = text
	p.HTML = html
	p.Attachments = atts
	p.Parts = parts
	p.Structured = true
	if p.Text == "" && p.HTML == "" {
		p.Text = body
	}
	return p, nil
}

// ToCacheRecord builds the cached email for a parsed message. flags are
// the message flags from the fetch; nil means they were not fetched.
func ToCacheRecord(
	p *ParsedMessage,
	accountID, folder string,
	uid uint32,
	flags []imap.Flag,
) model.Email {
	e := model.Email{
		ID:        ident.Encode(accountID, folder, uid),
		AccountID: accountID,
		FolderID:  ident.FolderID(accountID, folder),
		UID:       uid,
		MessageID: p.MessageID,
		Subject:   p.Subject,
		From:      p.From,
		To:        strings.Join(p.To, ", "),
		Date:      p.Date,
		Preview:   preview(p),
		Headers:   p.Headers,
		CachedAt:  time.Now().UTC(),
	}

	for _, f := range flags {
		switch f {
		case imap.FlagSeen:
			e.IsRead = true
		case imap.FlagFlagged:
			e.IsStarred = true
		}
	}

	if p.Structured {
		e.HasAttachments = len(p.Attachments) > 0
	} else {
		e.HasAttachments = p.Parts > 1
	}

	return e
}

func preview(p *ParsedMessage) string {
	text := p.Text
	if strings.TrimSpace(text) == "" && p.HTML != "" {
		text = stripTags(p.HTML)
	}
	return truncateRunes(text, model.PreviewLength)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// stripTags drops anything between angle brackets. It is only used for the
// preview of HTML-only bodies when enmime could not convert them.
func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func messageID(h mail.Header) string {
	id, err := h.MessageID()
	if err != nil || id == "" {
		return strings.TrimSpace(h.Get("Message-Id"))
	}
	return "<" + id + ">"
}

func subject(h mail.Header) string {
	s, err := h.Subject()
	if err != nil {
		s = h.Get("Subject")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return NoSubject
	}
	return s
}

func date(h mail.Header) string {
	if !h.Has("Date") {
		return ""
	}
	t, err := h.Date()
	if err != nil || t.IsZero() {
		return strings.TrimSpace(h.Get("Date"))
	}
	return t.UTC().Format(time.RFC3339)
}

func formatAddress(a *mail.Address) string {
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, a.Address)
	}
	return a.Address
}

func firstAddress(h mail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err == nil && len(addrs) > 0 {
		return formatAddress(addrs[0])
	}
	if raw := strings.TrimSpace(h.Get(key)); raw != "" {
		return raw
	}
	return UnknownAddress
}

func addressList(h mail.Header, key string) []string {
	addrs, err := h.AddressList(key)
	if err == nil && len(addrs) > 0 {
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, formatAddress(a))
		}
		return out
	}
	if raw := strings.TrimSpace(h.Get(key)); raw != "" {
		return []string{raw}
	}
	return []string{UnknownAddress}
}

// splitHeader returns the raw header block and the remaining body.
func splitHeader(raw []byte) (string, string) {
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(raw, sep); i >= 0 {
			return string(raw[:i]), string(raw[i+len(sep):])
		}
	}
	return string(raw), ""
}

func countLeaves(p *enmime.Part) int {
	if p == nil {
		return 0
	}
	if p.FirstChild == nil {
		return 1
	}
	n := 0
	for c := p.FirstChild; c != nil; c = c.NextSibling {
		n += countLeaves(c)
	}
	return n
}

// walkParts reads the message with go-message when enmime rejects it,
// collecting the text and HTML bodies and attachment metadata.
func walkParts(raw []byte) (
	textBody, htmlBody string, attachments []model.Attachment, parts int, err error,
) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", "", nil, 0, err
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if parts == 0 {
				return "", "", nil, 0, err
			}
			break
		}
		parts++

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain") && textBody == "":
				textBody = string(body)
			case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
				htmlBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			n, _ := io.Copy(io.Discard, part.Body)
			attachments = append(attachments, model.Attachment{
				Filename: filename,
				MIMEType: contentType,
				Size:     n,
			})
		}
	}

	return textBody, htmlBody, attachments, parts, nil
}
