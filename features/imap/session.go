// Package imap implements bulk retrieval of Gmail-style conversation threads
// over IMAP: SPECIAL-USE folder resolution, batched thread discovery via
// X-GM-THRID, full thread retrieval from the All Mail folder, and body
// extraction into raw, markdown and cleaned shapes.
//
// All I/O within one fetch is sequential on a single connection. Concurrency
// across fetches is bounded per user by Pool.
package imap

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/responses"
)

// Gmail extension fetch items. Servers without the X-GM extensions leave
// these out of fetch responses, which disables thread deduplication.
const (
	itemThreadID = goimap.FetchItem("X-GM-THRID")
	itemLabels   = goimap.FetchItem("X-GM-LABELS")
)

type (
	// Conn is the IMAP session surface consumed by the fetcher. Satisfied by
	// *Session and by test mocks.
	Conn interface {
		// Mailboxes lists every mailbox with its attributes.
		Mailboxes() ([]MailboxInfo, error)
		// SelectReadOnly opens a mailbox without marking messages seen.
		SelectReadOnly(name string) error
		// SearchSince returns UIDs of messages received on or after the date.
		SearchSince(since time.Time) ([]uint32, error)
		// SearchThread returns UIDs of messages belonging to a Gmail thread.
		SearchThread(threadID uint64) ([]uint32, error)
		// FetchThreadIDs fetches X-GM-THRID for the given UIDs in one round
		// trip. UIDs without a thread id are absent from the result.
		FetchThreadIDs(uids []uint32) (map[uint32]uint64, error)
		// FetchFull fetches the full message body plus Gmail labels for the
		// given UIDs in one round trip.
		FetchFull(uids []uint32) ([]RawMessage, error)
		// Close logs out and drops the connection.
		Close() error
	}

	// MailboxInfo is one mailbox listing entry.
	MailboxInfo struct {
		Name       string
		Attributes []string
	}

	// RawMessage is one fetched message before parsing.
	RawMessage struct {
		UID    uint32
		Labels []string
		Body   []byte
	}

	// Session wraps one authenticated go-imap client connection.
	Session struct {
		cl *client.Client
	}

	// SessionOptions configures Dial.
	SessionOptions struct {
		// Addr is the host:port of the IMAP server. Required.
		Addr string
		// Username and Password authenticate via LOGIN. Required.
		Username string
		Password string
		// TLSConfig overrides the default TLS settings.
		TLSConfig *tls.Config
	}
)

// Dial connects over TLS and authenticates.
func Dial(opts SessionOptions) (*Session, error) {
	if opts.Addr == "" {
		return nil, errors.New("imap address is required")
	}
	if opts.Username == "" || opts.Password == "" {
		return nil, errors.New("imap credentials are required")
	}
	cl, err := client.DialTLS(opts.Addr, opts.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", opts.Addr, err)
	}
	if err := cl.Login(opts.Username, opts.Password); err != nil {
		_ = cl.Logout()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	return &Session{cl: cl}, nil
}

// Mailboxes implements Conn.
func (s *Session) Mailboxes() ([]MailboxInfo, error) {
	ch := make(chan *goimap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- s.cl.List("", "*", ch)
	}()
	var infos []MailboxInfo
	for mb := range ch {
		infos = append(infos, MailboxInfo{Name: mb.Name, Attributes: mb.Attributes})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap list: %w", err)
	}
	return infos, nil
}

// SelectReadOnly implements Conn.
func (s *Session) SelectReadOnly(name string) error {
	if _, err := s.cl.Select(name, true); err != nil {
		return fmt.Errorf("imap select %q: %w", name, err)
	}
	return nil
}

// SearchSince implements Conn.
func (s *Session) SearchSince(since time.Time) ([]uint32, error) {
	criteria := goimap.NewSearchCriteria()
	criteria.Since = since
	uids, err := s.cl.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap uid search since: %w", err)
	}
	return uids, nil
}

// threadSearchCommand is a raw UID SEARCH with the Gmail X-GM-THRID key,
// which go-imap's SearchCriteria cannot express.
type threadSearchCommand struct {
	threadID uint64
}

func (c *threadSearchCommand) Command() *goimap.Command {
	return &goimap.Command{
		Name: "UID SEARCH",
		Arguments: []interface{}{
			goimap.RawString("X-GM-THRID"),
			goimap.RawString(strconv.FormatUint(c.threadID, 10)),
		},
	}
}

// SearchThread implements Conn.
func (s *Session) SearchThread(threadID uint64) ([]uint32, error) {
	res := new(responses.Search)
	status, err := s.cl.Execute(&threadSearchCommand{threadID: threadID}, res)
	if err != nil {
		return nil, fmt.Errorf("imap thread search: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("imap thread search: %w", err)
	}
	return res.Ids, nil
}

// FetchThreadIDs implements Conn.
func (s *Session) FetchThreadIDs(uids []uint32) (map[uint32]uint64, error) {
	msgs, err := s.fetch(uids, []goimap.FetchItem{goimap.FetchUid, itemThreadID})
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]uint64, len(msgs))
	for _, msg := range msgs {
		if id, ok := threadIDItem(msg); ok {
			out[msg.Uid] = id
		}
	}
	return out, nil
}

// FetchFull implements Conn.
func (s *Session) FetchFull(uids []uint32) ([]RawMessage, error) {
	section := &goimap.BodySectionName{}
	msgs, err := s.fetch(uids, []goimap.FetchItem{goimap.FetchUid, section.FetchItem(), itemLabels})
	if err != nil {
		return nil, err
	}
	out := make([]RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		raw := RawMessage{UID: msg.Uid, Labels: labelsItem(msg)}
		if body := msg.GetBody(section); body != nil {
			data, err := io.ReadAll(body)
			if err != nil {
				return nil, fmt.Errorf("imap read body uid %d: %w", msg.Uid, err)
			}
			raw.Body = data
		}
		out = append(out, raw)
	}
	return out, nil
}

// Close implements Conn.
func (s *Session) Close() error {
	return s.cl.Logout()
}

func (s *Session) fetch(uids []uint32, items []goimap.FetchItem) ([]*goimap.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	seqset := new(goimap.SeqSet)
	seqset.AddNum(uids...)
	ch := make(chan *goimap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- s.cl.UidFetch(seqset, items, ch)
	}()
	var msgs []*goimap.Message
	for msg := range ch {
		msgs = append(msgs, msg)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap uid fetch: %w", err)
	}
	return msgs, nil
}

// threadIDItem decodes the X-GM-THRID fetch item. The wire value is a number
// but go-imap surfaces extension items as untyped fields.
func threadIDItem(msg *goimap.Message) (uint64, bool) {
	v, ok := msg.Items[itemThreadID]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case uint64:
		return t, true
	case int64:
		return uint64(t), true
	case uint32:
		return uint64(t), true
	case string:
		return parseThreadID(t)
	case goimap.RawString:
		return parseThreadID(string(t))
	default:
		return parseThreadID(fmt.Sprint(v))
	}
}

func parseThreadID(s string) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// labelsItem decodes the X-GM-LABELS fetch item into plain strings.
func labelsItem(msg *goimap.Message) []string {
	v, ok := msg.Items[itemLabels]
	if !ok || v == nil {
		return nil
	}
	fields, ok := v.([]interface{})
	if !ok {
		return nil
	}
	labels := make([]string, 0, len(fields))
	for _, f := range fields {
		switch t := f.(type) {
		case string:
			labels = append(labels, t)
		case goimap.RawString:
			labels = append(labels, string(t))
		}
	}
	return labels
}
