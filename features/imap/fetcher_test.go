package imap_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/stretchr/testify/require"

	"github.com/pipevine/pipevine/features/imap"
)

type fakeConn struct {
	mailboxes   []imap.MailboxInfo
	uids        []uint32
	threadIDs   map[uint32]uint64
	threads     map[uint64][]uint32
	messages    map[uint32]imap.RawMessage
	selected    []string
	since       time.Time
	batchesSeen int
	searchErr   error
	closed      bool
}

func (c *fakeConn) Mailboxes() ([]imap.MailboxInfo, error) { return c.mailboxes, nil }

func (c *fakeConn) SelectReadOnly(name string) error {
	c.selected = append(c.selected, name)
	return nil
}

func (c *fakeConn) SearchSince(since time.Time) ([]uint32, error) {
	c.since = since
	return append([]uint32(nil), c.uids...), c.searchErr
}

func (c *fakeConn) SearchThread(id uint64) ([]uint32, error) {
	return c.threads[id], nil
}

func (c *fakeConn) FetchThreadIDs(uids []uint32) (map[uint32]uint64, error) {
	c.batchesSeen++
	out := make(map[uint32]uint64, len(uids))
	for _, uid := range uids {
		if id, ok := c.threadIDs[uid]; ok {
			out[uid] = id
		}
	}
	return out, nil
}

func (c *fakeConn) FetchFull(uids []uint32) ([]imap.RawMessage, error) {
	out := make([]imap.RawMessage, 0, len(uids))
	for _, uid := range uids {
		if msg, ok := c.messages[uid]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func gmailMailboxes() []imap.MailboxInfo {
	return []imap.MailboxInfo{
		{Name: "INBOX"},
		{Name: "[Gmail]/Sent Mail", Attributes: []string{goimap.SentAttr}},
		{Name: "[Gmail]/All Mail", Attributes: []string{goimap.AllAttr}},
	}
}

func rawEmail(uid uint32, messageID, from, date, body string, labels ...string) imap.RawMessage {
	text := "From: " + from + "\r\n" +
		"Subject: Test thread\r\n" +
		"Date: " + date + "\r\n"
	if messageID != "" {
		text += "Message-Id: <" + messageID + ">\r\n"
	}
	text += "Content-Type: text/plain; charset=utf-8\r\n\r\n" + body + "\r\n"
	return imap.RawMessage{UID: uid, Labels: labels, Body: []byte(text)}
}

func newFetcher(t *testing.T, checkpoint imap.Checkpoint, batch int) *imap.Fetcher {
	t.Helper()
	f, err := imap.NewFetcher(imap.FetcherOptions{
		Pool:       imap.NewPool(2),
		Checkpoint: checkpoint,
		BatchSize:  batch,
	})
	require.NoError(t, err)
	return f
}

func TestFetchThreads(t *testing.T) {
	conn := &fakeConn{
		mailboxes: gmailMailboxes(),
		uids:      []uint32{1, 2, 3},
		threadIDs: map[uint32]uint64{3: 100, 2: 200, 1: 100},
		threads:   map[uint64][]uint32{100: {10, 11}, 200: {12, 13}},
		messages: map[uint32]imap.RawMessage{
			10: rawEmail(10, "a2@example.com", "me@example.com", "Thu, 02 Jan 2025 09:00:00 +0000", "My reply.", `\Sent`),
			11: rawEmail(11, "a1@example.com", "bob@example.com", "Wed, 01 Jan 2025 09:00:00 +0000", "Original question."),
			12: rawEmail(12, "b1@example.com", "carol@example.com", "Fri, 03 Jan 2025 09:00:00 +0000", "Other thread."),
			// Drafts carry no Message-ID and are skipped.
			13: rawEmail(13, "", "me@example.com", "Fri, 03 Jan 2025 10:00:00 +0000", "Unsent draft."),
		},
	}
	checkpoint := imap.NewInMemCheckpoint()
	fetcher := newFetcher(t, checkpoint, 0)

	res, err := fetcher.FetchThreads(context.Background(), conn, imap.Request{
		UserID:            "alice",
		TargetThreadCount: 2,
		MaxAgeMonths:      6,
	})
	require.NoError(t, err)

	// Source scan in the sent folder, thread fetch in All Mail.
	require.Equal(t, []string{"[Gmail]/Sent Mail", "[Gmail]/All Mail"}, conn.selected)
	// Six months count as 180 days.
	require.WithinDuration(t, time.Now().AddDate(0, 0, -180), conn.since, time.Minute)

	require.Len(t, res.Threads, 2)
	// Threads keep the newest-first discovery order.
	first, second := res.Threads[0], res.Threads[1]
	require.EqualValues(t, 100, first.ThreadID)
	require.EqualValues(t, 200, second.ThreadID)

	// Thread members are chronological regardless of fetch order.
	require.Len(t, first.Messages, 2)
	require.Equal(t, "a1@example.com", first.Messages[0].MessageID)
	require.Equal(t, imap.DirectionReceived, first.Messages[0].Direction)
	require.Equal(t, "a2@example.com", first.Messages[1].MessageID)
	require.Equal(t, imap.DirectionSent, first.Messages[1].Direction)
	require.Equal(t, "My reply.", first.Messages[1].Body.Cleaned)

	// The draft without a Message-ID is dropped.
	require.Len(t, second.Messages, 1)
	require.Equal(t, "b1@example.com", second.Messages[0].MessageID)

	for _, phase := range []string{imap.PhaseSourceScan, imap.PhaseDiscovery, imap.PhaseFetch, imap.PhaseTotal} {
		require.Contains(t, res.Timing, phase)
	}

	// The newest scanned UID becomes the checkpoint high-water mark.
	last, err := checkpoint.LastUID(context.Background(), "alice")
	require.NoError(t, err)
	require.EqualValues(t, 3, last)
}

func TestFetchThreadsDiscoveryStopsEarly(t *testing.T) {
	threadIDs := make(map[uint32]uint64)
	var uids []uint32
	for uid := uint32(1); uid <= 40; uid++ {
		uids = append(uids, uid)
		threadIDs[uid] = 100
	}
	conn := &fakeConn{
		mailboxes: gmailMailboxes(),
		uids:      uids,
		threadIDs: threadIDs,
		threads:   map[uint64][]uint32{100: {40}},
		messages: map[uint32]imap.RawMessage{
			40: rawEmail(40, "x@example.com", "me@example.com", "Thu, 02 Jan 2025 09:00:00 +0000", "Hello."),
		},
	}
	fetcher := newFetcher(t, nil, 10)

	res, err := fetcher.FetchThreads(context.Background(), conn, imap.Request{
		UserID:            "alice",
		TargetThreadCount: 1,
		MaxAgeMonths:      1,
	})
	require.NoError(t, err)
	require.Len(t, res.Threads, 1)
	// The target was reached within the first batch; no further round trips.
	require.Equal(t, 1, conn.batchesSeen)
}

func TestFetchThreadsFolderNotFound(t *testing.T) {
	conn := &fakeConn{mailboxes: []imap.MailboxInfo{{Name: "INBOX"}}}
	fetcher := newFetcher(t, nil, 0)

	_, err := fetcher.FetchThreads(context.Background(), conn, imap.Request{
		UserID: "alice", TargetThreadCount: 1, MaxAgeMonths: 1,
	})
	var notFound *imap.FolderNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, goimap.SentAttr, notFound.Attribute)
}

func TestFetchThreadsValidation(t *testing.T) {
	fetcher := newFetcher(t, nil, 0)
	ctx := context.Background()
	conn := &fakeConn{mailboxes: gmailMailboxes()}

	_, err := fetcher.FetchThreads(ctx, nil, imap.Request{TargetThreadCount: 1, MaxAgeMonths: 1})
	require.ErrorContains(t, err, "connection is required")

	_, err = fetcher.FetchThreads(ctx, conn, imap.Request{MaxAgeMonths: 1})
	require.ErrorContains(t, err, "target thread count")

	_, err = fetcher.FetchThreads(ctx, conn, imap.Request{TargetThreadCount: 1})
	require.ErrorContains(t, err, "max age months")
}

func TestFetchThreadsSkipsFailingThread(t *testing.T) {
	conn := &fakeConn{
		mailboxes: gmailMailboxes(),
		uids:      []uint32{1, 2},
		threadIDs: map[uint32]uint64{2: 100, 1: 200},
		threads:   map[uint64][]uint32{100: {10}, 200: {11}},
		messages: map[uint32]imap.RawMessage{
			// Thread 100 yields an unparsable message; thread 200 is fine.
			10: {UID: 10, Body: []byte("")},
			11: rawEmail(11, "ok@example.com", "bob@example.com", "Thu, 02 Jan 2025 09:00:00 +0000", "Fine."),
		},
	}
	fetcher := newFetcher(t, nil, 0)

	res, err := fetcher.FetchThreads(context.Background(), conn, imap.Request{
		UserID: "alice", TargetThreadCount: 2, MaxAgeMonths: 1,
	})
	require.NoError(t, err)
	require.Len(t, res.Threads, 1)
	require.EqualValues(t, 200, res.Threads[0].ThreadID)
}

func TestNewFetcherRequiresPool(t *testing.T) {
	_, err := imap.NewFetcher(imap.FetcherOptions{})
	require.ErrorContains(t, err, "pool is required")
}

func TestFolderNotFoundErrorMessage(t *testing.T) {
	err := &imap.FolderNotFoundError{Attribute: goimap.AllAttr}
	require.Equal(t, fmt.Sprintf("imap: no folder matches special-use attribute %s", goimap.AllAttr), err.Error())
}
