package imap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"

	"github.com/pipevine/pipevine/runtime/telemetry"
)

// defaultBatchSize is the UID batch size used during thread discovery. One
// batch is one fetch round trip.
const defaultBatchSize = 10

// Message direction relative to the mailbox owner.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Timing phase keys reported by Fetch.
const (
	PhaseSourceScan = "source_scan"
	PhaseDiscovery  = "discovery"
	PhaseFetch      = "fetch"
	PhaseTotal      = "total"
)

// gmailSentLabel marks messages authored by the mailbox owner.
const gmailSentLabel = "\\Sent"

type (
	// Message is one parsed thread member.
	Message struct {
		UID       uint32    `json:"uid"`
		MessageID string    `json:"message_id"`
		Subject   string    `json:"subject"`
		From      string    `json:"from"`
		Date      time.Time `json:"date"`
		Labels    []string  `json:"labels,omitempty"`
		Direction string    `json:"direction"`
		Body      Body      `json:"body"`
	}

	// Thread is one Gmail conversation, messages in chronological order.
	Thread struct {
		ThreadID uint64    `json:"thread_id"`
		Messages []Message `json:"messages"`
	}

	// Request configures one bulk fetch.
	Request struct {
		// UserID selects the concurrency slot.
		UserID string
		// TargetThreadCount caps the number of unique threads returned.
		TargetThreadCount int
		// MaxAgeMonths bounds the source scan window; one month counts as 30
		// days.
		MaxAgeMonths int
		// SourceFolderAttribute is the RFC 6154 special-use attribute of the
		// folder to scan. Defaults to \Sent.
		SourceFolderAttribute string
	}

	// Result carries the fetched threads plus phase-level timings.
	Result struct {
		Threads []Thread
		Timing  map[string]time.Duration
	}

	// FolderNotFoundError indicates no mailbox matched a special-use
	// attribute, its fallback names, or its substring.
	FolderNotFoundError struct {
		Attribute string
	}

	// Fetcher retrieves recent unique threads from a Gmail-style mailbox.
	Fetcher struct {
		pool       *Pool
		checkpoint Checkpoint
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		batch      int
		now        func() time.Time
	}

	// FetcherOptions configures NewFetcher.
	FetcherOptions struct {
		// Pool bounds per-user session concurrency. Required.
		Pool *Pool
		// Checkpoint records the newest UID seen per user so incremental
		// scans can skip already ingested mail. Optional.
		Checkpoint Checkpoint
		// Logger defaults to a noop.
		Logger telemetry.Logger
		// Metrics defaults to a noop.
		Metrics telemetry.Metrics
		// BatchSize overrides the discovery batch size.
		BatchSize int
	}
)

// Error implements error.
func (e *FolderNotFoundError) Error() string {
	return fmt.Sprintf("imap: no folder matches special-use attribute %s", e.Attribute)
}

// NewFetcher builds a Fetcher.
func NewFetcher(opts FetcherOptions) (*Fetcher, error) {
	if opts.Pool == nil {
		return nil, errors.New("pool is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Fetcher{
		pool:       opts.Pool,
		checkpoint: opts.Checkpoint,
		logger:     logger,
		metrics:    metrics,
		batch:      batch,
		now:        time.Now,
	}, nil
}

// FetchThreads returns up to TargetThreadCount unique recent threads from
// the requested source folder. Per-thread failures are logged and skipped;
// folder resolution failures abort the whole call.
func (f *Fetcher) FetchThreads(ctx context.Context, conn Conn, req Request) (*Result, error) {
	if conn == nil {
		return nil, errors.New("imap connection is required")
	}
	if req.TargetThreadCount <= 0 {
		return nil, errors.New("target thread count must be positive")
	}
	if req.MaxAgeMonths <= 0 {
		return nil, errors.New("max age months must be positive")
	}
	attribute := req.SourceFolderAttribute
	if attribute == "" {
		attribute = goimap.SentAttr
	}

	release, err := f.pool.Acquire(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	start := f.now()
	timing := make(map[string]time.Duration, 4)

	mailboxes, err := conn.Mailboxes()
	if err != nil {
		return nil, err
	}
	source, err := resolveFolder(mailboxes, attribute)
	if err != nil {
		return nil, err
	}
	allMail, err := resolveFolder(mailboxes, goimap.AllAttr)
	if err != nil {
		return nil, err
	}

	uids, err := f.scanSource(conn, source, req.MaxAgeMonths)
	timing[PhaseSourceScan] = f.now().Sub(start)
	if err != nil {
		return nil, err
	}
	f.recordHighWater(ctx, req.UserID, uids)

	discoveryStart := f.now()
	threadIDs, err := f.discoverThreads(ctx, conn, uids, req.TargetThreadCount)
	timing[PhaseDiscovery] = f.now().Sub(discoveryStart)
	if err != nil {
		return nil, err
	}

	fetchStart := f.now()
	threads, err := f.fetchThreads(ctx, conn, allMail, threadIDs)
	timing[PhaseFetch] = f.now().Sub(fetchStart)
	if err != nil {
		return nil, err
	}
	timing[PhaseTotal] = f.now().Sub(start)

	f.metrics.IncCounter(telemetry.MetricThreadsFetched, float64(len(threads)),
		"user_id", req.UserID)
	f.logger.Info(ctx, "imap bulk fetch finished",
		"user_id", req.UserID,
		"source_folder", source,
		"threads", len(threads),
		"duration", timing[PhaseTotal].String())
	return &Result{Threads: threads, Timing: timing}, nil
}

// scanSource selects the source folder and returns candidate UIDs newest
// first.
func (f *Fetcher) scanSource(conn Conn, folder string, maxAgeMonths int) ([]uint32, error) {
	if err := conn.SelectReadOnly(folder); err != nil {
		return nil, err
	}
	since := f.now().AddDate(0, 0, -maxAgeMonths*30)
	uids, err := conn.SearchSince(since)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(uids)-1; i < j; i, j = i+1, j-1 {
		uids[i], uids[j] = uids[j], uids[i]
	}
	return uids, nil
}

// recordHighWater stores the newest UID of the scan. Best effort: a failing
// checkpoint write never fails the fetch.
func (f *Fetcher) recordHighWater(ctx context.Context, userID string, newestFirst []uint32) {
	if f.checkpoint == nil || len(newestFirst) == 0 {
		return
	}
	if err := f.checkpoint.SetLastUID(ctx, userID, newestFirst[0]); err != nil {
		f.logger.Warn(ctx, "imap checkpoint write failed",
			"user_id", userID, "err", err.Error())
	}
}

// discoverThreads walks the UID list in batches, fetching X-GM-THRID one
// batch per round trip, and stops as soon as enough unique threads are seen.
func (f *Fetcher) discoverThreads(ctx context.Context, conn Conn, uids []uint32, target int) ([]uint64, error) {
	seen := make(map[uint64]struct{}, target)
	var ordered []uint64
	for offset := 0; offset < len(uids) && len(ordered) < target; offset += f.batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := offset + f.batch
		if end > len(uids) {
			end = len(uids)
		}
		ids, err := conn.FetchThreadIDs(uids[offset:end])
		if err != nil {
			return nil, err
		}
		// Preserve the newest-first order of the batch, not map order.
		for _, uid := range uids[offset:end] {
			id, ok := ids[uid]
			if !ok {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ordered = append(ordered, id)
			if len(ordered) >= target {
				break
			}
		}
	}
	return ordered, nil
}

// fetchThreads retrieves every member of each thread from the All Mail
// folder. A failing thread is logged and skipped.
func (f *Fetcher) fetchThreads(ctx context.Context, conn Conn, allMail string, threadIDs []uint64) ([]Thread, error) {
	if len(threadIDs) == 0 {
		return nil, nil
	}
	if err := conn.SelectReadOnly(allMail); err != nil {
		return nil, err
	}
	threads := make([]Thread, 0, len(threadIDs))
	for _, id := range threadIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		thread, err := f.fetchThread(conn, id)
		if err != nil {
			f.logger.Warn(ctx, "imap thread fetch failed, skipping",
				"thread_id", id, "err", err.Error())
			continue
		}
		if len(thread.Messages) == 0 {
			continue
		}
		threads = append(threads, *thread)
	}
	return threads, nil
}

func (f *Fetcher) fetchThread(conn Conn, id uint64) (*Thread, error) {
	uids, err := conn.SearchThread(id)
	if err != nil {
		return nil, err
	}
	raws, err := conn.FetchFull(uids)
	if err != nil {
		return nil, err
	}
	thread := &Thread{ThreadID: id}
	for _, raw := range raws {
		email, err := parseEmail(raw.Body)
		if err != nil {
			return nil, fmt.Errorf("uid %d: %w", raw.UID, err)
		}
		// Drafts carry no Message-ID.
		if email.MessageID == "" {
			continue
		}
		thread.Messages = append(thread.Messages, Message{
			UID:       raw.UID,
			MessageID: email.MessageID,
			Subject:   email.Subject,
			From:      email.From,
			Date:      email.Date,
			Labels:    raw.Labels,
			Direction: classify(raw.Labels),
			Body:      extractBody(email.Plain, email.HTML),
		})
	}
	sort.SliceStable(thread.Messages, func(i, j int) bool {
		return thread.Messages[i].Date.Before(thread.Messages[j].Date)
	})
	return thread, nil
}

func classify(labels []string) string {
	for _, label := range labels {
		if label == gmailSentLabel {
			return DirectionSent
		}
	}
	return DirectionReceived
}

// folderFallbacks maps special-use attributes to common concrete folder
// names on servers that do not advertise SPECIAL-USE.
var folderFallbacks = map[string][]string{
	goimap.SentAttr:   {"[Gmail]/Sent Mail", "Sent", "Sent Items", "Sent Messages"},
	goimap.AllAttr:    {"[Gmail]/All Mail", "All Mail", "Archive"},
	goimap.DraftsAttr: {"[Gmail]/Drafts", "Drafts"},
	goimap.TrashAttr:  {"[Gmail]/Trash", "Trash", "Deleted Items"},
	goimap.JunkAttr:   {"[Gmail]/Spam", "Spam", "Junk"},
}

// folderSubstrings is the last-resort case-insensitive name match.
var folderSubstrings = map[string]string{
	goimap.SentAttr:   "sent",
	goimap.AllAttr:    "all",
	goimap.DraftsAttr: "draft",
	goimap.TrashAttr:  "trash",
	goimap.JunkAttr:   "spam",
}

// resolveFolder finds the mailbox for a special-use attribute: advertised
// attribute first, then the fallback name table, then substring match.
func resolveFolder(mailboxes []MailboxInfo, attribute string) (string, error) {
	for _, mb := range mailboxes {
		for _, attr := range mb.Attributes {
			if strings.EqualFold(attr, attribute) {
				return mb.Name, nil
			}
		}
	}
	for _, name := range folderFallbacks[attribute] {
		for _, mb := range mailboxes {
			if strings.EqualFold(mb.Name, name) {
				return mb.Name, nil
			}
		}
	}
	if sub := folderSubstrings[attribute]; sub != "" {
		for _, mb := range mailboxes {
			if strings.Contains(strings.ToLower(mb.Name), sub) {
				return mb.Name, nil
			}
		}
	}
	return "", &FolderNotFoundError{Attribute: attribute}
}
