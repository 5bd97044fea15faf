package imap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVisibleReply(t *testing.T) {
	cases := []struct {
		name  string
		plain string
		want  string
	}{
		{
			name:  "empty",
			plain: "",
			want:  "",
		},
		{
			name:  "no history",
			plain: "Thanks, looks good.\nSee you Monday.",
			want:  "Thanks, looks good.\nSee you Monday.",
		},
		{
			name:  "gmail attribution cut",
			plain: "Sounds great!\n\nOn Mon, Jan 2, 2025 at 10:00 AM Bob <bob@example.com> wrote:\n> earlier text\n> more",
			want:  "Sounds great!",
		},
		{
			name:  "quoted lines dropped",
			plain: "Agreed.\n> what about tuesday?\nWorks for me.",
			want:  "Agreed.\nWorks for me.",
		},
		{
			name:  "french attribution cut",
			plain: "Merci beaucoup.\n\nLe 2 janv. 2025 à 10:00, Bob a écrit :\n> bonjour",
			want:  "Merci beaucoup.",
		},
		{
			name:  "outlook original message cut",
			plain: "Will do.\n\n-----Original Message-----\nFrom: Bob\nSent: Monday",
			want:  "Will do.",
		},
		{
			name:  "underscore separator cut",
			plain: "Done.\n________________\nFrom: Bob <bob@example.com>",
			want:  "Done.",
		},
		{
			name:  "from header line cut",
			plain: "Shipping today.\nFrom: Bob <bob@example.com>\nold content",
			want:  "Shipping today.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, visibleReply(tc.plain))
		})
	}
}

func TestStripQuotedHTMLGmail(t *testing.T) {
	html := `<div dir="ltr">New reply here.</div>` +
		`<div class="gmail_attr">On Mon, Jan 2, 2025 Bob wrote:</div>` +
		`<div class="gmail_quote"><blockquote>old conversation</blockquote></div>`
	got := stripQuotedHTML(html)
	require.Contains(t, got, "New reply here.")
	require.NotContains(t, got, "old conversation")
	require.NotContains(t, got, "gmail_attr")
}

func TestStripQuotedHTMLOutlook(t *testing.T) {
	html := `<p>New reply.</p><hr id="stopSpelling"><p>Quoted history.</p>`
	got := stripQuotedHTML(html)
	require.Contains(t, got, "New reply.")
	require.NotContains(t, got, "Quoted history.")
	require.NotContains(t, got, "stopSpelling")
}

func TestStripQuotedHTMLAppleCite(t *testing.T) {
	html := `<p>New reply.</p><blockquote type="cite"><p>Quoted history.</p></blockquote>`
	got := stripQuotedHTML(html)
	require.Contains(t, got, "New reply.")
	require.NotContains(t, got, "Quoted history.")
}

func TestStripQuotedHTMLAttributionBlockquote(t *testing.T) {
	html := `<p>New reply.</p><blockquote>On Mon, Jan 2, 2025 Bob wrote:
old content</blockquote>`
	got := stripQuotedHTML(html)
	require.Contains(t, got, "New reply.")
	require.NotContains(t, got, "old content")
}

func TestExtractBodyPlainOnly(t *testing.T) {
	b := extractBody("Hello *world*.\n\nOn Mon Bob wrote:\n> old", "")
	require.Equal(t, "Hello *world*.", b.Raw)
	require.Equal(t, "Hello *world*.", b.Markdown)
	require.Equal(t, "Hello world.", b.Cleaned)
}

func TestExtractBodyHTML(t *testing.T) {
	html := `<div>Hello <b>world</b>.</div>` +
		`<div class="gmail_quote">old conversation</div>`
	b := extractBody("Hello world.", html)
	require.Contains(t, b.Raw, "<b>world</b>")
	require.NotContains(t, b.Raw, "old conversation")
	require.Contains(t, b.Markdown, "**world**")
	// Cleaned prefers the plain-text reply.
	require.Equal(t, "Hello world.", b.Cleaned)
}

func TestExtractBodyHTMLOnly(t *testing.T) {
	b := extractBody("", "<p>Ship it on <i>Monday</i>.</p>")
	require.Contains(t, b.Markdown, "Monday")
	require.Equal(t, "Ship it on Monday.", b.Cleaned)
}

func TestCleanedText(t *testing.T) {
	in := "# Update\n\nSee [the docs](https://example.com) and ![diagram](cid:img) for *details*.\n\n> note"
	require.Equal(t, "Update See the docs and diagram for details. note", cleanedText(in))
}

func TestParseEmailSinglePart(t *testing.T) {
	raw := "From: Alice <alice@example.com>\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: Quick update\r\n" +
		"Date: Thu, 02 Jan 2025 10:00:00 +0000\r\n" +
		"Message-Id: <m1@example.com>\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Hi Bob,\r\nshipping today.\r\n"

	email, err := parseEmail([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "m1@example.com", email.MessageID)
	require.Equal(t, "Quick update", email.Subject)
	require.Equal(t, "alice@example.com", email.From)
	require.Equal(t, time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC), email.Date.UTC())
	require.Contains(t, email.Plain, "shipping today.")
	require.Empty(t, email.HTML)
}

func TestParseEmailMultipartAlternative(t *testing.T) {
	raw := "From: Alice <alice@example.com>\r\n" +
		"Subject: Update\r\n" +
		"Date: Thu, 02 Jan 2025 10:00:00 +0000\r\n" +
		"Message-Id: <m2@example.com>\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=BOUNDARY\r\n" +
		"\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Plain version\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>HTML version</p>\r\n" +
		"--BOUNDARY--\r\n"

	email, err := parseEmail([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "m2@example.com", email.MessageID)
	require.Contains(t, email.Plain, "Plain version")
	require.Contains(t, email.HTML, "<p>HTML version</p>")
}

func TestParseEmailWithoutMessageID(t *testing.T) {
	raw := "From: Alice <alice@example.com>\r\n" +
		"Subject: Draft\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"unsent draft\r\n"

	email, err := parseEmail([]byte(raw))
	require.NoError(t, err)
	require.Empty(t, email.MessageID)
}
