package imap

import (
	"testing"

	goimap "github.com/emersion/go-imap"
	"github.com/stretchr/testify/require"
)

func TestResolveFolder(t *testing.T) {
	cases := []struct {
		name      string
		mailboxes []MailboxInfo
		attribute string
		want      string
	}{
		{
			name: "advertised attribute wins",
			mailboxes: []MailboxInfo{
				{Name: "Sent"},
				{Name: "Elsewhere", Attributes: []string{goimap.SentAttr}},
			},
			attribute: goimap.SentAttr,
			want:      "Elsewhere",
		},
		{
			name:      "attribute match is case insensitive",
			mailboxes: []MailboxInfo{{Name: "Out", Attributes: []string{`\sent`}}},
			attribute: goimap.SentAttr,
			want:      "Out",
		},
		{
			name:      "fallback name",
			mailboxes: []MailboxInfo{{Name: "INBOX"}, {Name: "[Gmail]/Sent Mail"}},
			attribute: goimap.SentAttr,
			want:      "[Gmail]/Sent Mail",
		},
		{
			name:      "fallback name for all mail",
			mailboxes: []MailboxInfo{{Name: "INBOX"}, {Name: "Archive"}},
			attribute: goimap.AllAttr,
			want:      "Archive",
		},
		{
			name:      "substring as last resort",
			mailboxes: []MailboxInfo{{Name: "INBOX"}, {Name: "Gesendet/sent-2024"}},
			attribute: goimap.SentAttr,
			want:      "Gesendet/sent-2024",
		},
		{
			name:      "drafts fallback",
			mailboxes: []MailboxInfo{{Name: "[Gmail]/Drafts"}},
			attribute: goimap.DraftsAttr,
			want:      "[Gmail]/Drafts",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveFolder(tc.mailboxes, tc.attribute)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestResolveFolderNotFound(t *testing.T) {
	_, err := resolveFolder([]MailboxInfo{{Name: "INBOX"}}, goimap.AllAttr)
	var notFound *FolderNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, goimap.AllAttr, notFound.Attribute)
}
