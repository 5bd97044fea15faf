package imap

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message/mail"

	_ "github.com/emersion/go-message/charset"
)

type (
	// Body carries the three extracted shapes of one message body.
	Body struct {
		// Raw is the HTML reply when present, else the plain-text reply.
		Raw string `json:"raw"`
		// Markdown is the HTML reply converted to markdown when HTML is
		// available, else the plain-text reply.
		Markdown string `json:"markdown"`
		// Cleaned is the plain-text reply with markdown syntax stripped and
		// whitespace collapsed to single spaces.
		Cleaned string `json:"cleaned"`
	}

	parsedEmail struct {
		MessageID string
		Subject   string
		From      string
		Date      time.Time
		Plain     string
		HTML      string
	}
)

// parseEmail decodes one RFC822 message: headers plus the first text/plain
// and text/html alternatives. Parts with undecodable charsets are skipped.
func parseEmail(raw []byte) (*parsedEmail, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	out := &parsedEmail{}
	if id, err := mr.Header.MessageID(); err == nil {
		out.MessageID = id
	}
	if subject, err := mr.Header.Subject(); err == nil {
		out.Subject = subject
	}
	if date, err := mr.Header.Date(); err == nil {
		out.Date = date
	}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		out.From = from[0].Address
	}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Undecodable part, keep whatever alternatives were readable.
			break
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, err := h.ContentType()
		if err != nil {
			continue
		}
		data, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}
		switch ct {
		case "text/plain":
			if out.Plain == "" {
				out.Plain = string(data)
			}
		case "text/html":
			if out.HTML == "" {
				out.HTML = string(data)
			}
		}
	}
	return out, nil
}

// extractBody strips quoted history from the plain and HTML alternatives and
// emits the three body shapes.
func extractBody(plain, html string) Body {
	plainReply := visibleReply(plain)
	var htmlReply string
	if html != "" {
		htmlReply = stripQuotedHTML(html)
	}

	var b Body
	if htmlReply != "" {
		b.Raw = htmlReply
		if converted, err := htmlToMarkdown(htmlReply); err == nil {
			b.Markdown = converted
		} else {
			b.Markdown = plainReply
		}
	} else {
		b.Raw = plainReply
		b.Markdown = plainReply
	}
	cleanedSource := plainReply
	if cleanedSource == "" {
		cleanedSource = b.Markdown
	}
	b.Cleaned = cleanedText(cleanedSource)
	return b
}

// replyMarkers match attribution lines that introduce quoted history in
// plain-text bodies.
var replyMarkers = []*regexp.Regexp{
	regexp.MustCompile(`^On .+ wrote:\s*$`),
	regexp.MustCompile(`écrit\s*:\s*$`),
	regexp.MustCompile(`^-{2,}\s*Original Message\s*-{2,}$`),
	regexp.MustCompile(`^_{5,}\s*$`),
	regexp.MustCompile(`^From:\s.+$`),
}

// visibleReply returns the author-written part of a plain-text body: quoted
// lines are dropped and everything from the first attribution line on is cut.
func visibleReply(plain string) string {
	if plain == "" {
		return ""
	}
	lines := strings.Split(strings.ReplaceAll(plain, "\r\n", "\n"), "\n")
	var kept []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if isReplyMarker(trimmed) {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func isReplyMarker(line string) bool {
	for _, re := range replyMarkers {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// stripQuotedHTML removes quoted history from an HTML body: the Outlook
// stopSpelling separator and everything after it, Gmail quote containers with
// their attribution line, and cite/attribution blockquotes.
func stripQuotedHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	if hr := doc.Find("hr#stopSpelling").First(); hr.Length() > 0 {
		hr.NextAll().Remove()
		hr.Remove()
	}
	doc.Find("div.gmail_quote").Each(func(_ int, s *goquery.Selection) {
		if attr := s.PrevFiltered(".gmail_attr"); attr.Length() > 0 {
			attr.Remove()
		}
		s.Remove()
	})
	doc.Find(`blockquote[type="cite"]`).Remove()
	doc.Find("blockquote").Each(func(_ int, s *goquery.Selection) {
		first := firstLine(strings.TrimSpace(s.Text()))
		if isReplyMarker(first) || strings.HasSuffix(first, "écrit :") || strings.HasSuffix(first, "écrit:") {
			s.Remove()
		}
	})
	out, err := doc.Find("body").Html()
	if err != nil || strings.TrimSpace(out) == "" {
		full, err := doc.Html()
		if err != nil {
			return html
		}
		return full
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func htmlToMarkdown(html string) (string, error) {
	converter := md.NewConverter("", true, nil)
	out, err := converter.ConvertString(html)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

var (
	mdLinkRE   = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdImageRE  = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdSyntaxRE = regexp.MustCompile("[*_`~#>]+")
)

// cleanedText strips markdown syntax and collapses all whitespace runs to
// single spaces.
func cleanedText(s string) string {
	s = mdImageRE.ReplaceAllString(s, "$1")
	s = mdLinkRE.ReplaceAllString(s, "$1")
	s = mdSyntaxRE.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}
