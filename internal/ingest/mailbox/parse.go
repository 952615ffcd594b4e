package mailbox

import (
	"bytes"
	"errors"
	"io"
	"regexp"
	"strings"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"relaybridge/internal/message"
)

// Email is the part of an inbound message the poller acts on.
type Email struct {
	Subject string
	Body    string
}

var phoneRe = regexp.MustCompile(`\+\d+`)

// ExtractRecipient finds the reply number in a subject such as
// "WHATSAPPTO: +15551234567 order #42". The prefix match is
// case-insensitive and the text after its last occurrence is searched.
// It returns "" when no valid +E.164 number follows the prefix.
func ExtractRecipient(subject, prefix string) string {
	if prefix == "" {
		return ""
	}
	// Case folding can change byte lengths, so offsets come from matching
	// the subject itself.
	all := regexp.MustCompile("(?i)"+regexp.QuoteMeta(prefix)).FindAllStringIndex(subject, -1)
	if len(all) == 0 {
		return ""
	}
	phone := phoneRe.FindString(subject[all[len(all)-1][1]:])
	if !message.ValidRecipient(phone) {
		return ""
	}
	return phone
}

// Parse decodes the subject and picks a body: the first inline text/plain
// part, or failing that the first non-empty inline part. Attachments are
// never used.
func Parse(raw []byte) (Email, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return Email{}, err
	}
	defer mr.Close()

	var out Email
	if s, err := mr.Header.Subject(); err == nil {
		out.Subject = s
	} else {
		out.Subject = mr.Header.Get("Subject")
	}

	var (
		plain    string
		sawPlain bool
		fallback string
	)
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && (p == nil || !gomessage.IsUnknownCharset(err)) {
			return Email{}, err
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		b, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(b))
		ct, _, _ := h.ContentType()
		if (ct == "" || ct == "text/plain") && !sawPlain {
			sawPlain, plain = true, text
		}
		if fallback == "" && text != "" {
			fallback = text
		}
	}

	out.Body = plain
	if out.Body == "" {
		out.Body = fallback
	}
	return out, nil
}
