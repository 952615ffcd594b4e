// Package message defines the queued work item and its wire format.
//
// On the queue an item is the UTF-8 string "<recipient>||<body>". The body may
// itself contain '|' or even "||"; parsing splits on the first separator only.
package message

import (
	"errors"
	"regexp"
	"strings"
)

// Separator joins recipient and body on the wire.
const Separator = "||"

// ErrMalformed is returned by Parse when the payload has no separator or no
// recipient.
var ErrMalformed = errors.New("message: malformed queue item")

var recipientRe = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// Item is one (recipient, body) pair awaiting delivery.
type Item struct {
	Recipient string
	Body      string
}

// ValidRecipient reports whether s looks like an E.164 number
// ("+" followed by 7 to 15 digits, no leading zero).
func ValidRecipient(s string) bool {
	return recipientRe.MatchString(s)
}

// Format encodes the item in its queue wire format.
func Format(it Item) []byte {
	return []byte(it.Recipient + Separator + it.Body)
}

// Parse decodes a queue payload. The recipient is trimmed; the body is kept
// verbatim. Parse does not validate the recipient pattern: producers do that.
func Parse(raw []byte) (Item, error) {
	recipient, body, ok := strings.Cut(string(raw), Separator)
	if !ok {
		return Item{}, ErrMalformed
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return Item{}, ErrMalformed
	}
	return Item{Recipient: recipient, Body: body}, nil
}
