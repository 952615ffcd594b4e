package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

const (
	dialTimeout    = 30 * time.Second
	commandTimeout = 60 * time.Second
)

// Mailbox is one logged-in, folder-selected connection.
type Mailbox interface {
	// Unseen returns the UIDs of messages without the \Seen flag.
	Unseen(ctx context.Context) ([]uint32, error)
	// Fetch returns the raw RFC 822 message without setting \Seen.
	Fetch(ctx context.Context, uid uint32) ([]byte, error)
	MarkSeen(ctx context.Context, uid uint32) error
	Noop(ctx context.Context) error
	Close() error
}

// Dialer opens a Mailbox. Cancelling ctx tears the connection down.
type Dialer func(ctx context.Context, cfg Config) (Mailbox, error)

var errNotFound = errors.New("mailbox: message not found")

type imapMailbox struct {
	c    *client.Client
	stop func() bool
}

// DialIMAP connects over TLS, logs in and selects cfg.Folder.
func DialIMAP(ctx context.Context, cfg Config) (Mailbox, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: dialTimeout}, addr, &tls.Config{ServerName: cfg.Host})
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", addr, err)
	}
	c.Timeout = commandTimeout

	// Blocking commands do not take a context; dropping the connection
	// unblocks them.
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		stop()
		_ = c.Terminate()
		return nil, fmt.Errorf("imap login %s: %w", cfg.Username, err)
	}
	if _, err := c.Select(cfg.Folder, false); err != nil {
		stop()
		_ = c.Logout()
		return nil, fmt.Errorf("imap select %s: %w", cfg.Folder, err)
	}
	return &imapMailbox{c: c, stop: stop}, nil
}

func (m *imapMailbox) Unseen(context.Context) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := m.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	return uids, nil
}

func (m *imapMailbox) Fetch(_ context.Context, uid uint32) ([]byte, error) {
	set := new(imap.SeqSet)
	set.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}

	// One message at most; the buffer lets UidFetch run synchronously.
	ch := make(chan *imap.Message, 1)
	if err := m.c.UidFetch(set, []imap.FetchItem{section.FetchItem()}, ch); err != nil {
		return nil, fmt.Errorf("imap fetch %d: %w", uid, err)
	}
	msg := <-ch
	if msg == nil {
		return nil, fmt.Errorf("imap fetch %d: %w", uid, errNotFound)
	}
	body := msg.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("imap fetch %d: empty body section", uid)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return nil, fmt.Errorf("imap fetch %d: %w", uid, err)
	}
	return buf.Bytes(), nil
}

func (m *imapMailbox) MarkSeen(_ context.Context, uid uint32) error {
	set := new(imap.SeqSet)
	set.AddNum(uid)
	flags := []interface{}{imap.SeenFlag}
	if err := m.c.UidStore(set, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
		return fmt.Errorf("imap store %d: %w", uid, err)
	}
	return nil
}

func (m *imapMailbox) Noop(context.Context) error {
	if err := m.c.Noop(); err != nil {
		return fmt.Errorf("imap noop: %w", err)
	}
	return nil
}

func (m *imapMailbox) Close() error {
	m.stop()
	if err := m.c.Logout(); err != nil && !errors.Is(err, client.ErrAlreadyLoggedOut) {
		_ = m.c.Terminate()
		return err
	}
	return nil
}
