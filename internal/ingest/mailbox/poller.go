// Package mailbox polls an IMAP inbox and queues replies addressed by
// subject line.
package mailbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"relaybridge/internal/message"
	"relaybridge/pkg/logx"
)

const DefaultSubjectPrefix = "WHATSAPPTO:"

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Folder   string
	// SubjectPrefix marks the reply number in the subject line.
	SubjectPrefix string

	PollInterval     time.Duration
	BatchInterval    time.Duration
	ReconnectBackoff time.Duration
}

// Pusher is the producer half of queue.Queue.
type Pusher interface {
	Push(ctx context.Context, item []byte) error
}

type Stats struct {
	Queued     uint64 `json:"queued"`
	Skipped    uint64 `json:"skipped"`
	Reconnects uint64 `json:"reconnects"`
}

type Poller struct {
	cfg  Config
	q    Pusher
	dial Dialer
	log  logx.Logger

	queued     atomic.Uint64
	skipped    atomic.Uint64
	reconnects atomic.Uint64
}

// New builds a poller. A nil dial uses DialIMAP.
func New(cfg Config, q Pusher, log logx.Logger, dial Dialer) *Poller {
	if dial == nil {
		dial = DialIMAP
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	return &Poller{
		cfg:  cfg,
		q:    q,
		dial: dial,
		log:  log.With(logx.String("comp", "mailbox")),
	}
}

func (p *Poller) Stats() Stats {
	return Stats{
		Queued:     p.queued.Load(),
		Skipped:    p.skipped.Load(),
		Reconnects: p.reconnects.Load(),
	}
}

// Run polls until ctx is cancelled. Connection and queue failures are logged
// and retried after ReconnectBackoff; Run itself only returns on shutdown.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("mailbox poller started",
		logx.String("host", p.cfg.Host),
		logx.String("user", p.cfg.Username),
		logx.String("folder", p.cfg.Folder),
	)
	for {
		err := p.connected(ctx)
		if ctx.Err() != nil {
			p.log.Info("mailbox poller stopped")
			return nil
		}
		p.reconnects.Add(1)
		p.log.Error("mailbox connection lost, reconnecting",
			logx.Err(err), logx.Duration("backoff", p.cfg.ReconnectBackoff))
		if !sleep(ctx, p.cfg.ReconnectBackoff) {
			p.log.Info("mailbox poller stopped")
			return nil
		}
	}
}

// connected runs one connection until it fails.
func (p *Poller) connected(ctx context.Context) error {
	mb, err := p.dial(ctx, p.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := mb.Close(); err != nil {
			p.log.Debug("mailbox close", logx.Err(err))
		}
	}()
	p.log.Info("mailbox connected", logx.String("folder", p.cfg.Folder))

	for {
		uids, err := mb.Unseen(ctx)
		if err != nil {
			return err
		}
		if len(uids) == 0 {
			if !sleep(ctx, p.cfg.PollInterval) {
				return ctx.Err()
			}
			if err := mb.Noop(ctx); err != nil {
				return err
			}
			continue
		}

		p.log.Info("unseen messages", logx.Int("count", len(uids)))
		for _, uid := range uids {
			if err := p.handle(ctx, mb, uid); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if !sleep(ctx, p.cfg.BatchInterval) {
			return ctx.Err()
		}
	}
}

// handle processes one message. A non-nil error drops the connection.
func (p *Poller) handle(ctx context.Context, mb Mailbox, uid uint32) error {
	log := p.log.With(logx.Uint64("uid", uint64(uid)))

	raw, err := mb.Fetch(ctx, uid)
	if err != nil {
		// Left unseen; the next scan retries it.
		log.Warn("fetch failed", logx.Err(err))
		return nil
	}

	email, err := Parse(raw)
	if err != nil {
		log.Warn("unparseable message, marking seen", logx.Err(err))
		return p.skip(ctx, mb, uid)
	}
	log = log.With(logx.String("subject", email.Subject))

	recipient := ExtractRecipient(email.Subject, p.cfg.SubjectPrefix)
	if recipient == "" {
		log.Warn("no valid recipient in subject, marking seen")
		return p.skip(ctx, mb, uid)
	}
	if email.Body == "" {
		log.Warn("empty body, marking seen")
		return p.skip(ctx, mb, uid)
	}

	item := message.Item{Recipient: recipient, Body: email.Body}
	if err := p.q.Push(ctx, message.Format(item)); err != nil {
		return fmt.Errorf("queue push: %w", err)
	}
	p.queued.Add(1)
	log.Info("queued reply", logx.String("recipient", recipient))

	if err := mb.MarkSeen(ctx, uid); err != nil {
		return err
	}
	return nil
}

func (p *Poller) skip(ctx context.Context, mb Mailbox, uid uint32) error {
	p.skipped.Add(1)
	return mb.MarkSeen(ctx, uid)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
