// Package alert notifies a human operator about conditions the relay cannot
// fix by itself, such as a lost pairing.
package alert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"relaybridge/internal/eventbus"
	"relaybridge/pkg/logx"
)

var ErrRateLimited = errors.New("alert: rate limited")

type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Alert(context.Context, string) error { return nil }

type TelegramConfig struct {
	Token      string
	ChatID     int64
	RatePerMin int
}

// sender is the subset of *tele.Bot used here.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram posts alerts to one chat. It never polls for updates.
type Telegram struct {
	bot  sender
	chat tele.ChatID
	lim  *rate.Limiter
	log  logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return newTelegram(b, cfg, log), nil
}

func newTelegram(bot sender, cfg TelegramConfig, log logx.Logger) *Telegram {
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 6
	}
	return &Telegram{
		bot:  bot,
		chat: tele.ChatID(cfg.ChatID),
		lim:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin),
		log:  log.With(logx.String("comp", "alert")),
	}
}

func (t *Telegram) Alert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.lim.Allow() {
		t.log.Warn("alert dropped (rate limited)", logx.String("text", text))
		return ErrRateLimited
	}
	if _, err := t.bot.Send(t.chat, text); err != nil {
		t.log.Warn("alert send failed", logx.Err(err))
		return fmt.Errorf("telegram send: %w", err)
	}
	t.log.Debug("alert sent")
	return nil
}

// Forward turns session events into alerts until ctx is done.
//
// Pairing loss always alerts; exhaustion alerts only for multi-attempt
// budgets, which is the startup path.
func Forward(ctx context.Context, bus eventbus.Bus, a Alerter, log logx.Logger) error {
	ch, unsub := bus.Subscribe(16)
	defer unsub()
	host, _ := os.Hostname()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			text := describe(e, host)
			if text == "" {
				continue
			}
			if err := a.Alert(ctx, text); err != nil && !errors.Is(err, ErrRateLimited) {
				log.Warn("alert failed", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

func describe(e eventbus.Event, host string) string {
	data, _ := e.Data.(eventbus.Session)
	switch e.Type {
	case eventbus.SessionPairingRequired:
		return fmt.Sprintf("relaybridge@%s: delivery session needs pairing. Run `relaybridge pair` with a visible browser.", host)
	case eventbus.SessionExhausted:
		if data.Attempts <= 1 {
			return ""
		}
		return fmt.Sprintf("relaybridge@%s: delivery session failed to start after %d attempts; dispatch is backing off.", host, data.Attempts)
	default:
		return ""
	}
}
