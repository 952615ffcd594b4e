// Package browser drives WhatsApp Web through Chrome DevTools.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"

	"relaybridge/internal/delivery"
	"relaybridge/pkg/logx"
)

const (
	DefaultBaseURL = "https://web.whatsapp.com"

	defaultNavigateTimeout = 60 * time.Second
	defaultPollInterval    = 500 * time.Millisecond
)

// XPath signals on the page.
var (
	readySignals = []string{
		`//div[@title="Chats"]`,
		`//div[@role="textbox"][@aria-label="Search input textbox"]`,
	}
	pairingSignals = []string{
		`//canvas[@aria-label="Scan me!"]`,
		`//div[@data-testid="qrcode"]`,
	}
	composerSignal = `//div[@role="textbox"][@contenteditable="true"][@data-tab="10"]`
	invalidSignal  = `//*[contains(text(), 'Phone number shared via url is invalid')]`
)

type Config struct {
	BaseURL         string
	ProfileDir      string
	ExecPath        string
	Headless        bool
	NavigateTimeout time.Duration
	PollInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if strings.TrimSpace(c.ProfileDir) == "" {
		c.ProfileDir = "./chrome-profile"
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = defaultNavigateTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// NewFactory returns a delivery.Factory producing browser capabilities.
func NewFactory(cfg Config, log logx.Logger) delivery.Factory {
	return func(delivery.SessionConfig) delivery.Capability { return New(cfg, log) }
}

// Browser is one Chrome process bound to the persistent profile.
type Browser struct {
	cfg Config
	log logx.Logger

	// exec runs actions against a tab; chromedp.Run outside tests.
	exec func(ctx context.Context, actions ...chromedp.Action) error

	mu          sync.Mutex
	tab         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

// New returns an unopened browser; Open starts Chrome.
func New(cfg Config, log logx.Logger) *Browser {
	return &Browser{
		cfg:  cfg.withDefaults(),
		log:  log.With(logx.String("comp", "browser")),
		exec: chromedp.Run,
	}
}

// AllocatorOptions are the Chrome flags used for cfg.
func AllocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	cfg = cfg.withDefaults()
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.UserDataDir(cfg.ProfileDir),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.DisableGPU,
		chromedp.Flag("headless", cfg.Headless),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.WindowSize(1920, 1080))
	}
	if p := strings.TrimSpace(cfg.ExecPath); p != "" {
		opts = append(opts, chromedp.ExecPath(p))
	}
	return opts
}

func (b *Browser) Open(ctx context.Context) error {
	if err := os.MkdirAll(b.cfg.ProfileDir, 0o700); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	b.log.Info("starting browser", logx.String("profile", b.cfg.ProfileDir), logx.Bool("headless", b.cfg.Headless))

	// The browser outlives ctx; Close tears it down.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(b.cfg)...)
	tab, cancelTab := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			b.log.Debug("cdp error", logx.String("detail", fmt.Sprintf(format, args...)))
		}),
	)

	b.mu.Lock()
	b.tab, b.cancelTab, b.cancelAlloc = tab, cancelTab, cancelAlloc
	b.mu.Unlock()

	// The first Run allocates Chrome on the context it is given, and Chrome
	// dies with that context. It must run on the tab itself, untimed.
	stop := context.AfterFunc(ctx, cancelTab)
	err := b.exec(tab)
	stop()
	if err != nil {
		return fmt.Errorf("start browser: %w", err)
	}

	return b.run(ctx, b.cfg.NavigateTimeout, chromedp.Navigate(b.cfg.BaseURL))
}

func (b *Browser) ProbeReadiness(ctx context.Context, timeout time.Duration) (delivery.Readiness, error) {
	r := delivery.ReadinessUnknown
	err := b.poll(ctx, timeout, func(tctx context.Context) (bool, error) {
		ok, err := anyPresent(tctx, readySignals)
		if err != nil {
			return false, err
		}
		if ok {
			r = delivery.ReadinessReady
			return true, nil
		}
		ok, err = anyPresent(tctx, pairingSignals)
		if err != nil {
			return false, err
		}
		if ok {
			r = delivery.ReadinessPairingRequired
		}
		return ok, nil
	})
	switch {
	case errors.Is(err, errPollTimeout):
		return delivery.ReadinessUnknown, nil
	case err != nil:
		return delivery.ReadinessUnknown, err
	}
	return r, nil
}

func (b *Browser) OpenChat(ctx context.Context, recipient, body string) error {
	b.log.Info("opening chat", logx.String("recipient", recipient))
	return b.run(ctx, b.cfg.NavigateTimeout, chromedp.Navigate(ChatURL(b.cfg.BaseURL, recipient, body)))
}

func (b *Browser) AwaitComposer(ctx context.Context, timeout time.Duration) (delivery.ComposerStatus, error) {
	st := delivery.ComposerTimeout
	err := b.poll(ctx, timeout, func(tctx context.Context) (bool, error) {
		ok, err := present(tctx, composerSignal)
		if err != nil {
			return false, err
		}
		if ok {
			st = delivery.ComposerPresent
			return true, nil
		}
		ok, err = present(tctx, invalidSignal)
		if err != nil {
			return false, err
		}
		if ok {
			st = delivery.ComposerInvalidRecipient
		}
		return ok, nil
	})
	switch {
	case errors.Is(err, errPollTimeout):
		return delivery.ComposerTimeout, nil
	case err != nil:
		return delivery.ComposerTimeout, err
	}
	return st, nil
}

func (b *Browser) Locate(ctx context.Context, s delivery.Strategy) (delivery.Control, error) {
	var nodes []*cdp.Node
	err := b.run(ctx, s.Timeout,
		chromedp.WaitVisible(s.Selector, chromedp.BySearch),
		chromedp.WaitEnabled(s.Selector, chromedp.BySearch),
		chromedp.Nodes(s.Selector, &nodes, chromedp.BySearch),
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, delivery.ErrControlNotFound
	case err != nil:
		return nil, err
	case len(nodes) == 0:
		return nil, delivery.ErrControlNotFound
	}
	return control{b: b, node: nodes[0]}, nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	cancelTab, cancelAlloc := b.cancelTab, b.cancelAlloc
	b.tab, b.cancelTab, b.cancelAlloc = nil, nil, nil
	b.mu.Unlock()

	if cancelTab != nil {
		cancelTab()
	}
	if cancelAlloc != nil {
		cancelAlloc()
		b.log.Info("browser stopped")
	}
	return nil
}

type control struct {
	b    *Browser
	node *cdp.Node
}

func (c control) Activate(ctx context.Context) error {
	return c.b.run(ctx, c.b.cfg.NavigateTimeout, chromedp.MouseClickNode(c.node))
}

var errNotOpen = errors.New("browser not open")

// opCtx derives a bounded context from the tab that is also cancelled with
// the caller's ctx.
func (b *Browser) opCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	b.mu.Lock()
	tab := b.tab
	b.mu.Unlock()
	if tab == nil {
		return nil, nil, errNotOpen
	}
	tctx, cancel := context.WithTimeout(tab, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return tctx, func() { stop(); cancel() }, nil
}

func (b *Browser) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	tctx, cancel, err := b.opCtx(ctx, timeout)
	if err != nil {
		return err
	}
	defer cancel()
	return b.exec(tctx, actions...)
}

var errPollTimeout = errors.New("poll timeout")

// poll evaluates check every PollInterval until it reports true or the
// timeout passes.
func (b *Browser) poll(ctx context.Context, timeout time.Duration, check func(context.Context) (bool, error)) error {
	tctx, cancel, err := b.opCtx(ctx, timeout)
	if err != nil {
		return err
	}
	defer cancel()

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		ok, err := check(tctx)
		if ok {
			return nil
		}
		if err != nil && tctx.Err() == nil {
			return err
		}
		select {
		case <-tctx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errPollTimeout
		case <-ticker.C:
		}
	}
}

func present(ctx context.Context, sel string) (bool, error) {
	var nodes []*cdp.Node
	if err := chromedp.Run(ctx, chromedp.Nodes(sel, &nodes, chromedp.BySearch, chromedp.AtLeast(0))); err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

func anyPresent(ctx context.Context, sels []string) (bool, error) {
	for _, sel := range sels {
		ok, err := present(ctx, sel)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// ChatURL builds the click-to-chat URL for recipient with body prefilled.
func ChatURL(base, recipient, body string) string {
	phone := strings.TrimPrefix(strings.TrimSpace(recipient), "+")
	text := strings.ReplaceAll(url.QueryEscape(body), "+", "%20")
	return strings.TrimRight(base, "/") + "/send?phone=" + url.QueryEscape(phone) + "&text=" + text + "&app_absent=0"
}
