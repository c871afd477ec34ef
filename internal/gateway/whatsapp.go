package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/foxzi/chatblast/internal/outcome"
)

// WhatsAppConfig contains browser settings for the WhatsApp Web gateway
type WhatsAppConfig struct {
	BaseURL     string
	ControlURL  string // Attach to a running browser instead of launching one
	BrowserBin  string
	UserDataDir string // Keeps the logged in session between restarts
	Headless    bool

	NavigationTimeout time.Duration
	WatchTimeout      time.Duration
	WatchInterval     time.Duration
}

const (
	selectorChatList   = `#pane-side`
	selectorSendButton = `span[data-icon="send"]`
	selectorAttach     = `span[data-icon="plus"], span[data-icon="attach-menu-plus"], span[data-icon="clip"]`
	selectorFileInput  = `input[type="file"]`
)

// probeJS inspects the open chat. It reports the invalid-number popup and
// the delivery icon of the last outgoing message.
const probeJS = `() => {
	const popup = document.querySelector('[data-testid="popup-contents"], div[role="dialog"]');
	const invalid = !!popup && /invalid|not on whatsapp|n[aã]o est[aá]/i.test(popup.innerText || '');
	const out = document.querySelectorAll('div.message-out');
	const last = out.length ? out[out.length - 1] : null;
	let status = '';
	if (last) {
		if (last.querySelector('[data-icon="msg-dblcheck"], [data-icon="msg-check"]')) status = 'sent';
		else if (last.querySelector('[data-icon="msg-time"]')) status = 'pending';
		else if (last.querySelector('[data-icon="msg-error"], [data-icon="error"]')) status = 'error';
	}
	return { invalid: invalid, status: status, count: out.length };
}`

// WhatsAppWeb drives WhatsApp Web in a browser. After each dispatch a
// watcher reads the chat and writes the result into the outcome register,
// acting as the confirmation agent.
type WhatsAppWeb struct {
	cfg      WhatsAppConfig
	register outcome.Register
	logger   *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	page    *rod.Page

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// NewWhatsAppWeb creates the gateway. The browser starts lazily on Check.
func NewWhatsAppWeb(cfg WhatsAppConfig, register outcome.Register, logger *slog.Logger) *WhatsAppWeb {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://web.whatsapp.com"
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = 60 * time.Second
	}
	if cfg.WatchTimeout == 0 {
		cfg.WatchTimeout = 7 * time.Second
	}
	if cfg.WatchInterval == 0 {
		cfg.WatchInterval = 250 * time.Millisecond
	}

	return &WhatsAppWeb{
		cfg:      cfg,
		register: register,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Check starts the browser if needed and verifies that a session is logged in
func (w *WhatsAppWeb) Check(ctx context.Context) error {
	page, err := w.ensurePage(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if _, err := page.Context(ctx).Timeout(w.cfg.NavigationTimeout).Element(selectorChatList); err != nil {
		return fmt.Errorf("%w: not logged in to WhatsApp Web: %v", ErrUnavailable, err)
	}
	return nil
}

// Dispatch opens the chat for the recipient with the message prefilled and presses send
func (w *WhatsAppWeb) Dispatch(ctx context.Context, req *Request) error {
	phone := normalizePhone(req.Identifier)
	if phone == "" {
		return fmt.Errorf("invalid phone number %q", req.Identifier)
	}

	page, err := w.ensurePage(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	p := page.Context(ctx).Timeout(w.cfg.NavigationTimeout)

	if err := p.Navigate(sendURL(w.cfg.BaseURL, phone, req.Message)); err != nil {
		return fmt.Errorf("failed to open chat: %w", err)
	}

	// Either the composer or the invalid-number popup shows up
	if _, err := p.Race().
		Element(selectorSendButton).
		Element(`[data-testid="popup-contents"], div[role="dialog"]`).
		Do(); err != nil {
		return fmt.Errorf("chat did not load: %w", err)
	}

	before, err := w.probe(ctx, page)
	if err != nil {
		return fmt.Errorf("failed to inspect chat: %w", err)
	}
	if before.Invalid {
		w.startWatcher(page, req.Generation, before.Count)
		return nil
	}

	if req.AttachmentRef != "" {
		if err := w.attach(p, req.AttachmentRef); err != nil {
			return err
		}
	}

	send, err := p.Element(selectorSendButton)
	if err != nil {
		return fmt.Errorf("send button not found: %w", err)
	}
	if err := send.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click send: %w", err)
	}

	w.startWatcher(page, req.Generation, before.Count)
	return nil
}

// Close stops the watchers and the browser
func (w *WhatsAppWeb) Close() error {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.browser != nil {
		err := w.browser.Close()
		w.browser = nil
		w.page = nil
		return err
	}
	return nil
}

func (w *WhatsAppWeb) attach(p *rod.Page, path string) error {
	btn, err := p.Element(selectorAttach)
	if err != nil {
		return fmt.Errorf("attach button not found: %w", err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to open attach menu: %w", err)
	}

	input, err := p.Element(selectorFileInput)
	if err != nil {
		return fmt.Errorf("file input not found: %w", err)
	}
	if err := input.SetFiles([]string{path}); err != nil {
		return fmt.Errorf("failed to attach %s: %w", path, err)
	}
	return nil
}

func (w *WhatsAppWeb) ensurePage(ctx context.Context) (*rod.Page, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.page != nil {
		return w.page, nil
	}

	controlURL := w.cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(w.cfg.Headless)
		if w.cfg.BrowserBin != "" {
			l = l.Bin(w.cfg.BrowserBin)
		}
		if w.cfg.UserDataDir != "" {
			l = l.UserDataDir(w.cfg.UserDataDir)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("failed to launch browser: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: w.cfg.BaseURL})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to open %s: %w", w.cfg.BaseURL, err)
	}

	w.browser = browser
	w.page = page
	w.logger.Info("browser connected", "base_url", w.cfg.BaseURL)

	return page, nil
}

type chatProbe struct {
	Invalid bool
	Status  string
	Count   int
}

func (w *WhatsAppWeb) probe(ctx context.Context, page *rod.Page) (chatProbe, error) {
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{JS: probeJS, ByValue: true})
	if err != nil {
		return chatProbe{}, err
	}
	return chatProbe{
		Invalid: res.Value.Get("invalid").Bool(),
		Status:  res.Value.Get("status").Str(),
		Count:   res.Value.Get("count").Int(),
	}, nil
}

func (w *WhatsAppWeb) startWatcher(page *rod.Page, generation uint64, before int) {
	w.wg.Add(1)
	go w.watch(page, generation, before)
}

// watch polls the chat until the sent message gets a delivery icon or the
// watch window closes. Nothing is written on timeout.
func (w *WhatsAppWeb) watch(page *rod.Page, generation uint64, before int) {
	defer w.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WatchTimeout)
	defer cancel()

	ticker := time.NewTicker(w.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p, err := w.probe(ctx, page)
		if err != nil {
			w.logger.Debug("watcher probe failed", "error", err)
			continue
		}

		result, ok := outcomeFromProbe(p, before)
		if !ok {
			continue
		}

		if err := w.register.SetFor(context.Background(), generation, result); err != nil {
			w.logger.Warn("confirmation rejected", "generation", generation, "error", err)
		}
		return
	}
}

// outcomeFromProbe maps the chat state to a confirmation. The second
// result is false while the state is still undecided.
func outcomeFromProbe(p chatProbe, before int) (outcome.Outcome, bool) {
	if p.Invalid {
		return outcome.Failure, true
	}
	if p.Count <= before {
		return outcome.Unknown, false
	}

	switch p.Status {
	case "sent":
		return outcome.Success, true
	case "error":
		return outcome.Failure, true
	}
	return outcome.Unknown, false
}

// normalizePhone keeps only the digits of an international number
func normalizePhone(identifier string) string {
	var b strings.Builder
	for _, r := range identifier {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sendURL(base, phone, text string) string {
	q := url.Values{}
	q.Set("phone", phone)
	if text != "" {
		q.Set("text", text)
	}
	return strings.TrimRight(base, "/") + "/send?" + q.Encode()
}
