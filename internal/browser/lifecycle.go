package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/khawaidev/pantharaaiAPI/internal/config"
	"github.com/khawaidev/pantharaaiAPI/internal/session"
)

const (
	livenessProbeTimeout = 3 * time.Second
	launchSettleDelay    = 500 * time.Millisecond
)

// stealthInitJS runs before any page script on every new document. It hides
// the automation markers that headless Chrome leaks through the JS runtime.
const stealthInitJS = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
window.chrome = window.chrome || { runtime: {} };
`

// Handle is one live browser tab, ready for conversation traffic. Ctx is a
// chromedp context; cancelling the handle tears down the tab and the
// browser process it belongs to.
type Handle struct {
	Ctx context.Context

	ctxCancel   context.CancelFunc
	allocCancel context.CancelFunc
}

// Close tears the browser down. Safe to call on a partially built handle.
func (h *Handle) Close() {
	if h.ctxCancel != nil {
		h.ctxCancel()
	}
	if h.allocCancel != nil {
		h.allocCancel()
	}
}

type launchFunc func(ctx context.Context) (*Handle, error)

// Lifecycle owns the singleton browser. All paths that need a page go
// through Acquire, which launches and initializes at most one browser no
// matter how many callers arrive concurrently.
type Lifecycle struct {
	log    *zap.Logger
	cfg    config.BrowserConfig
	target config.TargetConfig
	gate   *Gate
	store  *session.Store

	// launch starts a raw browser, boot runs the full init pipeline, alive
	// probes an existing handle. Fields so tests can substitute fakes.
	launch launchFunc
	boot   launchFunc
	alive  func(*Handle) bool

	sf singleflight.Group

	mu     sync.Mutex
	handle *Handle
}

// NewLifecycle wires a lifecycle manager. The gate and store are shared with
// the conversation layer so every component sees the same page.
func NewLifecycle(cfg config.BrowserConfig, target config.TargetConfig, gate *Gate, store *session.Store, logger *zap.Logger) *Lifecycle {
	l := &Lifecycle{
		log:    logger.Named("browser_lifecycle"),
		cfg:    cfg,
		target: target,
		gate:   gate,
		store:  store,
	}
	l.launch = l.launchChrome
	l.boot = l.initialize
	l.alive = l.probeAlive
	return l
}

// Acquire returns the live browser handle, launching and initializing one if
// none exists or the existing one no longer responds. Concurrent callers
// share a single launch; none of them receives a half-initialized handle.
func (l *Lifecycle) Acquire(ctx context.Context) (*Handle, error) {
	l.mu.Lock()
	h := l.handle
	l.mu.Unlock()

	if h != nil && l.alive(h) {
		return h, nil
	}

	v, err, _ := l.sf.Do("launch", func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have won the
		// race and already finished initialization.
		l.mu.Lock()
		existing := l.handle
		l.mu.Unlock()
		if existing != nil && l.alive(existing) {
			return existing, nil
		}
		if existing != nil {
			l.log.Warn("Browser stopped responding, relaunching")
			existing.Close()
			l.mu.Lock()
			l.handle = nil
			l.mu.Unlock()
		}

		fresh, err := l.boot(ctx)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.handle = fresh
		l.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Invalidate discards the current browser so the next Acquire relaunches.
func (l *Lifecycle) Invalidate() {
	l.mu.Lock()
	h := l.handle
	l.handle = nil
	l.mu.Unlock()
	if h != nil {
		l.log.Info("Invalidating browser handle")
		h.Close()
	}
}

// Close shuts the browser down for good. Used on process shutdown.
func (l *Lifecycle) Close() {
	l.Invalidate()
}

// probeAlive checks the page with a trivial evaluation under a short timeout.
func (l *Lifecycle) probeAlive(h *Handle) bool {
	probeCtx, cancel := context.WithTimeout(h.Ctx, livenessProbeTimeout)
	defer cancel()
	var one int
	return chromedp.Run(probeCtx, chromedp.Evaluate(`1`, &one)) == nil
}

// initialize runs the full cold-start pipeline: launch, identity overrides,
// session replay, navigation, settle, challenge resolution, and a session
// re-export so the freshest cookies survive a later crash. Any hard failure
// tears the partial browser down and surfaces the error to the caller.
func (l *Lifecycle) initialize(ctx context.Context) (*Handle, error) {
	l.log.Info("Launching browser",
		zap.Bool("headless", l.cfg.Headless),
		zap.String("target", l.target.URL),
	)

	h, err := l.launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("browser launch failed: %w", err)
	}

	fail := func(stage string, err error) (*Handle, error) {
		h.Close()
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	if err := l.applyIdentity(h.Ctx); err != nil {
		return fail("identity overrides failed", err)
	}

	if snap, err := l.store.Load(); err == nil && snap != nil {
		if err := l.store.Apply(h.Ctx, snap); err != nil {
			l.log.Warn("Session replay failed, continuing with a fresh session", zap.Error(err))
		}
	}

	if err := l.gate.GotoWithRetries(h.Ctx, l.target.URL, 3); err != nil {
		return fail("target navigation failed", err)
	}

	l.gate.WaitUntilDomSettled(h.Ctx, 60*time.Second)
	l.gate.ResolveChallenge(h.Ctx, defaultChallengeWait)

	if !l.gate.WaitUntilDomSettled(h.Ctx, 30*time.Second) {
		l.log.Warn("Application never reported ready, later lookups may fail")
	}
	if state, err := l.gate.Classify(h.Ctx); err == nil {
		l.log.Info("Page readiness", zap.String("state", state.String()))
	}

	if _, err := l.store.Export(h.Ctx); err != nil {
		l.log.Warn("Post-init session export failed", zap.Error(err))
	}

	l.log.Info("Browser initialized")
	return h, nil
}

// launchChrome starts a real Chrome with the anti-detection flag set and
// opens one tab against it.
func (l *Lifecycle) launchChrome(ctx context.Context) (*Handle, error) {
	opts := l.allocatorOptions()

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	h := &Handle{Ctx: tabCtx, ctxCancel: tabCancel, allocCancel: allocCancel}

	// Force the browser process to actually start before we report success.
	startCtx, cancel := context.WithTimeout(tabCtx, 30*time.Second)
	defer cancel()
	if err := chromedp.Run(startCtx, chromedp.Navigate("about:blank")); err != nil {
		h.Close()
		return nil, err
	}
	time.Sleep(launchSettleDelay)
	return h, nil
}

func (l *Lifecycle) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{},
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("headless", l.cfg.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", l.cfg.Headless),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.WindowSize(l.cfg.ViewportWidth, l.cfg.ViewportHeight),
	)
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if dir := l.cfg.ResolveProfileDir(); dir != "" {
		opts = append(opts, chromedp.UserDataDir(dir))
	}
	return opts
}

// applyIdentity installs the stealth script and consistent request headers
// before any target page loads.
func (l *Lifecycle) applyIdentity(ctx context.Context) error {
	headers := network.Headers{
		"Accept-Language": "en-US,en;q=0.9",
	}
	return chromedp.Run(ctx,
		network.Enable(),
		network.SetExtraHTTPHeaders(headers),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthInitJS).Do(ctx)
			return err
		}),
	)
}
