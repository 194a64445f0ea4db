package browser

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/khawaidev/pantharaaiAPI/api/schemas"
)

// Polling thresholds. The target UI gives no events we can subscribe to, so
// everything readiness-related is inferred by sampling the DOM.
const (
	domSettlePollInterval = 2 * time.Second
	challengePollInterval = 3 * time.Second
	defaultChallengeWait  = 120 * time.Second
	defaultSelectorWait   = 20 * time.Second
	readyStatePollWait    = 30 * time.Second
	navSettleWait         = 2 * time.Second
	clickRetryBaseDelay   = 500 * time.Millisecond
)

// challengePhrases are text fingerprints of anti-bot interstitials. Matched
// case-insensitively against the rendered body text.
var challengePhrases = []string{
	"checking your browser",
	"just a moment",
	"verify you are human",
	"verifying you are human",
	"checking if the site connection is secure",
	"enable javascript and cookies to continue",
	"ddos protection by",
}

// challengeHooksSelector matches DOM structures the interstitials are known
// to mount, independent of their visible copy.
const challengeHooksSelector = `#challenge-form, #challenge-running, #challenge-stage, ` +
	`.cf-turnstile, #cf-chl-widget, #turnstile-wrapper, iframe[src*="challenges.cloudflare.com"]`

// Gate drives a page from "just navigated" to "application ready to accept
// input". It owns every DOM-polling heuristic the higher layers rely on.
type Gate struct {
	log   *zap.Logger
	brand string

	// resolving is set while ResolveChallenge is waiting a challenge out,
	// so classification can tell "stuck on a challenge" from "waiting one
	// out".
	resolving atomic.Bool
}

// NewGate creates a page gate. brand is a phrase that only the real
// application renders, used to disambiguate the app's own loading copy from
// challenge copy.
func NewGate(brand string, logger *zap.Logger) *Gate {
	return &Gate{log: logger.Named("page_gate"), brand: brand}
}

// pageProbe is one DOM sample, collected by a single in-page evaluation so
// the fields are mutually consistent.
type pageProbe struct {
	ReadyState   string `json:"readyState"`
	BodyChildren int    `json:"bodyChildren"`
	HasTextInput bool   `json:"hasTextInput"`
	HasDropdown  bool   `json:"hasDropdown"`
	HasButton    bool   `json:"hasButton"`
	HasForm      bool   `json:"hasForm"`
	HasHook      bool   `json:"hasHook"`
	Text         string `json:"text"`
}

const pageProbeJS = `(() => ({
	readyState: document.readyState,
	bodyChildren: document.body ? document.body.children.length : 0,
	hasTextInput: !!document.querySelector('textarea, [contenteditable="true"], [role="textbox"], input[type="text"]'),
	hasDropdown: !!document.querySelector('[role="combobox"], [role="listbox"], [aria-haspopup="listbox"]'),
	hasButton: !!document.querySelector('button'),
	hasForm: !!document.querySelector('form'),
	hasHook: !!document.querySelector('` + challengeHooksSelector + `'),
	text: (document.body ? document.body.innerText : '').slice(0, 4000)
}))()`

func (g *Gate) probe(ctx context.Context) (pageProbe, error) {
	var p pageProbe
	err := chromedp.Run(ctx, chromedp.Evaluate(pageProbeJS, &p))
	return p, err
}

// pageReady is the readiness predicate over one probe. The page counts as
// ready when the document finished loading, the body rendered something, at
// least one interactive surface exists, and the visible text is not challenge
// copy - unless the brand text is also present, in which case the app itself
// is rendering and any phrase overlap is the app's own loading copy.
func (g *Gate) pageReady(p pageProbe) bool {
	if p.ReadyState != "complete" || p.BodyChildren == 0 {
		return false
	}
	if !(p.HasTextInput || p.HasDropdown || p.HasButton || p.HasForm) {
		return false
	}
	if matchesChallengeText(p.Text) && !containsBrand(p.Text, g.brand) {
		return false
	}
	return true
}

// challengePresent is the challenge predicate over one probe.
func challengePresent(p pageProbe) bool {
	if p.HasHook {
		return true
	}
	return matchesChallengeText(p.Text)
}

func matchesChallengeText(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range challengePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func containsBrand(text, brand string) bool {
	if brand == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(brand))
}

// appContentSignal reports a positive sign that real application content is
// rendering, guarding against declaring a challenge resolved while the page
// is an intermediate blank frame.
func (g *Gate) appContentSignal(p pageProbe) bool {
	return p.HasTextInput || containsBrand(p.Text, g.brand)
}

// Classify derives the current ReadinessState from a fresh DOM sample. The
// result is never cached; callers re-classify after every navigation.
func (g *Gate) Classify(ctx context.Context) (schemas.ReadinessState, error) {
	p, err := g.probe(ctx)
	if err != nil {
		return schemas.ReadinessUnknown, err
	}
	return g.classify(p), nil
}

func (g *Gate) classify(p pageProbe) schemas.ReadinessState {
	switch {
	case challengePresent(p) && g.resolving.Load():
		return schemas.ReadinessChallengeResolving
	case challengePresent(p):
		return schemas.ReadinessChallengePresent
	case g.pageReady(p):
		return schemas.ReadinessAppReady
	default:
		return schemas.ReadinessNavigating
	}
}

// WaitUntilDomSettled polls the readiness predicate until it holds or the
// timeout expires. A timeout returns false rather than an error: callers
// proceed optimistically and rely on later element-presence checks to fail
// with a more descriptive message.
func (g *Gate) WaitUntilDomSettled(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		p, err := g.probe(ctx)
		if err != nil {
			g.log.Debug("Readiness probe failed", zap.Error(err))
		} else if g.pageReady(p) {
			return true
		}
		if time.Now().After(deadline) {
			g.log.Warn("Page did not settle within timeout, proceeding optimistically",
				zap.Duration("timeout", timeout))
			return false
		}
		if err := sleepCtx(ctx, domSettlePollInterval); err != nil {
			return false
		}
	}
}

// DetectChallenge reports whether an anti-bot interstitial is currently
// rendered. Pure predicate over a fresh probe, no side effects.
func (g *Gate) DetectChallenge(ctx context.Context) (bool, error) {
	p, err := g.probe(ctx)
	if err != nil {
		return false, fmt.Errorf("challenge probe failed: %w", err)
	}
	return challengePresent(p), nil
}

// ResolveChallenge waits out an anti-bot interstitial. The challenge counts
// as resolved only when the fingerprint disappears AND real application
// content is visible. A stuck challenge is not fatal: on timeout a warning is
// logged and control returns to the caller, whose next element lookup will
// produce the actionable error.
func (g *Gate) ResolveChallenge(ctx context.Context, maxWait time.Duration) {
	if maxWait <= 0 {
		maxWait = defaultChallengeWait
	}
	present, err := g.DetectChallenge(ctx)
	if err != nil || !present {
		return
	}
	g.log.Info("Anti-bot challenge detected, waiting for it to clear", zap.Duration("max_wait", maxWait))

	g.resolving.Store(true)
	defer g.resolving.Store(false)

	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		if err := sleepCtx(ctx, challengePollInterval); err != nil {
			return
		}
		p, err := g.probe(ctx)
		if err != nil {
			g.log.Debug("Challenge poll failed", zap.Error(err))
			continue
		}
		if !challengePresent(p) && g.appContentSignal(p) {
			g.log.Info("Challenge resolved")
			return
		}
	}
	g.log.Warn("Challenge did not resolve within timeout, continuing anyway",
		zap.Duration("max_wait", maxWait))
}

// WaitForSelector waits for a CSS selector to appear, optionally requiring
// visibility. Expiry is fatal to the operation and the error names the
// selector and the timeout so failures are diagnosable from logs alone.
func (g *Gate) WaitForSelector(ctx context.Context, selector string, timeout time.Duration, visible bool) error {
	if timeout <= 0 {
		timeout = defaultSelectorWait
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	action := chromedp.WaitReady(selector, chromedp.ByQuery)
	if visible {
		action = chromedp.WaitVisible(selector, chromedp.ByQuery)
	}
	if err := chromedp.Run(waitCtx, action); err != nil {
		return fmt.Errorf("element not found: selector %q did not appear within %s: %w", selector, timeout, err)
	}
	return nil
}

// WaitForXPath is WaitForSelector for XPath expressions.
func (g *Gate) WaitForXPath(ctx context.Context, xpath string, timeout time.Duration, visible bool) error {
	if timeout <= 0 {
		timeout = defaultSelectorWait
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	action := chromedp.WaitReady(xpath, chromedp.BySearch)
	if visible {
		action = chromedp.WaitVisible(xpath, chromedp.BySearch)
	}
	if err := chromedp.Run(waitCtx, action); err != nil {
		return fmt.Errorf("element not found: xpath %q did not appear within %s: %w", xpath, timeout, err)
	}
	return nil
}

// ClickWithRetry clicks a selector, scrolling it into view when it has no
// on-screen bounding box, retrying with linear backoff on failure.
func (g *Gate) ClickWithRetry(ctx context.Context, selector string, retries int) error {
	if retries <= 0 {
		retries = 3
	}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		var visibleBox bool
		boxJS := fmt.Sprintf(`(() => {
			const el = document.querySelector(%q);
			if (!el) return false;
			const r = el.getBoundingClientRect();
			return r.width > 0 && r.height > 0 && r.bottom > 0 && r.top < window.innerHeight;
		})()`, selector)
		if err := chromedp.Run(ctx, chromedp.Evaluate(boxJS, &visibleBox)); err == nil && !visibleBox {
			_ = chromedp.Run(ctx, chromedp.ScrollIntoView(selector, chromedp.ByQuery))
		}

		lastErr = chromedp.Run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
		if lastErr == nil {
			return nil
		}
		g.log.Debug("Click attempt failed",
			zap.String("selector", selector),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if err := sleepCtx(ctx, time.Duration(attempt)*clickRetryBaseDelay); err != nil {
			return err
		}
	}
	return fmt.Errorf("failed to click %q after %d attempts: %w", selector, retries, lastErr)
}

// GotoWithRetries navigates to a URL, tolerating the "frame not ready" class
// of failures the browser produces when navigation races a renderer restart.
// Each attempt additionally verifies the body actually rendered children;
// render-state polling failures inside an attempt are non-fatal.
func (g *Gate) GotoWithRetries(ctx context.Context, url string, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			return err
		}

		if err := chromedp.Run(ctx, chromedp.Navigate(url)); err != nil {
			lastErr = err
			if isFrameNotReady(err) {
				// Renderer is mid-restart; give it notably longer.
				g.log.Warn("Frame not ready during navigation, backing off",
					zap.Int("attempt", attempt), zap.Error(err))
				if err := sleepCtx(ctx, time.Duration(attempt)*3*time.Second); err != nil {
					return err
				}
				continue
			}
			g.log.Warn("Navigation failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		g.pollReadyStateComplete(ctx, readyStatePollWait)
		if err := sleepCtx(ctx, navSettleWait); err != nil {
			return err
		}

		var children int
		if err := chromedp.Run(ctx, chromedp.Evaluate(
			`document.body ? document.body.children.length : 0`, &children)); err != nil {
			lastErr = err
			continue
		}
		if children > 0 {
			return nil
		}
		lastErr = fmt.Errorf("body rendered no children after navigating to %s", url)
		g.log.Warn("Navigation produced an empty document", zap.Int("attempt", attempt))
	}
	return fmt.Errorf("navigation to %s failed after %d attempts: %w", url, maxRetries, lastErr)
}

// pollReadyStateComplete waits for document.readyState === 'complete'.
// Timing out here is non-fatal; single-page apps often hold readyState
// hostage while the page is perfectly usable.
func (g *Gate) pollReadyStateComplete(ctx context.Context, maxWait time.Duration) {
	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		var state string
		if err := chromedp.Run(ctx, chromedp.Evaluate(`document.readyState`, &state)); err == nil && state == "complete" {
			return
		}
		if err := sleepCtx(ctx, 1*time.Second); err != nil {
			return
		}
	}
	g.log.Debug("readyState never reached 'complete', continuing", zap.Duration("waited", maxWait))
}

// frameNotReadyFragments are the known message shapes for "navigation raced
// a renderer restart and the target frame is not attached yet". Other
// frame-related errors (a detached iframe for example) do not belong here.
var frameNotReadyFragments = []string{
	"frame does not exist",
	"frame not found",
	"no frame for given id",
	"frame with the given id was not found",
}

func isFrameNotReady(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range frameNotReadyFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// sleepCtx sleeps without blocking past context cancellation. Every wait in
// this package is a suspension point, never a spin.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
