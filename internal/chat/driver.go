package chat

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/khawaidev/pantharaaiAPI/api/schemas"
	"github.com/khawaidev/pantharaaiAPI/internal/browser"
	"github.com/khawaidev/pantharaaiAPI/internal/config"
)

// inputCandidates are tried in order when locating the message composer.
var inputCandidates = []string{
	`textarea`,
	`div[contenteditable="true"]`,
	`[role="textbox"]`,
	`input[type="text"]`,
}

// sendButtonCandidates are tried in order before falling back to a text scan
// over every button on the page.
var sendButtonCandidates = []string{
	`button[type="submit"]`,
	`button[aria-label*="send" i]`,
	`button[data-testid*="send"]`,
	`button[title*="send" i]`,
}

// streamingProbeJS reports whether the page is visibly mid-generation.
const streamingProbeJS = `!!document.querySelector(
	'[data-streaming="true"], [aria-busy="true"], .streaming, .typing-indicator, [class*="cursor-blink"]')`

// Driver runs one full conversation exchange against the live page. It is
// not safe for concurrent use; the API layer serializes calls.
type Driver struct {
	log    *zap.Logger
	cfg    config.ChatConfig
	target config.TargetConfig
	gate   *browser.Gate
	input  InputEmulator

	// composer is the selector that matched during SendMessage, kept so
	// DispatchSend can verify against the same element.
	composer string

	// sample reads one transcript/streaming observation off the page. A
	// field so tests can script the page's behavior poll by poll.
	sample func(ctx context.Context) (replySample, error)
}

// replySample is one poll of the page during reply stabilization.
type replySample struct {
	transcript []string
	streaming  bool
}

func NewDriver(cfg config.ChatConfig, target config.TargetConfig, gate *browser.Gate, input InputEmulator, logger *zap.Logger) *Driver {
	d := &Driver{
		log:    logger.Named("conversation_driver"),
		cfg:    cfg,
		target: target,
		gate:   gate,
		input:  input,
	}
	d.sample = d.sampleReply
	return d
}

// Run executes the complete exchange: model selection, message entry,
// dispatch, and reply stabilization. A missing or too-short reply is an
// error; everything upstream of that degrades with warnings instead.
func (d *Driver) Run(ctx context.Context, req schemas.ConversationRequest) (schemas.ConversationResult, error) {
	before, err := ExtractTranscript(ctx)
	if err != nil {
		return schemas.ConversationResult{}, fmt.Errorf("transcript snapshot failed: %w", err)
	}
	baseline := len(before)

	d.SelectModel(ctx, req.Model)

	if err := d.SendMessage(ctx, req.Message, req.Image); err != nil {
		return schemas.ConversationResult{}, err
	}
	if err := d.DispatchSend(ctx); err != nil {
		return schemas.ConversationResult{}, err
	}

	transcript := d.AwaitStableReply(ctx, baseline)

	reply, ok := LatestAssistantTurn(transcript)
	if !ok || len(transcript) < baseline+2 {
		return schemas.ConversationResult{}, fmt.Errorf("no reply detected after %s", d.cfg.ReplyTimeout)
	}
	if len(strings.TrimSpace(reply)) < d.cfg.MinReplyLength {
		return schemas.ConversationResult{}, fmt.Errorf("reply too short to be genuine: %q", reply)
	}

	result := schemas.ConversationResult{
		ReplyText:        reply,
		TranscriptLength: len(transcript),
	}
	if n := len(transcript) / 2; n > 0 {
		if nth, ok := NthAssistantTurn(transcript, n); ok {
			result.NthReplyText = nth
		}
	}
	return result, nil
}

// SelectModel switches the model picker when the request names a model other
// than the default. Model selection failures never abort the exchange: the
// conversation proceeds on whatever model the UI has, with a warning.
func (d *Driver) SelectModel(ctx context.Context, model string) {
	if model == "" || strings.EqualFold(model, d.target.DefaultModel) {
		return
	}

	// Native <select> first: set the value directly and notify the
	// framework. Matches by option value, then by visible text.
	var matched bool
	nativeJS := fmt.Sprintf(`(() => {
		const want = %q.toLowerCase();
		const selects = Array.from(document.querySelectorAll('select'));
		const pick = selects.length > 1 ? selects[1] : selects[0];
		if (!pick) return false;
		for (const opt of pick.options) {
			if (opt.value.toLowerCase() === want || opt.textContent.trim().toLowerCase() === want) {
				pick.value = opt.value;
				pick.dispatchEvent(new Event('input', { bubbles: true }));
				pick.dispatchEvent(new Event('change', { bubbles: true }));
				return true;
			}
		}
		return false;
	})()`, model)
	if err := chromedp.Run(ctx, chromedp.Evaluate(nativeJS, &matched)); err == nil && matched {
		d.log.Info("Model selected", zap.String("model", model))
		return
	}

	// Custom combobox: open the picker, click the matching option, dismiss
	// with Escape if nothing matches.
	openJS := `(() => {
		const dds = Array.from(document.querySelectorAll('[role="combobox"], [aria-haspopup="listbox"]'));
		const pick = dds.length > 1 ? dds[1] : dds[0];
		if (!pick) return false;
		pick.click();
		return true;
	})()`
	var opened bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(openJS, &opened)); err != nil || !opened {
		d.log.Warn("Model picker not found, continuing with current model", zap.String("model", model))
		return
	}
	_ = sleepCtx(ctx, 400*time.Millisecond)

	clickJS := fmt.Sprintf(`(() => {
		const want = %q.toLowerCase();
		const opts = Array.from(document.querySelectorAll('[role="option"], li'));
		const hit = opts.find(o => o.textContent.trim().toLowerCase() === want) ||
			opts.find(o => o.textContent.trim().toLowerCase().includes(want));
		if (!hit) return false;
		hit.click();
		return true;
	})()`, model)
	var clicked bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(clickJS, &clicked)); err != nil || !clicked {
		_ = chromedp.Run(ctx, chromedp.KeyEvent(kb.Escape))
		d.log.Warn("Requested model not present in picker, continuing with current model",
			zap.String("model", model))
		return
	}
	d.log.Info("Model selected", zap.String("model", model))
}

// SendMessage focuses the composer, clears any residue, attaches the image
// if one was supplied, and types the message with human cadence.
func (d *Driver) SendMessage(ctx context.Context, message, image string) error {
	composer, err := d.findComposer(ctx)
	if err != nil {
		return err
	}
	d.composer = composer

	if err := chromedp.Run(ctx, chromedp.Click(composer, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("failed to focus composer %q: %w", composer, err)
	}
	d.clearComposer(ctx, composer)

	if image != "" {
		d.attachImage(ctx, image)
	}

	if err := d.input.TypeText(ctx, message); err != nil {
		return fmt.Errorf("typing failed: %w", err)
	}

	// Frameworks tracking input state sometimes miss trusted key events.
	syncJS := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return;
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
	})()`, composer)
	_ = chromedp.Run(ctx, chromedp.Evaluate(syncJS, nil))
	return nil
}

// findComposer returns the first visible input candidate.
func (d *Driver) findComposer(ctx context.Context) (string, error) {
	for _, sel := range inputCandidates {
		var present bool
		js := fmt.Sprintf(`(() => {
			const el = document.querySelector(%q);
			if (!el) return false;
			const r = el.getBoundingClientRect();
			return r.width > 0 && r.height > 0;
		})()`, sel)
		if err := chromedp.Run(ctx, chromedp.Evaluate(js, &present)); err == nil && present {
			return sel, nil
		}
	}
	return "", fmt.Errorf("no message input found on page, tried: %s", strings.Join(inputCandidates, ", "))
}

// clearComposer removes leftover text via select-all plus delete, with a JS
// reset as fallback. Best effort.
func (d *Driver) clearComposer(ctx context.Context, composer string) {
	if err := chromedp.Run(ctx,
		chromedp.KeyEvent("a", chromedp.KeyModifiers(input.ModifierCtrl)),
		chromedp.KeyEvent(kb.Delete),
	); err == nil {
		if n, err := d.composerLength(ctx, composer); err == nil && n == 0 {
			return
		}
	}
	resetJS := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return;
		if ('value' in el) el.value = '';
		else el.textContent = '';
		el.dispatchEvent(new Event('input', { bubbles: true }));
	})()`, composer)
	_ = chromedp.Run(ctx, chromedp.Evaluate(resetJS, nil))
}

func (d *Driver) composerLength(ctx context.Context, composer string) (int, error) {
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return 0;
		return ('value' in el ? el.value : el.textContent).length;
	})()`, composer)
	var n int
	err := chromedp.Run(ctx, chromedp.Evaluate(js, &n))
	return n, err
}

// attachImage decodes the payload to a temp file, feeds it to the page's
// file input, and deletes the file. A missing file input or a bad payload
// drops the attachment with a warning; the text message still goes out.
func (d *Driver) attachImage(ctx context.Context, payload string) {
	data, err := decodeImagePayload(payload)
	if err != nil {
		d.log.Warn("Image payload could not be decoded, sending without attachment", zap.Error(err))
		return
	}
	path := filepath.Join(os.TempDir(), "upload-"+uuid.NewString()+".png")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		d.log.Warn("Image temp file write failed, sending without attachment", zap.Error(err))
		return
	}
	defer os.Remove(path)

	if err := chromedp.Run(ctx,
		chromedp.SetUploadFiles(`input[type="file"]`, []string{path}, chromedp.ByQuery),
	); err != nil {
		d.log.Warn("No usable file input, sending without attachment", zap.Error(err))
		return
	}
	// Give the page a beat to ingest the upload before typing continues.
	_ = sleepCtx(ctx, 1*time.Second)
	d.log.Info("Image attached", zap.Int("bytes", len(data)))
}

// decodeImagePayload accepts raw base64 or a data URL.
func decodeImagePayload(payload string) ([]byte, error) {
	if idx := strings.Index(payload, ";base64,"); idx >= 0 {
		payload = payload[idx+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image payload: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image payload")
	}
	return data, nil
}

// DispatchSend fires the message. Candidate buttons are tried with
// escalating click strategies, each verified by watching the composer drain;
// the Enter key is the final fallback. Only when every escalation fails does
// the exchange abort.
func (d *Driver) DispatchSend(ctx context.Context) error {
	lenBefore, err := d.composerLength(ctx, d.composer)
	if err != nil {
		lenBefore = -1
	}

	selectors := append([]string{}, sendButtonCandidates...)
	if marked := d.markSendLikeButton(ctx); marked != "" {
		selectors = append(selectors, marked)
	}

	for _, sel := range selectors {
		var present bool
		js := fmt.Sprintf(`!!document.querySelector(%q)`, sel)
		if err := chromedp.Run(ctx, chromedp.Evaluate(js, &present)); err != nil || !present {
			continue
		}
		if d.tryClickAndVerify(ctx, sel, lenBefore) {
			return nil
		}
	}

	// Last resort: Enter in the composer.
	d.log.Debug("No send button accepted the click, falling back to Enter")
	if err := chromedp.Run(ctx, chromedp.Click(d.composer, chromedp.ByQuery)); err == nil {
		_ = d.input.PressEnter(ctx)
		if d.composerDrained(ctx, lenBefore) {
			return nil
		}
	}
	return fmt.Errorf("message was not sent: no send control accepted the dispatch")
}

// markSendLikeButton scans every button for send-like text or an icon-only
// body next to the composer, tags the winner with a data attribute, and
// returns a selector for it.
func (d *Driver) markSendLikeButton(ctx context.Context) string {
	const attr = "data-auto-send-target"
	js := `(() => {
		const terms = ['send', 'submit', 'ask'];
		const buttons = Array.from(document.querySelectorAll('button, [role="button"]'));
		let hit = buttons.find(b => {
			const t = (b.textContent || '').trim().toLowerCase();
			return terms.some(w => t === w || t.startsWith(w + ' '));
		});
		if (!hit) {
			hit = buttons.find(b => b.querySelector('svg') && (b.textContent || '').trim() === '');
		}
		if (!hit) return false;
		hit.setAttribute('` + attr + `', '1');
		return true;
	})()`
	var found bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(js, &found)); err != nil || !found {
		return ""
	}
	return `[` + attr + `]`
}

// tryClickAndVerify escalates through click strategies on one selector,
// treating a drained composer as proof of dispatch.
func (d *Driver) tryClickAndVerify(ctx context.Context, sel string, lenBefore int) bool {
	// Plain trusted click.
	if err := d.gate.ClickWithRetry(ctx, sel, 2); err == nil {
		if d.composerDrained(ctx, lenBefore) {
			return true
		}
	}

	// JS click after scrolling into view, then a synthetic event burst for
	// handlers bound to mousedown rather than click.
	escalateJS := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		el.scrollIntoView({ block: 'center' });
		el.click();
		return true;
	})()`, sel)
	var ok bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(escalateJS, &ok)); err == nil && ok {
		if d.composerDrained(ctx, lenBefore) {
			return true
		}
	}

	syntheticJS := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		for (const type of ['mousedown', 'mouseup', 'click']) {
			el.dispatchEvent(new MouseEvent(type, { bubbles: true, cancelable: true, view: window }));
		}
		return true;
	})()`, sel)
	if err := chromedp.Run(ctx, chromedp.Evaluate(syntheticJS, &ok)); err == nil && ok {
		return d.composerDrained(ctx, lenBefore)
	}
	return false
}

// composerDrained reports whether the composer emptied or shrank after a
// dispatch attempt. With no baseline it requires fully empty.
func (d *Driver) composerDrained(ctx context.Context, lenBefore int) bool {
	_ = sleepCtx(ctx, 300*time.Millisecond)
	n, err := d.composerLength(ctx, d.composer)
	if err != nil {
		return false
	}
	if lenBefore < 0 {
		return n == 0
	}
	return n == 0 || n < lenBefore
}

// AwaitStableReply polls the transcript until the newest assistant turn
// stops changing. Stability means: the transcript holds both turns of this
// exchange (user turn plus at least the start of its reply, baseline+2), the
// reply is non-empty, no streaming indicator is visible, and two consecutive
// polls read identical text. The baseline+2 floor matters: right after
// dispatch the page renders the new user turn alone, and at baseline+1 the
// newest assistant turn is still the previous exchange's answer. On timeout
// the last transcript is returned as-is rather than failing the exchange.
func (d *Driver) AwaitStableReply(ctx context.Context, baseline int) []string {
	var (
		tracker stabilityTracker
		last    []string
	)
	deadline := time.Now().Add(d.cfg.ReplyTimeout)
	for time.Now().Before(deadline) {
		if err := sleepCtx(ctx, d.cfg.PollInterval); err != nil {
			return last
		}
		obs, err := d.sample(ctx)
		if err != nil {
			d.log.Debug("Transcript poll failed", zap.Error(err))
			continue
		}
		last = obs.transcript
		if len(obs.transcript) < baseline+2 {
			continue
		}

		reply, _ := LatestAssistantTurn(obs.transcript)
		if tracker.observe(reply, obs.streaming) {
			return obs.transcript
		}
	}
	d.log.Warn("Reply never stabilized, returning last observation",
		zap.Duration("timeout", d.cfg.ReplyTimeout))
	return last
}

// sampleReply is the live-page sample implementation. A failed streaming
// probe degrades to "not streaming" so a flaky evaluation cannot stall the
// wait forever.
func (d *Driver) sampleReply(ctx context.Context) (replySample, error) {
	transcript, err := ExtractTranscript(ctx)
	if err != nil {
		return replySample{}, err
	}
	var streaming bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(streamingProbeJS, &streaming)); err != nil {
		streaming = false
	}
	return replySample{transcript: transcript, streaming: streaming}, nil
}

// stabilityTracker is the debounce over successive reply observations. A
// reply is stable after two consecutive identical non-empty reads with no
// streaming indicator.
type stabilityTracker struct {
	last string
	seen bool
}

func (t *stabilityTracker) observe(reply string, streaming bool) bool {
	if streaming || reply == "" {
		t.seen = false
		t.last = reply
		return false
	}
	if t.seen && t.last == reply {
		return true
	}
	t.last = reply
	t.seen = true
	return false
}
