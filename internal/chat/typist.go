package chat

import (
	"context"
	"math/rand"
	"time"

	"github.com/aquilax/go-perlin"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/khawaidev/pantharaaiAPI/internal/config"
)

// InputEmulator produces keystrokes on whatever element currently holds
// focus. Split out as an interface so the driver can be exercised without a
// browser.
type InputEmulator interface {
	TypeText(ctx context.Context, text string) error
	PressEnter(ctx context.Context) error
}

// Typist emulates human typing cadence. Inter-key delays are a uniform base
// plus a slow Perlin drift, so the rhythm wanders the way a real hand does
// instead of jittering around a fixed mean. Newlines are sent as real Enter
// key events, which multi-line chat inputs require.
type Typist struct {
	cfg   config.TypingConfig
	noise *perlin.Perlin
	rng   *rand.Rand
	typed int
}

func NewTypist(cfg config.TypingConfig) *Typist {
	seed := time.Now().UnixNano()
	return &Typist{
		cfg:   cfg,
		noise: perlin.NewPerlin(2, 2, 3, seed),
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// TypeText sends text to the focused element one character at a time. The
// caller focuses the input first; typing always targets
// document.activeElement so focus shifts mid-message are the page's problem,
// not ours.
func (t *Typist) TypeText(ctx context.Context, text string) error {
	for _, r := range text {
		if r == '\n' {
			if err := t.PressEnter(ctx); err != nil {
				return err
			}
			continue
		}
		if err := chromedp.Run(ctx,
			chromedp.SendKeys("document.activeElement", string(r), chromedp.ByJSPath),
		); err != nil {
			return err
		}
		t.typed++
		if err := sleepCtx(ctx, t.keyDelay()); err != nil {
			return err
		}
		if t.cfg.PauseEvery > 0 && t.typed%t.cfg.PauseEvery == 0 {
			if err := sleepCtx(ctx, t.longPause()); err != nil {
				return err
			}
		}
	}
	return nil
}

// PressEnter emits a real Enter keydown/keyup pair.
func (t *Typist) PressEnter(ctx context.Context) error {
	return chromedp.Run(ctx, chromedp.KeyEvent(kb.Enter))
}

// keyDelay is the next inter-key delay: uniform in [MinDelay, MaxDelay],
// shifted by Perlin noise sampled along the character index.
func (t *Typist) keyDelay() time.Duration {
	span := t.cfg.MaxDelay - t.cfg.MinDelay
	if span <= 0 {
		return t.cfg.MinDelay
	}
	base := t.cfg.MinDelay + time.Duration(t.rng.Int63n(int64(span)))

	// Noise in [-1, 1], scaled to a quarter of the span.
	drift := t.noise.Noise1D(float64(t.typed) / 10.0)
	offset := time.Duration(drift * float64(span) / 4.0)

	d := base + offset
	if d < t.cfg.MinDelay {
		d = t.cfg.MinDelay
	}
	return d
}

func (t *Typist) longPause() time.Duration {
	span := t.cfg.PauseMax - t.cfg.PauseMin
	if span <= 0 {
		return t.cfg.PauseMin
	}
	return t.cfg.PauseMin + time.Duration(t.rng.Int63n(int64(span)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
