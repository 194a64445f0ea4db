// Package session persists and restores browser authentication state: the
// cookie set and local-storage mapping that keep the driven chat application
// logged in across engine restarts.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/khawaidev/pantharaaiAPI/api/schemas"
	"github.com/khawaidev/pantharaaiAPI/internal/config"
)

// Store reads and writes session snapshots against the canonical session
// file, and moves them in and out of a live chromedp page context.
type Store struct {
	log       *zap.Logger
	file      string
	backupDir string
	targetURL string
}

// ExportStats reports what a persistence operation actually wrote.
type ExportStats struct {
	FileName     string
	FilePath     string
	CookieCount  int
	StorageCount int
}

// New creates a session store rooted at the configured canonical file.
func New(cfg config.SessionConfig, targetURL string, logger *zap.Logger) *Store {
	return &Store{
		log:       logger.Named("session_store"),
		file:      cfg.File,
		backupDir: cfg.BackupDir,
		targetURL: targetURL,
	}
}

// Load reads the durable session file. It fails soft: a missing file,
// malformed JSON, or an unrecognized shape all yield (nil, nil) with a log
// line, since the engine can always start unauthenticated.
func (s *Store) Load() (*schemas.SessionSnapshot, error) {
	data, err := os.ReadFile(s.file)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Info("No session file found, starting unauthenticated", zap.String("file", s.file))
			return nil, nil
		}
		s.log.Warn("Failed to read session file", zap.String("file", s.file), zap.Error(err))
		return nil, nil
	}

	snap, err := schemas.NormalizeSessionFile(data)
	if err != nil {
		s.log.Warn("Session file is not valid JSON, ignoring it", zap.String("file", s.file), zap.Error(err))
		return nil, nil
	}

	s.log.Info("Session file loaded",
		zap.Int("cookies", len(snap.Cookies)),
		zap.Int("storage_keys", len(snap.LocalStorage)),
		zap.Time("saved_at", snap.SavedAt),
	)
	return snap, nil
}

// Apply installs a snapshot into the live page. The page is first navigated
// to the target's root origin because cookies cannot be attached to a context
// that has never visited the domain. Cookie installation and local-storage
// replay are independently best-effort; only a dead page context is fatal.
func (s *Store) Apply(ctx context.Context, snap *schemas.SessionSnapshot) error {
	if snap.Empty() {
		s.log.Debug("Empty snapshot, nothing to apply")
		return nil
	}

	origin, err := rootOrigin(s.targetURL)
	if err != nil {
		return fmt.Errorf("cannot derive root origin from %q: %w", s.targetURL, err)
	}
	if err := chromedp.Run(ctx,
		chromedp.Navigate(origin),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to navigate to root origin %s before cookie install: %w", origin, err)
	}

	settable, skippedPartitioned, skippedExpired := partitionCookies(snap.Cookies, time.Now())
	if len(skippedPartitioned) > 0 {
		s.log.Debug("Skipping partitioned cookies, the browser will set them natively",
			zap.Strings("names", skippedPartitioned))
	}
	if len(skippedExpired) > 0 {
		s.log.Info("Skipping expired cookies", zap.Strings("names", skippedExpired))
	}

	installed := 0
	for _, c := range settable {
		if err := chromedp.Run(ctx, setCookieAction(c)); err != nil {
			s.log.Warn("Failed to install cookie", zap.String("name", c.Name), zap.Error(err))
			continue
		}
		installed++
	}

	if len(snap.LocalStorage) > 0 {
		if err := s.replayLocalStorage(ctx, snap.LocalStorage); err != nil {
			// Not fatal: many apps work on cookies alone.
			s.log.Warn("Local-storage replay failed, continuing with cookies only", zap.Error(err))
		}
	}

	s.log.Info("Session applied",
		zap.Int("cookies_installed", installed),
		zap.Int("cookies_skipped", len(skippedPartitioned)+len(skippedExpired)),
		zap.Int("storage_keys", len(snap.LocalStorage)),
	)
	return nil
}

// partitionCookies splits a cookie sequence into directly settable cookies,
// partitioned ones, and ones already expired at the given instant. Domains of
// settable cookies are normalized to the leading-dot form so they match
// across subdomains.
func partitionCookies(cookies []schemas.Cookie, now time.Time) (settable []schemas.Cookie, partitioned, expired []string) {
	nowEpoch := float64(now.Unix())
	for _, c := range cookies {
		switch {
		case c.Partitioned:
			partitioned = append(partitioned, c.Name)
		case c.Expires > 0 && c.Expires < nowEpoch:
			expired = append(expired, c.Name)
		default:
			c.Domain = normalizeCookieDomain(c.Domain)
			settable = append(settable, c)
		}
	}
	return settable, partitioned, expired
}

func normalizeCookieDomain(domain string) string {
	if domain == "" || strings.HasPrefix(domain, ".") {
		return domain
	}
	return "." + domain
}

func setCookieAction(c schemas.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		p := network.SetCookie(c.Name, c.Value).
			WithDomain(c.Domain).
			WithPath(c.Path).
			WithSecure(c.Secure).
			WithHTTPOnly(c.HTTPOnly)
		if c.Expires > 0 {
			epoch := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p = p.WithExpires(&epoch)
		}
		if c.SameSite != "" {
			p = p.WithSameSite(network.CookieSameSite(c.SameSite))
		}
		return p.Do(ctx)
	})
}

func (s *Store) replayLocalStorage(ctx context.Context, storage map[string]string) error {
	payload, err := json.Marshal(storage)
	if err != nil {
		return fmt.Errorf("failed to encode local-storage payload: %w", err)
	}
	script := fmt.Sprintf(`(() => {
		const data = %s;
		let n = 0;
		for (const [k, v] of Object.entries(data)) {
			try { localStorage.setItem(k, v); n++; } catch (e) {}
		}
		return n;
	})()`, payload)

	var replayed int
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &replayed)); err != nil {
		return err
	}
	s.log.Debug("Local storage replayed", zap.Int("keys", replayed))
	return nil
}

// Extract reads the live authentication state off the page. Unlike Load and
// Apply it fails hard when the page context is unusable, because a partial
// snapshot silently overwriting a good session file would be worse than an
// error.
func (s *Store) Extract(ctx context.Context) (*schemas.SessionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("page context is closed: %w", err)
	}

	var cookies []*network.Cookie
	var storageJSON string
	var location string

	err := chromedp.Run(ctx,
		chromedp.Location(&location),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
		chromedp.Evaluate(`(() => {
			const out = {};
			try {
				for (let i = 0; i < localStorage.length; i++) {
					const k = localStorage.key(i);
					out[k] = localStorage.getItem(k);
				}
			} catch (e) {}
			return JSON.stringify(out);
		})()`, &storageJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to extract session state from page: %w", err)
	}

	storage := map[string]string{}
	if storageJSON != "" {
		if err := json.Unmarshal([]byte(storageJSON), &storage); err != nil {
			s.log.Warn("Could not decode local-storage payload", zap.Error(err))
			storage = map[string]string{}
		}
	}

	snap := &schemas.SessionSnapshot{
		Cookies:      make([]schemas.Cookie, 0, len(cookies)),
		LocalStorage: storage,
		SavedAt:      time.Now().UTC(),
		SourceURL:    location,
	}
	for _, ck := range cookies {
		snap.Cookies = append(snap.Cookies, fromCDPCookie(ck))
	}
	return snap, nil
}

func fromCDPCookie(ck *network.Cookie) schemas.Cookie {
	return schemas.Cookie{
		Name:        ck.Name,
		Value:       ck.Value,
		Domain:      ck.Domain,
		Path:        ck.Path,
		Expires:     ck.Expires,
		HTTPOnly:    ck.HTTPOnly,
		Secure:      ck.Secure,
		SameSite:    string(ck.SameSite),
		Partitioned: ck.PartitionKey != nil,
	}
}

// Export persists a fresh snapshot to the canonical session file. Re-running
// it overwrites the file deterministically.
func (s *Store) Export(ctx context.Context) (*ExportStats, error) {
	return s.persist(ctx, s.file)
}

// Backup persists a fresh snapshot to a timestamped backup file, or to the
// given name when one is supplied.
func (s *Store) Backup(ctx context.Context, name string) (*ExportStats, error) {
	if name == "" {
		stamp := strings.ReplaceAll(time.Now().UTC().Format(time.RFC3339), ":", "-")
		name = fmt.Sprintf("session-backup-%s.json", stamp)
	}
	return s.persist(ctx, filepath.Join(s.backupDir, name))
}

func (s *Store) persist(ctx context.Context, path string) (*ExportStats, error) {
	snap, err := s.Extract(ctx)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode session snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write session file %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	stats := &ExportStats{
		FileName:     filepath.Base(path),
		FilePath:     abs,
		CookieCount:  len(snap.Cookies),
		StorageCount: len(snap.LocalStorage),
	}
	s.log.Info("Session persisted",
		zap.String("file", stats.FileName),
		zap.Int("cookies", stats.CookieCount),
		zap.Int("storage_keys", stats.StorageCount),
	)
	return stats, nil
}

// rootOrigin reduces a URL to its scheme://host form.
func rootOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no scheme or host", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}
