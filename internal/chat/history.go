package chat

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
)

// messageSelectors are tried in order against the rendered page. The first
// selector that matches anything wins; later entries are progressively less
// specific fallbacks for markup churn.
var messageSelectors = []string{
	`[data-message-author-role]`,
	`[data-role="user"], [data-role="assistant"]`,
	`.message-content`,
	`.chat-message`,
	`div[class*="message"]`,
}

// ParseTranscript extracts the ordered conversation turns from rendered
// HTML. The result alternates strictly: even indexes are user turns, odd
// indexes are assistant turns. The page renders turns in document order, so
// order in equals order out.
func ParseTranscript(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	for _, selector := range messageSelectors {
		sel := doc.Find(selector)
		if sel.Length() == 0 {
			continue
		}
		// Drop nodes nested inside another match; loose class selectors
		// catch wrapper and content divs of the same turn.
		sel = sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
			return s.ParentsFiltered(selector).Length() == 0
		})

		var turns []string
		sel.Each(func(_ int, s *goquery.Selection) {
			text := strings.TrimSpace(s.Text())
			if text != "" {
				turns = append(turns, text)
			}
		})
		if len(turns) > 0 {
			return turns
		}
	}
	return nil
}

// ExtractTranscript snapshots the live page and parses it.
func ExtractTranscript(ctx context.Context) ([]string, error) {
	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("body", &html, chromedp.ByQuery)); err != nil {
		return nil, err
	}
	return ParseTranscript(html), nil
}

// LatestAssistantTurn returns the newest assistant turn under the parity
// model, or false when no assistant turn exists yet.
func LatestAssistantTurn(transcript []string) (string, bool) {
	if len(transcript) < 2 {
		return "", false
	}
	idx := len(transcript) - 1
	if idx%2 == 0 {
		idx--
	}
	if idx < 1 {
		return "", false
	}
	return transcript[idx], true
}

// NthAssistantTurn returns the n-th assistant turn, 1-based. Under the
// parity model the n-th assistant turn sits at index 2n-1.
func NthAssistantTurn(transcript []string, n int) (string, bool) {
	if n < 1 {
		return "", false
	}
	idx := 2*n - 1
	if idx >= len(transcript) {
		return "", false
	}
	return transcript[idx], true
}
