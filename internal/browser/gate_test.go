package browser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/khawaidev/pantharaaiAPI/api/schemas"
)

func testGate(t *testing.T) *Gate {
	t.Helper()
	return NewGate("Panthara", zaptest.NewLogger(t))
}

func TestPageReady(t *testing.T) {
	g := testGate(t)

	ready := pageProbe{
		ReadyState:   "complete",
		BodyChildren: 12,
		HasTextInput: true,
		HasButton:    true,
		Text:         "Panthara\nAsk me anything",
	}
	assert.True(t, g.pageReady(ready))

	loading := ready
	loading.ReadyState = "interactive"
	assert.False(t, g.pageReady(loading))

	empty := ready
	empty.BodyChildren = 0
	assert.False(t, g.pageReady(empty))

	inert := ready
	inert.HasTextInput = false
	inert.HasButton = false
	assert.False(t, g.pageReady(inert), "a page with no interactive surface is not ready")
}

func TestPageReadyBrandDisambiguatesLoadingCopy(t *testing.T) {
	g := testGate(t)

	p := pageProbe{
		ReadyState:   "complete",
		BodyChildren: 5,
		HasButton:    true,
		Text:         "Just a moment while we verify your browser",
	}
	assert.False(t, g.pageReady(p), "challenge copy without brand text means not ready")

	p.Text = "Panthara is loading, just a moment..."
	assert.True(t, g.pageReady(p), "the app's own loading copy must not be mistaken for a challenge")
}

func TestChallengePresent(t *testing.T) {
	assert.True(t, challengePresent(pageProbe{Text: "Checking your browser before accessing the site"}))
	assert.True(t, challengePresent(pageProbe{Text: "Verify you are human"}))
	assert.True(t, challengePresent(pageProbe{HasHook: true}))
	assert.False(t, challengePresent(pageProbe{Text: "Welcome back! How can I help you today?"}))
	assert.False(t, challengePresent(pageProbe{}))
}

func TestMatchesChallengeTextIsCaseInsensitive(t *testing.T) {
	assert.True(t, matchesChallengeText("JUST A MOMENT..."))
	assert.True(t, matchesChallengeText("DDoS protection by CloudFlare"))
	assert.False(t, matchesChallengeText("momentum trading strategies"))
}

func TestAppContentSignal(t *testing.T) {
	g := testGate(t)

	assert.True(t, g.appContentSignal(pageProbe{HasTextInput: true}))
	assert.True(t, g.appContentSignal(pageProbe{Text: "Welcome to panthara chat"}))
	assert.False(t, g.appContentSignal(pageProbe{HasButton: true, Text: "please wait"}))
}

func TestClassify(t *testing.T) {
	g := testGate(t)

	ready := pageProbe{ReadyState: "complete", BodyChildren: 3, HasTextInput: true, Text: "Panthara"}
	assert.Equal(t, schemas.ReadinessAppReady, g.classify(ready))

	assert.Equal(t, schemas.ReadinessNavigating, g.classify(pageProbe{ReadyState: "loading"}))
	assert.Equal(t, schemas.ReadinessChallengePresent, g.classify(pageProbe{HasHook: true}))
}

func TestClassifyReportsChallengeResolvingDuringWait(t *testing.T) {
	g := testGate(t)
	challenged := pageProbe{Text: "Verify you are human"}

	assert.Equal(t, schemas.ReadinessChallengePresent, g.classify(challenged))

	g.resolving.Store(true)
	assert.Equal(t, schemas.ReadinessChallengeResolving, g.classify(challenged))

	g.resolving.Store(false)
	assert.Equal(t, schemas.ReadinessChallengePresent, g.classify(challenged))
}

func TestIsFrameNotReady(t *testing.T) {
	assert.True(t, isFrameNotReady(errors.New("page load error: frame does not exist")))
	assert.True(t, isFrameNotReady(errors.New("No frame for given id found (-32000)")))
	assert.True(t, isFrameNotReady(errors.New("Frame with the given id was not found.")))
	assert.False(t, isFrameNotReady(errors.New("net::ERR_CONNECTION_REFUSED")))
	assert.False(t, isFrameNotReady(errors.New(`iframe "ads" was detached during evaluation`)),
		"unrelated frame errors must not trigger the long navigation backoff")
	assert.False(t, isFrameNotReady(nil))
}
