package chat

import (
	"context"
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/khawaidev/pantharaaiAPI/internal/config"
)

func testDriver(t *testing.T) *Driver {
	t.Helper()
	cfg := config.ChatConfig{
		ReplyTimeout:   60 * time.Millisecond,
		PollInterval:   time.Millisecond,
		MinReplyLength: 2,
	}
	return NewDriver(cfg, config.TargetConfig{}, nil, nil, zaptest.NewLogger(t))
}

// scriptedSampler replays transcript states poll by poll, holding the final
// state once the script runs out.
func scriptedSampler(states []replySample) func(context.Context) (replySample, error) {
	i := 0
	return func(context.Context) (replySample, error) {
		s := states[i]
		if i < len(states)-1 {
			i++
		}
		return s, nil
	}
}

func TestAwaitStableReplyNeverAcceptsPreviousExchangeAnswer(t *testing.T) {
	d := testDriver(t)

	// After dispatching the second message the page shows only the new user
	// turn; the newest assistant turn is still the first exchange's answer.
	// That state must never be declared stable, no matter how long it lasts.
	d.sample = scriptedSampler([]replySample{
		{transcript: []string{"u1", "a1", "u2"}},
	})

	start := time.Now()
	got := d.AwaitStableReply(context.Background(), 2)

	assert.GreaterOrEqual(t, time.Since(start), d.cfg.ReplyTimeout,
		"a transcript without this exchange's reply must wait out the full timeout")
	assert.Equal(t, []string{"u1", "a1", "u2"}, got)
}

func TestAwaitStableReplyWaitsForThisExchangesTurn(t *testing.T) {
	d := testDriver(t)

	d.sample = scriptedSampler([]replySample{
		{transcript: []string{"u1", "a1", "u2"}},
		{transcript: []string{"u1", "a1", "u2"}},
		{transcript: []string{"u1", "a1", "u2"}},
		{transcript: []string{"u1", "a1", "u2", "the second"}},
		{transcript: []string{"u1", "a1", "u2", "the second answer"}},
	})

	got := d.AwaitStableReply(context.Background(), 2)

	reply, ok := LatestAssistantTurn(got)
	require.True(t, ok)
	assert.Equal(t, "the second answer", reply)
	assert.NotEqual(t, "a1", reply, "the first exchange's answer must not leak into the second")
}

func TestAwaitStableReplyGrowingReplyOnlyReturnsAtTimeout(t *testing.T) {
	d := testDriver(t)

	// A reply that changes on every poll never satisfies the two-identical
	// reads debounce; the loop must run the clock out and hand back the
	// last observation.
	n := 0
	d.sample = func(context.Context) (replySample, error) {
		n++
		return replySample{transcript: []string{"u1", "word " + strconv.Itoa(n)}}, nil
	}

	start := time.Now()
	got := d.AwaitStableReply(context.Background(), 0)

	assert.GreaterOrEqual(t, time.Since(start), d.cfg.ReplyTimeout)
	require.Len(t, got, 2)
}

func TestAwaitStableReplyStreamingIndicatorBlocksReturn(t *testing.T) {
	d := testDriver(t)

	d.sample = scriptedSampler([]replySample{
		{transcript: []string{"u1", "done"}, streaming: true},
		{transcript: []string{"u1", "done"}, streaming: true},
		{transcript: []string{"u1", "done"}, streaming: false},
		{transcript: []string{"u1", "done"}, streaming: false},
	})

	got := d.AwaitStableReply(context.Background(), 0)

	reply, ok := LatestAssistantTurn(got)
	require.True(t, ok)
	assert.Equal(t, "done", reply)
}

func TestStabilityTrackerRequiresTwoIdenticalReads(t *testing.T) {
	var tr stabilityTracker

	assert.False(t, tr.observe("partial", false), "first read is never stable")
	assert.True(t, tr.observe("partial", false), "second identical read is stable")
}

func TestStabilityTrackerResetsOnGrowth(t *testing.T) {
	var tr stabilityTracker

	assert.False(t, tr.observe("The answer", false))
	assert.False(t, tr.observe("The answer is 42", false), "a grown reply restarts the debounce")
	assert.True(t, tr.observe("The answer is 42", false))
}

func TestStabilityTrackerStreamingBlocksStability(t *testing.T) {
	var tr stabilityTracker

	assert.False(t, tr.observe("done", false))
	assert.False(t, tr.observe("done", true), "a visible streaming indicator overrides text equality")
	assert.False(t, tr.observe("done", false), "streaming resets the debounce")
	assert.True(t, tr.observe("done", false))
}

func TestStabilityTrackerIgnoresEmptyReply(t *testing.T) {
	var tr stabilityTracker

	assert.False(t, tr.observe("", false))
	assert.False(t, tr.observe("", false))
}

func TestDecodeImagePayloadRawBase64(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G'}
	data, err := decodeImagePayload(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, data)
}

func TestDecodeImagePayloadDataURL(t *testing.T) {
	raw := []byte("pixels")
	payload := "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)

	data, err := decodeImagePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, raw, data)
}

func TestDecodeImagePayloadRejectsGarbage(t *testing.T) {
	_, err := decodeImagePayload("not-valid-base64!!!")
	assert.Error(t, err)

	_, err = decodeImagePayload("")
	assert.Error(t, err)
}
