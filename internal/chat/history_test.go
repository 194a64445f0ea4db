package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTranscriptDataRoleMarkup(t *testing.T) {
	html := `<html><body><main>
		<div data-message-author-role="user">Hello there</div>
		<div data-message-author-role="assistant">Hi! How can I help?</div>
		<div data-message-author-role="user">What is Go?</div>
		<div data-message-author-role="assistant">Go is a programming language.</div>
	</main></body></html>`

	turns := ParseTranscript(html)
	require.Len(t, turns, 4)
	assert.Equal(t, "Hello there", turns[0])
	assert.Equal(t, "Go is a programming language.", turns[3])
}

func TestParseTranscriptClassFallbackSkipsNestedNodes(t *testing.T) {
	// Wrapper and content both match the loose class selector; only the
	// outermost node per turn may survive or turns get double counted.
	html := `<html><body>
		<div class="message user"><div class="message-body">first</div></div>
		<div class="message assistant"><div class="message-body">second</div></div>
	</body></html>`

	turns := ParseTranscript(html)
	require.Len(t, turns, 2)
	assert.Equal(t, "first", turns[0])
	assert.Equal(t, "second", turns[1])
}

func TestParseTranscriptSkipsEmptyNodes(t *testing.T) {
	html := `<html><body>
		<div data-role="user">question</div>
		<div data-role="assistant">   </div>
	</body></html>`

	turns := ParseTranscript(html)
	require.Len(t, turns, 1)
	assert.Equal(t, "question", turns[0])
}

func TestParseTranscriptNoMessages(t *testing.T) {
	assert.Nil(t, ParseTranscript(`<html><body><h1>landing page</h1></body></html>`))
	assert.Nil(t, ParseTranscript(``))
}

func TestLatestAssistantTurn(t *testing.T) {
	_, ok := LatestAssistantTurn(nil)
	assert.False(t, ok, "empty transcript has no assistant turn")

	_, ok = LatestAssistantTurn([]string{"u1"})
	assert.False(t, ok, "a lone user turn has no assistant reply yet")

	reply, ok := LatestAssistantTurn([]string{"u1", "a1"})
	require.True(t, ok)
	assert.Equal(t, "a1", reply)

	// Odd length: the newest entry is a user turn still awaiting its reply.
	reply, ok = LatestAssistantTurn([]string{"u1", "a1", "u2"})
	require.True(t, ok)
	assert.Equal(t, "a1", reply)

	reply, ok = LatestAssistantTurn([]string{"u1", "a1", "u2", "a2"})
	require.True(t, ok)
	assert.Equal(t, "a2", reply)
}

func TestNthAssistantTurn(t *testing.T) {
	transcript := []string{"u1", "a1", "u2", "a2", "u3"}

	reply, ok := NthAssistantTurn(transcript, 1)
	require.True(t, ok)
	assert.Equal(t, "a1", reply)

	reply, ok = NthAssistantTurn(transcript, 2)
	require.True(t, ok)
	assert.Equal(t, "a2", reply)

	_, ok = NthAssistantTurn(transcript, 3)
	assert.False(t, ok, "the third assistant turn does not exist yet")

	_, ok = NthAssistantTurn(transcript, 0)
	assert.False(t, ok)
	_, ok = NthAssistantTurn(nil, 1)
	assert.False(t, ok)
}
