package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalesceMergesAdjacentRoles(t *testing.T) {
	c := Conversation{
		NewSystemMessage("sys"),
		NewUserMessage("a"),
		NewUserMessage("b"),
		NewAssistantMessage("I am a "),
		NewAssistantMessage("giraffe", WithID("animal")),
	}

	merged := c.Coalesce()
	require.Len(t, merged, 3)
	assert.Equal(t, "ab", merged[1].Content)
	assert.Equal(t, "I am a giraffe", merged[2].Content)

	// the original log is untouched
	require.Len(t, c, 5)
	assert.Equal(t, "a", c[1].Content)
	assert.Equal(t, "I am a ", c[3].Content)
}

func TestIndexOfMatchesIDAndGenID(t *testing.T) {
	c := Conversation{
		NewUserMessage("q", WithID("question")),
		NewAssistantMessage("a", WithID("answer"), WithGenID("answer")),
		NewUserMessage("follow", WithGenID("x")),
	}
	assert.Equal(t, 0, c.IndexOf("question"))
	assert.Equal(t, 1, c.IndexOf("answer"))
	assert.Equal(t, 2, c.IndexOf("x"))
	assert.Equal(t, -1, c.IndexOf("missing"))
	assert.Equal(t, -1, c.IndexOf(""))
}

func TestCloneIsDeep(t *testing.T) {
	c := Conversation{
		NewUserMessage("q", WithMetadata(map[string]interface{}{"k": "v"})),
	}
	cloned := c.Clone()
	cloned[0].Content = "changed"
	cloned[0].Metadata["k"] = "other"

	assert.Equal(t, "q", c[0].Content)
	assert.Equal(t, "v", c[0].Metadata["k"])
}

func TestTranscript(t *testing.T) {
	c := Conversation{
		NewSystemMessage("be nice"),
		NewUserMessage("hi"),
	}
	assert.Equal(t, "system: be nice\nuser: hi\n", c.GetTranscript())
	assert.Equal(t, "be nicehi", c.Text())
}
