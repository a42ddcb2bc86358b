package conversation

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAML(t *testing.T) {
	c, err := Load(strings.NewReader(`
- role: system
  content: Be brief.
  cacheHint: true
- role: user
  content: Hi
  id: greeting
  priority: 2
`), FormatYAML)
	require.NoError(t, err)
	require.Len(t, c, 2)
	assert.True(t, c[0].CacheHint)
	assert.Equal(t, "greeting", c[1].ID)
	assert.Equal(t, 2.0, c[1].Priority)
}

func TestLoadRejectsInvalidRole(t *testing.T) {
	_, err := Load(strings.NewReader(`[{"role": "narrator", "content": "x"}]`), FormatJSON)
	assert.Error(t, err)
}

func TestLoadEmptyYAML(t *testing.T) {
	c, err := Load(strings.NewReader(""), FormatYAML)
	require.NoError(t, err)
	assert.Empty(t, c)
}

func TestSaveAndLoadFile(t *testing.T) {
	dir := t.TempDir()
	c := Conversation{
		NewUserMessage("Hi", WithID("q")),
		NewAssistantMessage("Hello", WithGenID("a"), WithMetadata(map[string]interface{}{"k": "v"})),
	}

	for _, name := range []string{"c.json", "c.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, c.SaveToFile(path))
		loaded, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, c.GetTranscript(), loaded.GetTranscript())
		assert.Equal(t, "q", loaded[0].ID)
		assert.Equal(t, "a", loaded[1].GenID)
		assert.Equal(t, "v", loaded[1].Metadata["k"])
	}

	_, err := LoadFromFile(filepath.Join(dir, "c.txt"))
	assert.Error(t, err)
}
