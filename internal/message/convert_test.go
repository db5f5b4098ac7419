package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromLegacy(t *testing.T) {
	var raw []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(`[
		{"role": "user", "content": "run it"},
		{"role": "assistant", "content": "`+"```python\\nprint(1)\\n```"+`"},
		{"role": "computer", "content": "1"},
		{"role": "assistant"},
		{"content": "orphan"},
		"not an object"
	]`), &raw))

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := FromLegacy(raw, now)

	require.Len(t, msgs, 3)
	assert.Equal(t, TypeMessage, msgs[0].Type)
	assert.Equal(t, TypeCode, msgs[1].Type)
	assert.Equal(t, TypeConsole, msgs[2].Type)

	for _, m := range msgs {
		assert.NotEmpty(t, m.ID)
		assert.True(t, now.Equal(m.CreatedAt.Time))
	}
}

func TestSplitCode(t *testing.T) {
	parts := SplitCode("Let me check.\n```shell\nls -la\n```\nThen:\n```js\nconsole.log(1)\n```")

	require.Len(t, parts, 4)
	assert.Equal(t, Message{Role: RoleAssistant, Type: TypeMessage, Content: "Let me check."}, parts[0])
	assert.Equal(t, FormatShell, parts[1].Format)
	assert.Equal(t, "ls -la", parts[1].Content)
	assert.Equal(t, "Then:", parts[2].Content)
	assert.Equal(t, FormatJavaScript, parts[3].Format)
	assert.Equal(t, "console.log(1)", parts[3].Content)
}

func TestSplitCodeDefaultsToPython(t *testing.T) {
	parts := SplitCode("```\nprint('hi')\n```")

	require.Len(t, parts, 1)
	assert.Equal(t, FormatPython, parts[0].Format)
	assert.Equal(t, "print('hi')", parts[0].Content)
}

func TestFromOpenAI(t *testing.T) {
	msgs := FromOpenAI([]OpenAIMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "list files"},
		{Role: "assistant", Content: "Sure\n```shell\nls\n```"},
		{Role: "tool", Content: "ignored"},
	})

	require.Len(t, msgs, 4)

	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, RecipientUser, msgs[0].Recipient)

	assert.Equal(t, RoleUser, msgs[1].Role)
	assert.Equal(t, RecipientAssistant, msgs[1].Recipient)

	assert.Equal(t, TypeMessage, msgs[2].Type)
	assert.Equal(t, TypeCode, msgs[3].Type)
	assert.Equal(t, FormatShell, msgs[3].Format)

	for _, m := range msgs {
		assert.NoError(t, m.Validate())
	}
}

func TestToOpenAI(t *testing.T) {
	out := ToOpenAI([]Message{
		{Role: RoleUser, Type: TypeMessage, Content: "hi"},
		{Role: RoleAssistant, Type: TypeMessage, Content: "Running:"},
		{Role: RoleAssistant, Type: TypeCode, Format: FormatShell, Content: "ls"},
		{Role: RoleComputer, Type: TypeConsole, Content: "a.txt"},
		{Role: RoleAssistant, Type: TypeMessage, Content: " done"},
	})

	require.Len(t, out, 2)
	assert.Equal(t, OpenAIMessage{Role: "user", Content: "hi"}, out[0])
	assert.Equal(t, "assistant", out[1].Role)
	assert.Equal(t, "Running:\n```shell\nls\n``` done", out[1].Content)
}
