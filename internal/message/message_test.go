package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"user text", Message{Role: RoleUser, Type: TypeMessage}, true},
		{"user file path", Message{Role: RoleUser, Type: TypeFile, Format: FormatPath}, true},
		{"user image png", Message{Role: RoleUser, Type: TypeImage, Format: FormatPNG}, true},
		{"assistant python", Message{Role: RoleAssistant, Type: TypeCode, Format: FormatPython}, true},
		{"assistant shell", Message{Role: RoleAssistant, Type: TypeCode, Format: FormatShell}, true},
		{"computer console", Message{Role: RoleComputer, Type: TypeConsole, Format: FormatOutput}, true},
		{"computer active line", Message{Role: RoleComputer, Type: TypeConsole, Format: FormatActiveLine}, true},
		{"computer confirmation", Message{Role: RoleComputer, Type: TypeConfirmation, Format: FormatExecution}, true},
		{"unknown role", Message{Role: "system", Type: TypeMessage}, false},
		{"unknown type", Message{Role: RoleUser, Type: "video"}, false},
		{"console from user", Message{Role: RoleUser, Type: TypeConsole}, false},
		{"code from computer", Message{Role: RoleComputer, Type: TypeCode, Format: FormatPython}, false},
		{"code with path format", Message{Role: RoleAssistant, Type: TypeCode, Format: FormatPath}, false},
		{"message with format", Message{Role: RoleUser, Type: TypeMessage, Format: FormatOutput}, false},
		{"unknown format", Message{Role: RoleAssistant, Type: TypeCode, Format: "ruby"}, false},
		{"bad recipient", Message{Role: RoleUser, Type: TypeMessage, Recipient: "computer"}, false},
		{"error type", Message{Role: RoleAssistant, Type: TypeError}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidateSequence(t *testing.T) {
	code := Message{Role: RoleAssistant, Type: TypeCode, Format: FormatPython, Content: "print(1)"}
	console := Message{Role: RoleComputer, Type: TypeConsole, Format: FormatOutput, Content: "1"}
	confirm := Message{Role: RoleComputer, Type: TypeConfirmation, Format: FormatExecution}
	reply := Message{Role: RoleAssistant, Type: TypeMessage, Content: "done"}

	assert.NoError(t, ValidateSequence(nil))
	assert.NoError(t, ValidateSequence([]Message{code, console, reply}))
	assert.NoError(t, ValidateSequence([]Message{code, confirm, console}))
	assert.NoError(t, ValidateSequence([]Message{reply, code}), "trailing code has no successor yet")
	assert.Error(t, ValidateSequence([]Message{code, reply}))
}

func TestDecode(t *testing.T) {
	msg, err := Decode(json.RawMessage(`{"role":"user","type":"message","content":"Hello, world!","start":true}`))
	require.NoError(t, err)

	assert.Equal(t, RoleUser, msg.Role)
	assert.Equal(t, "Hello, world!", msg.Content)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestDecodeStructuredContent(t *testing.T) {
	msg, err := Decode(json.RawMessage(`{"role":"user","type":"file","format":"path","content":{"path": "/tmp/a.txt"}}`))
	require.NoError(t, err)

	assert.Equal(t, `{"path":"/tmp/a.txt"}`, msg.Content)
}

func TestDecodeRejects(t *testing.T) {
	tests := map[string]string{
		"missing content": `{"role":"user","type":"message"}`,
		"missing role":    `{"type":"message","content":"x"}`,
		"bad json":        `{"role":`,
		"bad grammar":     `{"role":"user","type":"console","content":"x"}`,
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(json.RawMessage(raw))
			assert.Error(t, err)
		})
	}
}

func TestChunkJSONOmitsFalseFraming(t *testing.T) {
	c := NewChunk(RoleAssistant, TypeMessage, "hi")

	data, err := json.Marshal(c)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))

	assert.NotContains(t, fields, "start")
	assert.NotContains(t, fields, "end")
	assert.NotContains(t, fields, "format")
	assert.Equal(t, "hi", fields["content"])

	c.Start = true
	data, err = json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"start":true`)
}

func TestChunkRoundTrip(t *testing.T) {
	in := NewChunk(RoleAssistant, TypeCode, "print(1)")
	in.Format = FormatPython
	in.End = true

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Chunk
	require.NoError(t, json.Unmarshal(data, &out))

	assert.True(t, out.End)
	assert.False(t, out.Start)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, FormatPython, out.Format)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt.Time))
}

func TestTimestampLayouts(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Time
	}{
		{`"2024-05-01T10:00:00Z"`, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{`"2024-05-01T10:00:00.500000"`, time.Date(2024, 5, 1, 10, 0, 0, 500000000, time.Local)},
		{`1714557600`, time.Unix(1714557600, 0)},
		{`1714557600.25`, time.Unix(1714557600, 250000000)},
	}

	for _, tt := range tests {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(tt.raw), &ts), tt.raw)
		assert.True(t, tt.want.Equal(ts.Time), "%s: got %v", tt.raw, ts.Time)
	}

	var ts Timestamp
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}
