package log

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: "info"},
		{in: "debug", want: "debug"},
		{in: "WARNING", want: "warn"},
		{in: "trace", want: "trace"},
		{in: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			err := SetLogLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, GetLogLevel())
		})
	}
	require.NoError(t, SetLogLevel("info"))
}

func TestTokenPrefix(t *testing.T) {
	assert.Equal(t, "***", TokenPrefix(""))
	assert.Equal(t, "***", TokenPrefix("12345678"))
	assert.Equal(t, "abcdefgh...", TokenPrefix("abcdefghijklmnop"))
}

func TestFieldsRedactCredentials(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stderr) })

	LogInfoWithFields("login", "Callback received", map[string]any{
		"code":       "4/0AX4XfWh-secret",
		"Credential": "eyJhbGciOiJSUzI1NiJ9.payload.sig",
		"state":      TokenPrefix("abcdefghijklmnop"),
	})

	line := buf.String()
	assert.Contains(t, line, "component=login")
	assert.Contains(t, line, "state=abcdefgh...")
	assert.Contains(t, line, "code="+redacted)
	assert.NotContains(t, line, "4/0AX4XfWh-secret")
	assert.NotContains(t, line, "eyJhbGciOiJSUzI1NiJ9")
}

func TestTraceLevelGating(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		_ = SetLogLevel("info")
	})

	LogTraceWithFields("idp", "hidden", nil)
	assert.Empty(t, buf.String())

	require.NoError(t, SetLogLevel("trace"))
	buf.Reset()
	LogTraceWithFields("idp", "visible", nil)
	assert.Contains(t, buf.String(), "level=TRACE")
	assert.Contains(t, buf.String(), "visible")
}
