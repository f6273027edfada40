package integration

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/research41/stata-mcp/internal/endpoint"
)

func newFile(t *testing.T) *File {
	t.Helper()
	return NewFile(filepath.Join(t.TempDir(), ".cursor", "mcp.json"))
}

func TestUpsertCreatesMissingFile(t *testing.T) {
	f := newFile(t)
	changed, err := f.Upsert(endpoint.New("localhost", 4000))
	require.NoError(t, err)
	assert.True(t, changed)

	raw, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:4000/mcp", gjson.GetBytes(raw, "mcpServers.stata-mcp.url").String())
	assert.Equal(t, "sse", gjson.GetBytes(raw, "mcpServers.stata-mcp.transport").String())
}

func TestUpsertPreservesOtherEntries(t *testing.T) {
	f := newFile(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.Path), 0o750))
	other := `{"command": "npx", "args": ["-y", "@acme/server"],   "env": {"K": "v"}}`
	orig := `{
  "mcpServers": {
    "other": ` + other + `,
    "stata-mcp": {"url": "http://localhost:3000/mcp", "transport": "sse"}
  }
}
`
	require.NoError(t, os.WriteFile(f.Path, []byte(orig), 0o600))

	changed, err := f.Upsert(endpoint.New("localhost", 4000))
	require.NoError(t, err)
	assert.True(t, changed)

	raw, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	assert.Equal(t, other, gjson.GetBytes(raw, "mcpServers.other").Raw, "other entry is byte-identical")
	assert.Equal(t, "http://localhost:4000/mcp", gjson.GetBytes(raw, "mcpServers.stata-mcp.url").String())
}

func TestUpsertUnchangedDoesNotRewrite(t *testing.T) {
	f := newFile(t)
	ep := endpoint.New("localhost", 4000)
	_, err := f.Upsert(ep)
	require.NoError(t, err)
	before, err := os.Stat(f.Path)
	require.NoError(t, err)

	changed, err := f.Upsert(ep)
	require.NoError(t, err)
	assert.False(t, changed)
	after, err := os.Stat(f.Path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestUpsertRecreatesCorruptFile(t *testing.T) {
	f := newFile(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.Path), 0o750))
	require.NoError(t, os.WriteFile(f.Path, []byte(`{"mcpServers": {`), 0o600))

	changed, err := f.Upsert(endpoint.New("127.0.0.1", 4100))
	require.NoError(t, err)
	assert.True(t, changed)

	raw, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	require.True(t, gjson.ValidBytes(raw))
	servers := gjson.GetBytes(raw, "mcpServers").Map()
	assert.Len(t, servers, 1)
	assert.Equal(t, "http://127.0.0.1:4100/mcp", servers["stata-mcp"].Get("url").String())
}

func TestLookupRoundTrip(t *testing.T) {
	f := newFile(t)
	_, ok, err := f.Lookup()
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.Publish(endpoint.New("localhost", 4000))
	require.NoError(t, err)
	e, ok, err := f.Lookup()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Entry{URL: "http://localhost:4000/mcp", Transport: "sse"}, e)
}

func TestNoTempFilesLeft(t *testing.T) {
	f := newFile(t)
	_, err := f.Upsert(endpoint.New("localhost", 4000))
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Dir(f.Path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".mcp-"), e.Name())
	}
}

func TestEscapeKey(t *testing.T) {
	assert.Equal(t, `a\.b`, escapeKey("a.b"))
	assert.Equal(t, "stata-mcp", escapeKey("stata-mcp"))
}
