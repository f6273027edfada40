package integration

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/research41/stata-mcp/internal/endpoint"
)

const (
	DefaultServerName = "stata-mcp"
	DefaultTransport  = "sse"
	MCPPath           = "/mcp"
)

// DefaultPath is the editor's MCP configuration file, ~/.cursor/mcp.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".cursor", "mcp.json")
	}
	return filepath.Join(home, ".cursor", "mcp.json")
}

// File is an MCP configuration file holding an "mcpServers" object. Only the
// entry named Name is ever written; every other entry is preserved.
type File struct {
	Path      string
	Name      string
	Transport string
	Logger    *slog.Logger

	mu sync.Mutex
}

func NewFile(path string) *File {
	if path == "" {
		path = DefaultPath()
	}
	return &File{Path: path, Name: DefaultServerName, Transport: DefaultTransport}
}

func (f *File) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// Entry is the server entry written for ep.
type Entry struct {
	URL       string `json:"url"`
	Transport string `json:"transport"`
}

func (f *File) entryFor(ep endpoint.Endpoint) Entry {
	t := f.Transport
	if t == "" {
		t = DefaultTransport
	}
	return Entry{URL: ep.URL(MCPPath), Transport: t}
}

func (f *File) key() string {
	name := f.Name
	if name == "" {
		name = DefaultServerName
	}
	return "mcpServers." + escapeKey(name)
}

// Upsert points the server entry at ep. The file is not rewritten when the
// entry already matches; a missing or unparsable file is replaced by one that
// holds only this entry. changed reports whether anything was written.
func (f *File) Upsert(ep endpoint.Endpoint) (changed bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	want := f.entryFor(ep)
	raw, err := os.ReadFile(f.Path)
	switch {
	case os.IsNotExist(err):
		raw = nil
	case err != nil:
		return false, fmt.Errorf("read %s: %w", f.Path, err)
	}

	if len(bytes.TrimSpace(raw)) == 0 || !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		if len(raw) > 0 {
			f.logger().Warn("integration file is not valid JSON, recreating", "path", f.Path)
		}
		raw = []byte(`{}`)
	} else {
		cur := gjson.GetBytes(raw, f.key())
		if cur.Get("url").String() == want.URL && cur.Get("transport").String() == want.Transport {
			return false, nil
		}
	}

	out, err := sjson.SetBytes(raw, f.key()+".url", want.URL)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", f.Path, err)
	}
	out, err = sjson.SetBytes(out, f.key()+".transport", want.Transport)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", f.Path, err)
	}
	if bytes.Equal(raw, []byte(`{}`)) {
		out = pretty.Pretty(out)
	}
	if err := writeAtomic(f.Path, out); err != nil {
		return false, err
	}
	return true, nil
}

// Lookup returns the current entry, if present.
func (f *File) Lookup() (Entry, bool, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	r := gjson.GetBytes(raw, f.key())
	if !r.Exists() {
		return Entry{}, false, nil
	}
	return Entry{URL: r.Get("url").String(), Transport: r.Get("transport").String()}, true, nil
}

// Publish is Upsert with logging, for use after the service becomes ready.
func (f *File) Publish(ep endpoint.Endpoint) (bool, error) {
	changed, err := f.Upsert(ep)
	if err != nil {
		f.logger().Warn("failed to update MCP integration file", "path", f.Path, "error", err)
		return false, err
	}
	if changed {
		f.logger().Info("updated MCP integration file", "path", f.Path, "url", f.entryFor(ep).URL)
	}
	return changed, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".mcp-*.json")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// escapeKey escapes gjson/sjson path metacharacters in a single key.
func escapeKey(k string) string {
	var b bytes.Buffer
	for _, r := range k {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
