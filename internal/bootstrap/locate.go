package bootstrap

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/research41/stata-mcp/internal/errdefs"
)

const versionTimeout = 15 * time.Second

// ensureTool finds the package manager, installing it when absent. Each install
// path is tried once.
func (b *Bootstrapper) ensureTool(ctx context.Context) (string, error) {
	if p, ok := b.locateTool(ctx); ok {
		return p, nil
	}

	b.logger.Info("uv not found, running installer", "script", installScript(b.opts.GOOS))
	if err := b.installScripted(ctx); err != nil {
		b.logger.Warn("uv installer failed", "error", err)
	} else if p, ok := b.locateTool(ctx); ok {
		return p, nil
	}

	b.logger.Info("trying direct download of uv", "target", b.opts.UserBinDir)
	if err := b.installFromRelease(ctx); err != nil {
		b.logger.Warn("uv direct download failed", "error", err)
	} else if p, ok := b.locateTool(ctx); ok {
		return p, nil
	}

	return "", errdefs.New(errdefs.CodeToolUnavailable, "uv package manager is not installed and automatic installation failed").
		WithSuggestion(ManualInstructions(b.opts.GOOS))
}

// locateTool checks the cached path, then PATH, then well-known directories.
// The first candidate that reports a version is cached.
func (b *Bootstrapper) locateTool(ctx context.Context) (string, bool) {
	if cached, ok := b.markers.ToolPath(); ok {
		if shapeMatches(cached, b.opts.GOOS) && b.usable(ctx, cached) {
			return cached, true
		}
		b.logger.Debug("discarding cached uv path", "path", cached)
		_ = b.markers.ClearToolPath()
	}

	exe := exeName(b.opts.Tool, b.opts.GOOS)
	var candidates []string
	if p, err := b.opts.LookPath(exe); err == nil {
		candidates = append(candidates, p)
	}
	dirs := append([]string{b.opts.UserBinDir}, b.opts.SearchDirs...)
	for _, d := range dirs {
		candidates = append(candidates, filepath.Join(d, exe))
	}

	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		if seen[c] {
			continue
		}
		seen[c] = true
		if !b.usable(ctx, c) {
			continue
		}
		if err := b.markers.SetToolPath(c); err != nil {
			b.logger.Warn("failed to cache uv path", "path", c, "error", err)
		}
		b.logger.Debug("found uv", "path", c)
		return c, true
	}
	return "", false
}

// usable reports whether p is an executable file that answers --version.
func (b *Bootstrapper) usable(ctx context.Context, p string) bool {
	if !isExecutable(p, b.opts.GOOS) {
		return false
	}
	vctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	out, err := b.opts.Runner.Output(vctx, p, "--version")
	if err != nil {
		b.logger.Debug("uv candidate failed version check", "path", p, "error", err)
		return false
	}
	return strings.TrimSpace(string(out)) != ""
}
