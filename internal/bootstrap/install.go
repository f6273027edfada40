package bootstrap

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/research41/stata-mcp/internal/env"
)

// maxBinarySize bounds extraction of the downloaded tool binary.
const maxBinarySize = 256 << 20

func (b *Bootstrapper) installScripted(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.opts.StepTimeout)
	defer cancel()
	if b.opts.GOOS != "windows" {
		// The installer targets ~/.local/bin; make sure it exists.
		_ = os.MkdirAll(b.opts.UserBinDir, 0o755)
	}
	out, err := b.opts.Runner.Shell(ctx, installScript(b.opts.GOOS))
	if err != nil {
		return fmt.Errorf("%w: %s", err, trimOutput(out))
	}
	b.logger.Debug("uv installer finished", "output", trimOutput(out))
	return nil
}

// installFromRelease downloads the prebuilt archive for this platform, extracts
// the binary into UserBinDir and prepends that directory to PATH.
func (b *Bootstrapper) installFromRelease(ctx context.Context) error {
	asset, err := releaseAsset(b.opts.GOOS, b.opts.GOARCH)
	if err != nil {
		return err
	}
	url := strings.TrimRight(b.opts.ReleaseURL, "/") + "/" + asset

	tmp, err := os.CreateTemp("", "uv-download-*")
	if err != nil {
		return err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	if err := b.download(ctx, url, tmp); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if err := os.MkdirAll(b.opts.UserBinDir, 0o755); err != nil {
		return err
	}
	exe := exeName(b.opts.Tool, b.opts.GOOS)
	dest := filepath.Join(b.opts.UserBinDir, exe)
	if strings.HasSuffix(asset, ".zip") {
		fi, err := tmp.Stat()
		if err != nil {
			return err
		}
		err = extractZip(tmp, fi.Size(), exe, dest)
		if err != nil {
			return err
		}
	} else if err := extractTarGz(tmp, exe, dest); err != nil {
		return err
	}
	b.logger.Info("installed uv from release archive", "path", dest)
	return env.PrependPath(b.opts.UserBinDir)
}

func (b *Bootstrapper) download(ctx context.Context, url string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := b.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: %s", url, resp.Status)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

var errBinaryNotInArchive = errors.New("binary not found in archive")

func extractTarGz(r io.Reader, name, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer func() { _ = gz.Close() }()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %s", errBinaryNotInArchive, name)
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != name {
			continue
		}
		return writeBinary(tr, dest)
	}
}

func extractZip(r io.ReaderAt, size int64, name, dest string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || path.Base(f.Name) != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeBinary(rc, dest)
		_ = rc.Close()
		return err
	}
	return fmt.Errorf("%w: %s", errBinaryNotInArchive, name)
}

func writeBinary(r io.Reader, dest string) error {
	tmp := dest + ".tmp"
	// #nosec G302
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, io.LimitReader(r, maxBinarySize)); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
