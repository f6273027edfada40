package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

// maxLine bounds the buffered partial line; longer output is flushed as is.
const maxLine = 64 * 1024

// LineWriter turns a byte stream into one slog record per line and optionally
// tees the raw bytes to a sink (usually a rotating file).
type LineWriter struct {
	mu     sync.Mutex
	logger *slog.Logger
	level  slog.Level
	stream string
	tee    io.WriteCloser
	buf    bytes.Buffer
	closed bool
}

// NewLineWriter logs each line written to it at level with attribute stream=<stream>.
// tee may be nil.
func NewLineWriter(l *slog.Logger, level slog.Level, stream string, tee io.WriteCloser) *LineWriter {
	if l == nil {
		l = slog.Default()
	}
	return &LineWriter{logger: l, level: level, stream: stream, tee: tee}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if w.tee != nil {
		if _, err := w.tee.Write(p); err != nil {
			w.logger.Debug("worker output sink write failed", "stream", w.stream, "error", err)
		}
	}
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := w.buf.Next(i + 1)
		w.emit(line[:i])
	}
	if w.buf.Len() > maxLine {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
	return len(p), nil
}

// Close flushes a trailing partial line and closes the tee.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
	if w.tee != nil {
		return w.tee.Close()
	}
	return nil
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	w.logger.Log(context.Background(), w.level, string(line), "stream", w.stream)
}
