package util

import (
	"bytes"
	"strings"
	"sync"
)

// PrefixLogWriter turns line-oriented process output into log records.
// Partial lines are buffered until the newline arrives.
type PrefixLogWriter struct {
	prefix string
	mu     sync.Mutex
	buf    bytes.Buffer
}

// NewPrefixLogWriter returns a writer that logs each line with the given prefix
func NewPrefixLogWriter(prefix string) *PrefixLogWriter {
	return &PrefixLogWriter{prefix: prefix}
}

func (w *PrefixLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		GetLogger().Debug(w.prefix + " " + line)
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *PrefixLogWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		GetLogger().Debug(w.prefix + " " + w.buf.String())
		w.buf.Reset()
	}
}
