package action

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// Capture collects everything an action writes. Standard error is merged into
// the stdout buffer unless a write explicitly goes through UnmergedStderr.
//
// A Capture belongs to exactly one action invocation. Nothing process-wide is
// redirected, so concurrent actions never observe each other's output.
type Capture struct {
	mu     sync.Mutex
	stdout bytes.Buffer
	stderr bytes.Buffer

	onLine     func(line string)
	partial    bytes.Buffer
	pending    []string
	delivering bool
}

// NewCapture returns an empty Capture. If onLine is non-nil it is called with
// every complete line written to the stdout buffer, in write order. It runs
// without the capture lock held and may itself write to the Capture.
func NewCapture(onLine func(line string)) *Capture {
	return &Capture{onLine: onLine}
}

type captureWriter struct {
	c      *Capture
	stderr bool
}

func (w *captureWriter) Write(p []byte) (int, error) {
	c := w.c
	c.mu.Lock()
	if w.stderr {
		defer c.mu.Unlock()
		return c.stderr.Write(p)
	}
	n, err := c.stdout.Write(p)
	if c.onLine != nil {
		c.queueLines(p)
	}
	c.mu.Unlock()

	c.deliver()
	return n, err
}

// Stdout returns a writer appending to the stdout buffer.
func (c *Capture) Stdout() io.Writer {
	return &captureWriter{c: c}
}

// Stderr returns the default error writer, which is merged into stdout.
func (c *Capture) Stderr() io.Writer {
	return &captureWriter{c: c}
}

// UnmergedStderr returns a writer appending to the separate stderr buffer.
func (c *Capture) UnmergedStderr() io.Writer {
	return &captureWriter{c: c, stderr: true}
}

// StdoutString returns the merged output collected so far.
func (c *Capture) StdoutString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout.String()
}

// StderrString returns the unmerged error output collected so far.
func (c *Capture) StderrString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stderr.String()
}

// Flush hands any trailing partial line to the line callback.
func (c *Capture) Flush() {
	c.mu.Lock()
	if c.onLine != nil && c.partial.Len() > 0 {
		c.pending = append(c.pending, c.partial.String())
		c.partial.Reset()
	}
	c.mu.Unlock()
	c.deliver()
}

// queueLines splits p into complete lines and queues them. Must hold c.mu.
func (c *Capture) queueLines(p []byte) {
	c.partial.Write(p)
	for {
		line, err := c.partial.ReadString('\n')
		if err != nil {
			// No complete line yet, put it back
			c.partial.WriteString(line)
			return
		}
		c.pending = append(c.pending, strings.TrimSuffix(line, "\n"))
	}
}

// deliver calls onLine for queued lines outside the lock. One goroutine
// delivers at a time; lines queued meanwhile, including lines the callback
// writes itself, are delivered by it in order.
func (c *Capture) deliver() {
	c.mu.Lock()
	if c.delivering || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.pending) > 0 {
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, line := range batch {
			c.onLine(line)
		}
		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}
