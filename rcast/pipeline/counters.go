package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Counters holds the cumulative request and render counts. Increments are
// lock-free; Flush persists them to a file by atomic replace.
type Counters struct {
	path     string
	requests atomic.Int64
	renders  atomic.Int64
	logger   zerolog.Logger
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Requests int64 `json:"requests"`
	Renders  int64 `json:"renders"`
}

// NewCounters creates counters persisted at path. An empty path keeps them
// in memory only.
func NewCounters(path string, logger zerolog.Logger) *Counters {
	return &Counters{
		path:   path,
		logger: logger.With().Str("component", "counters").Logger(),
	}
}

// Load restores the counts from disk. A missing file starts from zero.
func (c *Counters) Load() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read counters: %w", err)
	}
	snap, err := parseCounters(data)
	if err != nil {
		return err
	}
	c.requests.Store(snap.Requests)
	c.renders.Store(snap.Renders)
	return nil
}

func parseCounters(data []byte) (Snapshot, error) {
	var snap Snapshot
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return snap, fmt.Errorf("malformed counters line %q", line)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return snap, fmt.Errorf("malformed counter %q: %w", name, err)
		}
		switch strings.TrimSpace(name) {
		case "requests":
			snap.Requests = n
		case "renders":
			snap.Renders = n
		}
	}
	return snap, sc.Err()
}

// IncRequests counts one incoming path.
func (c *Counters) IncRequests() { c.requests.Add(1) }

// IncRenders counts one successful render.
func (c *Counters) IncRenders() { c.renders.Add(1) }

// Snapshot returns the current counts.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{Requests: c.requests.Load(), Renders: c.renders.Load()}
}

// Flush writes the counts to disk via a temp file and rename.
func (c *Counters) Flush() error {
	if c.path == "" {
		return nil
	}
	snap := c.Snapshot()
	body := fmt.Sprintf("requests=%d\nrenders=%d\n", snap.Requests, snap.Renders)

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create counters dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(c.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp counters file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write counters: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close counters: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("failed to replace counters: %w", err)
	}
	return nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (c *Counters) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return c.Flush()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return c.Flush()
		case <-ticker.C:
			if err := c.Flush(); err != nil {
				c.logger.Warn().Err(err).Msg("failed to flush counters")
			}
		}
	}
}
