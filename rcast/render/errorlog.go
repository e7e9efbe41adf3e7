package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrorLog is the append-only, timestamped log of failed render attempts.
// Appends are serialized in-process by a mutex and across processes by a
// lock file next to the log.
type ErrorLog struct {
	path string
	now  func() time.Time

	mu   sync.Mutex
	lock *flock.Flock
}

// NewErrorLog creates an error log writing to path.
func NewErrorLog(path string) *ErrorLog {
	return &ErrorLog{
		path: path,
		now:  time.Now,
		lock: flock.New(path + ".lock"),
	}
}

// Path returns the log file location.
func (l *ErrorLog) Path() string { return l.path }

// Record is one failed attempt.
type Record struct {
	Key     string
	Attempt int
	Stage   Stage
	Err     error
	Output  string
}

// Append writes rec to the log.
func (l *ErrorLog) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create error log dir: %w", err)
	}
	if err := l.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock error log: %w", err)
	}
	defer l.lock.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open error log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(formatRecord(l.now(), rec)); err != nil {
		return fmt.Errorf("failed to write error log: %w", err)
	}
	return nil
}

func formatRecord(ts time.Time, rec Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] key=%s attempt=%d stage=%s error=%v\n",
		ts.UTC().Format(time.RFC3339), rec.Key, rec.Attempt, rec.Stage, rec.Err)
	if out := strings.TrimSpace(rec.Output); out != "" {
		for _, line := range strings.Split(out, "\n") {
			b.WriteString("    ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
