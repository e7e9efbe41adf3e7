package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/replaycast/rcast/ports"
	"github.com/ZanzyTHEbar/replaycast/rcast/sequence"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// EvictionPolicy holds the free-space watermarks and the protected depth.
type EvictionPolicy struct {
	HighBytes      uint64 // evict only when free space drops below this
	LowBytes       uint64 // stop once free space reaches this
	DepthThreshold int    // entries with at most this many tokens are never evicted
}

// Report summarizes one eviction pass.
type Report struct {
	FreeBefore uint64
	FreeAfter  uint64
	Candidates int
	Removed    []string
	Skipped    bool // free space was already above the high watermark
}

// Evictor deletes the oldest deep entries when the disk runs low.
// It never returns an error: eviction is best-effort housekeeping.
type Evictor struct {
	probe  ports.DiskProbe
	policy EvictionPolicy
	logger zerolog.Logger

	// OnRemove is called with each evicted key.
	OnRemove func(key string)

	createdAt func(path string, info os.FileInfo) time.Time
}

// NewEvictor creates an evictor.
func NewEvictor(probe ports.DiskProbe, policy EvictionPolicy, logger zerolog.Logger) *Evictor {
	return &Evictor{
		probe:     probe,
		policy:    policy,
		logger:    logger.With().Str("component", "cache_evictor").Logger(),
		createdAt: birthTime,
	}
}

type candidate struct {
	key     string
	path    string
	created time.Time
}

// Run performs one eviction pass over root.
func (e *Evictor) Run(ctx context.Context, root string) Report {
	var report Report

	free, err := e.probe.FreeBytes(root)
	if err != nil {
		e.logger.Debug().Err(err).Str("root", root).Msg("disk probe failed, skipping eviction")
		return report
	}
	report.FreeBefore, report.FreeAfter = free, free
	if free >= e.policy.HighBytes {
		report.Skipped = true
		return report
	}

	candidates := e.candidates(root)
	report.Candidates = len(candidates)
	e.logger.Info().
		Str("free", humanize.IBytes(free)).
		Str("high_watermark", humanize.IBytes(e.policy.HighBytes)).
		Int("candidates", len(candidates)).
		Msg("disk pressure, evicting entries")

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		if err := os.RemoveAll(c.path); err != nil {
			e.logger.Debug().Err(err).Str("key", c.key).Msg("failed to remove entry")
			continue
		}
		report.Removed = append(report.Removed, c.key)
		if e.OnRemove != nil {
			e.OnRemove(c.key)
		}

		free, err = e.probe.FreeBytes(root)
		if err != nil {
			e.logger.Debug().Err(err).Msg("disk probe failed mid-eviction")
			break
		}
		report.FreeAfter = free
		if free >= e.policy.LowBytes {
			break
		}
	}

	e.logger.Info().
		Int("removed", len(report.Removed)).
		Str("free", humanize.IBytes(report.FreeAfter)).
		Msg("eviction pass finished")
	return report
}

// candidates lists evictable entries, oldest first. Foundational entries,
// the scratch directory and anything unreadable are left out.
func (e *Evictor) candidates(root string) []candidate {
	entries, err := os.ReadDir(root)
	if err != nil {
		e.logger.Debug().Err(err).Str("root", root).Msg("failed to list cache root")
		return nil
	}

	protectedLen := e.policy.DepthThreshold + sequence.PrefixLen
	var out []candidate
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") || len(name) <= protectedLen {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(root, name)
		out = append(out, candidate{key: name, path: path, created: e.createdAt(path, info)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].created.Equal(out[j].created) {
			return out[i].key < out[j].key
		}
		return out[i].created.Before(out[j].created)
	})
	return out
}
