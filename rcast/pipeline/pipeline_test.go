package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/replaycast/rcast/adapters"
	"github.com/ZanzyTHEbar/replaycast/rcast/cache"
	"github.com/ZanzyTHEbar/replaycast/rcast/config"
	"github.com/ZanzyTHEbar/replaycast/rcast/ports"
	"github.com/ZanzyTHEbar/replaycast/rcast/render"
	"github.com/ZanzyTHEbar/replaycast/rcast/sequence"
)

// stubRenderer publishes a preview for every key it is asked to render.
type stubRenderer struct {
	store *cache.Store
	calls atomic.Int32
	err   error
}

func (r *stubRenderer) Render(ctx context.Context, seq sequence.Sequence) (render.Result, error) {
	r.calls.Add(1)
	if r.err != nil {
		return render.Result{Key: seq.Key(), Preview: []byte("terminal")}, r.err
	}
	key := seq.Key()
	img := []byte("preview:" + key)
	if err := r.store.EnsureDir(key); err != nil {
		return render.Result{}, err
	}
	for _, p := range []string{r.store.SnapshotPath(key), r.store.ArchivePath(key), r.store.PreviewPath(key)} {
		if err := os.WriteFile(p, img, 0o644); err != nil {
			return render.Result{}, err
		}
	}
	r.store.MarkComplete(key)
	return render.Result{Key: key, Preview: img, Attempts: 1}, nil
}

func newTestPipeline(t *testing.T, previews ports.PreviewCache) (*Pipeline, *stubRenderer) {
	t.Helper()
	store := cache.NewStore(t.TempDir(), zerolog.Nop())
	r := &stubRenderer{store: store}
	counters := NewCounters(filepath.Join(t.TempDir(), "counters.txt"), zerolog.Nop())
	p := NewPipeline(sequence.NewDecoder(sequence.DefaultMaxPathLen), store, r, previews, 60,
		counters, adapters.NoopTracer{}, zerolog.Nop())
	return p, r
}

func TestHandle_RendersThenServesFromCache(t *testing.T) {
	p, r := newTestPipeline(t, adapters.NewPreviewLRU(8))
	ctx := context.Background()

	first, err := p.Handle(ctx, "/11w.webp")
	require.NoError(t, err)
	assert.Equal(t, SourceRendered, first.Source)
	assert.Equal(t, "11w", first.Key)

	second, err := p.Handle(ctx, "/11W.webp")
	require.NoError(t, err)
	assert.Equal(t, SourceMemory, second.Source)
	assert.Equal(t, first.Preview, second.Preview)

	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, Snapshot{Requests: 2, Renders: 1}, p.Counters().Snapshot())
}

func TestHandle_ServesFromDiskWithoutMemoryCache(t *testing.T) {
	p, r := newTestPipeline(t, adapters.NoopPreviewCache{})
	ctx := context.Background()

	_, err := p.Handle(ctx, "/11w.webp")
	require.NoError(t, err)
	res, err := p.Handle(ctx, "/11w.webp")
	require.NoError(t, err)

	assert.Equal(t, SourceDisk, res.Source)
	assert.Equal(t, []byte("preview:11w"), res.Preview)
	assert.Equal(t, int32(1), r.calls.Load())
}

func TestHandle_EmptySequenceUsesPlaceholder(t *testing.T) {
	p, _ := newTestPipeline(t, adapters.NoopPreviewCache{})

	res, err := p.Handle(context.Background(), "/11.webp")
	require.NoError(t, err)
	assert.Equal(t, "11e", res.Key)
}

func TestHandle_BuildsChainIncrementally(t *testing.T) {
	p, r := newTestPipeline(t, adapters.NoopPreviewCache{})
	ctx := context.Background()

	for _, path := range []string{"/11w.webp", "/11wa.webp", "/11waf.webp"} {
		_, err := p.Handle(ctx, path)
		require.NoError(t, err, path)
	}
	assert.Equal(t, int32(3), r.calls.Load())
}

func TestHandle_ContinuityError(t *testing.T) {
	p, r := newTestPipeline(t, adapters.NoopPreviewCache{})
	ctx := context.Background()
	_, err := p.Handle(ctx, "/11w.webp")
	require.NoError(t, err)

	_, err = p.Handle(ctx, "/11wasd.webp")

	var cerr *cache.ContinuityError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "11was", cerr.Predecessor)
	assert.Equal(t, "11w", cerr.NearestAncestor)
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, int64(1), p.Counters().Snapshot().Renders)
}

func TestHandle_PathTooLong(t *testing.T) {
	p, r := newTestPipeline(t, adapters.NoopPreviewCache{})
	long := "/11" + strings.Repeat("w", 300) + ".webp"

	_, err := p.Handle(context.Background(), long)
	assert.ErrorIs(t, err, sequence.ErrPathTooLong)
	assert.Equal(t, int32(0), r.calls.Load())
	assert.Equal(t, int64(1), p.Counters().Snapshot().Requests)
}

func TestHandle_RenderFailureCarriesTerminalArtifact(t *testing.T) {
	p, r := newTestPipeline(t, adapters.NewPreviewLRU(8))
	r.err = render.ErrRenderFailed

	res, err := p.Handle(context.Background(), "/11w.webp")
	assert.ErrorIs(t, err, render.ErrRenderFailed)
	assert.Equal(t, []byte("terminal"), res.Preview)
	assert.Equal(t, int64(0), p.Counters().Snapshot().Renders)

	_, cached := p.previews.Get(context.Background(), "11w")
	assert.False(t, cached, "failures are not cached")
}

type denyLimiter struct{}

func (denyLimiter) Acquire(context.Context, string) (func(), error) {
	return nil, ports.ErrRateLimited
}

func TestHandle_RateLimited(t *testing.T) {
	p, r := newTestPipeline(t, adapters.NoopPreviewCache{})
	p.SetLimiter(denyLimiter{})

	_, err := p.Handle(context.Background(), "/11w.webp")
	assert.ErrorIs(t, err, ports.ErrRateLimited)
	assert.Equal(t, int32(0), r.calls.Load())
}

func TestHandle_LimiterDoesNotGateCachedEntries(t *testing.T) {
	p, r := newTestPipeline(t, adapters.NoopPreviewCache{})
	_, err := p.Handle(context.Background(), "/11w.webp")
	require.NoError(t, err)

	p.SetLimiter(denyLimiter{})
	res, err := p.Handle(context.Background(), "/11w.webp")
	require.NoError(t, err)
	assert.Equal(t, SourceDisk, res.Source)
	assert.Equal(t, int32(1), r.calls.Load())
}

// stubEngine and stubTranscoder drive the real orchestrator through the factory.
type stubEngine struct{ calls atomic.Int32 }

func (e *stubEngine) Simulate(ctx context.Context, req ports.SimRequest) (ports.SimResult, error) {
	e.calls.Add(1)
	res := ports.SimResult{
		RenderPath:   filepath.Join(req.SaveDir, "render.mp4"),
		SnapshotPath: filepath.Join(req.SaveDir, "snapshot.dsg"),
	}
	// Slow enough for concurrent callers to overlap.
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(res.RenderPath, []byte("clip"), 0o644); err != nil {
		return res, err
	}
	return res, os.WriteFile(res.SnapshotPath, []byte("state"), 0o644)
}

type stubTranscoder struct{}

func (stubTranscoder) ConcatTrim(ctx context.Context, first, second, out string, window time.Duration) (string, error) {
	return "", os.WriteFile(out, []byte("joined"), 0o644)
}

func (stubTranscoder) Preview(ctx context.Context, in, out string) (string, error) {
	return "", os.WriteFile(out, []byte("webp"), 0o644)
}

type plentyProbe struct{}

func (plentyProbe) FreeBytes(string) (uint64, error) { return 1 << 40, nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	assets := filepath.Join(dir, "assets")
	require.NoError(t, os.MkdirAll(assets, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(assets, "error.webp"), []byte("terminal"), 0o644))

	cfg := &config.Config{}
	cfg.App.CacheDir = filepath.Join(dir, "cache")
	cfg.App.CountersFile = filepath.Join(dir, "counters.txt")
	cfg.App.ErrorLog = filepath.Join(dir, "errors.log")
	cfg.Sequence.MaxPathLen = sequence.DefaultMaxPathLen
	cfg.Sequence.TicsPerToken = sequence.DefaultTicsPerToken
	cfg.Engine.TransitionMarker = "LEVEL COMPLETE"
	cfg.Transcoder.TrailingWindow = 30 * time.Second
	cfg.Eviction.HighBytes = 1 << 30
	cfg.Eviction.LowBytes = 2 << 30
	cfg.Eviction.DepthThreshold = 5
	cfg.Server.AssetsDir = assets
	cfg.PreviewCache.Enabled = true
	cfg.PreviewCache.Capacity = 16
	cfg.PreviewCache.TTLSeconds = 60
	return cfg
}

func newTestService(t *testing.T) (*Service, *stubEngine) {
	t.Helper()
	engine := &stubEngine{}
	f := NewFactory(testConfig(t), zerolog.Nop())
	f.Engine = engine
	f.Transcoder = stubTranscoder{}
	f.Probe = plentyProbe{}
	svc, err := f.CreateService()
	require.NoError(t, err)
	return svc, engine
}

func TestFactory_CreateService(t *testing.T) {
	svc, engine := newTestService(t)
	ctx := context.Background()

	res, err := svc.Pipeline.Handle(ctx, "/11w.webp")
	require.NoError(t, err)
	assert.Equal(t, []byte("webp"), res.Preview)
	assert.True(t, svc.Store.Exists("11w"))

	res, err = svc.Pipeline.Handle(ctx, "/11wd.webp")
	require.NoError(t, err)
	assert.Equal(t, SourceRendered, res.Source)
	assert.Equal(t, int32(2), engine.calls.Load())
}

func TestFactory_MissingAssetsDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.AssetsDir = filepath.Join(t.TempDir(), "absent")

	_, err := NewFactory(cfg, zerolog.Nop()).CreateService()
	require.Error(t, err)
}

func TestFactory_EvictorForgetsKeys(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Previews.Set(ctx, "11wwwwwww", []byte("x"), 60))
	svc.Store.MarkComplete("11wwwwwww")

	svc.Evictor.OnRemove("11wwwwwww")

	_, ok := svc.Previews.Get(ctx, "11wwwwwww")
	assert.False(t, ok)
	assert.Equal(t, 0, svc.Store.Indexed())
}

func TestConcurrentSameKeyRequests(t *testing.T) {
	svc, _ := newTestService(t)

	p := pool.NewWithResults[Result]().WithErrors().WithMaxGoroutines(8)
	for i := 0; i < 8; i++ {
		p.Go(func() (Result, error) {
			return svc.Pipeline.Handle(context.Background(), "/12f.webp")
		})
	}
	results, err := p.Wait()
	require.NoError(t, err)

	require.Len(t, results, 8)
	for _, r := range results {
		assert.Equal(t, "12f", r.Key)
		assert.Equal(t, []byte("webp"), r.Preview)
	}
	assert.True(t, svc.Store.Exists("12f"))

	scratch, err := os.ReadDir(svc.Store.ScratchRoot())
	require.NoError(t, err)
	assert.Empty(t, scratch)
}

func TestCounters_PersistAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "counters.txt")
	c := NewCounters(path, zerolog.Nop())
	c.IncRequests()
	c.IncRequests()
	c.IncRenders()
	require.NoError(t, c.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "requests=2\nrenders=1\n", string(data))

	restored := NewCounters(path, zerolog.Nop())
	require.NoError(t, restored.Load())
	assert.Equal(t, Snapshot{Requests: 2, Renders: 1}, restored.Snapshot())
}

func TestCounters_LoadMissingAndMalformed(t *testing.T) {
	dir := t.TempDir()
	c := NewCounters(filepath.Join(dir, "none.txt"), zerolog.Nop())
	require.NoError(t, c.Load())
	assert.Equal(t, Snapshot{}, c.Snapshot())

	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("requests=lots\n"), 0o644))
	assert.Error(t, NewCounters(bad, zerolog.Nop()).Load())
}

func TestCounters_ConcurrentIncrements(t *testing.T) {
	c := NewCounters("", zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncRequests()
			c.IncRenders()
		}()
	}
	wg.Wait()
	assert.Equal(t, Snapshot{Requests: 50, Renders: 50}, c.Snapshot())
	assert.NoError(t, c.Flush(), "in-memory counters flush as a no-op")
}

func TestCounters_RunFlushesOnShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters.txt")
	c := NewCounters(path, zerolog.Nop())
	c.IncRequests()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, time.Hour) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "requests=1\nrenders=0\n", string(data))
}
