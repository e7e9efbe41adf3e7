package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/replaycast/rcast/adapters"
	"github.com/ZanzyTHEbar/replaycast/rcast/cache"
	"github.com/ZanzyTHEbar/replaycast/rcast/ports"
	"github.com/ZanzyTHEbar/replaycast/rcast/sequence"
)

// stubEngine writes a clip and a snapshot into the save dir.
type stubEngine struct {
	mu       sync.Mutex
	requests []ports.SimRequest
	replays  [][]byte
	failFor  int32 // number of leading calls that fail
	calls    atomic.Int32
	stdout   string
	status   error
}

func (e *stubEngine) Simulate(ctx context.Context, req ports.SimRequest) (ports.SimResult, error) {
	n := e.calls.Add(1)
	replay, _ := os.ReadFile(req.ReplayPath)

	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.replays = append(e.replays, replay)
	e.mu.Unlock()

	res := ports.SimResult{
		RenderPath:   filepath.Join(req.SaveDir, "render.mp4"),
		SnapshotPath: filepath.Join(req.SaveDir, "snapshot.dsg"),
		Stdout:       e.stdout,
		StatusErr:    e.status,
	}
	if n <= e.failFor {
		return res, errors.New("engine crashed")
	}
	if err := os.WriteFile(res.RenderPath, []byte("clip"+string(rune('0'+n))), 0o644); err != nil {
		return res, err
	}
	if err := os.WriteFile(res.SnapshotPath, []byte("state"), 0o644); err != nil {
		return res, err
	}
	return res, nil
}

func (e *stubEngine) lastRequest() ports.SimRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[len(e.requests)-1]
}

// stubTranscoder concatenates file contents and prefixes previews.
type stubTranscoder struct {
	concatCalls atomic.Int32
	previewErr  error
}

func (t *stubTranscoder) ConcatTrim(ctx context.Context, first, second, out string, window time.Duration) (string, error) {
	t.concatCalls.Add(1)
	a, err := os.ReadFile(first)
	if err != nil {
		return "missing first", err
	}
	b, err := os.ReadFile(second)
	if err != nil {
		return "missing second", err
	}
	return "", os.WriteFile(out, append(append(a, '+'), b...), 0o644)
}

func (t *stubTranscoder) Preview(ctx context.Context, in, out string) (string, error) {
	if t.previewErr != nil {
		return "encoder exploded", t.previewErr
	}
	data, err := os.ReadFile(in)
	if err != nil {
		return "", err
	}
	return "", os.WriteFile(out, append([]byte("webp:"), data...), 0o644)
}

// MockAssets is a testify mock for ports.Assets.
type MockAssets struct {
	mock.Mock
}

func (m *MockAssets) Get(name ports.AssetName) ([]byte, bool) {
	args := m.Called(name)
	return args.Get(0).([]byte), args.Bool(1)
}

func (m *MockAssets) Transition(episode, mapNum int) ([]byte, bool) {
	args := m.Called(episode, mapNum)
	return args.Get(0).([]byte), args.Bool(1)
}

type countingProbe struct {
	calls atomic.Int32
}

func (p *countingProbe) FreeBytes(string) (uint64, error) {
	p.calls.Add(1)
	return 1 << 40, nil
}

type fixture struct {
	root       string
	store      *cache.Store
	engine     *stubEngine
	transcoder *stubTranscoder
	assets     *MockAssets
	errlog     *ErrorLog
	probe      *countingProbe
	orch       *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		root:       root,
		store:      cache.NewStore(root, zerolog.Nop()),
		engine:     &stubEngine{},
		transcoder: &stubTranscoder{},
		assets:     &MockAssets{},
		errlog:     NewErrorLog(filepath.Join(t.TempDir(), "errors.log")),
		probe:      &countingProbe{},
	}
	evictor := cache.NewEvictor(f.probe, cache.EvictionPolicy{HighBytes: 1, LowBytes: 2, DepthThreshold: 5}, zerolog.Nop())
	policy := DefaultPolicy()
	policy.RetryDelay = time.Millisecond
	f.orch = NewOrchestrator(f.store, sequence.NewEncoder(sequence.DefaultTicsPerToken),
		f.engine, f.transcoder, f.assets, evictor, f.errlog, adapters.NoopTracer{}, zerolog.Nop(), policy)
	return f
}

func (f *fixture) scratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.store.ScratchRoot())
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch workspaces must be removed")
}

func mustKey(t *testing.T, key string) sequence.Sequence {
	t.Helper()
	seq, err := sequence.ParseKey(key)
	require.NoError(t, err)
	return seq
}

func TestRender_FreshStart(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Render(context.Background(), mustKey(t, "11w"))
	require.NoError(t, err)

	assert.Equal(t, "11w", res.Key)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []byte("webp:clip1"), res.Preview)
	assert.False(t, res.RaceLost)

	assert.Empty(t, f.engine.lastRequest().ResumeFrom)
	assert.Equal(t, int32(0), f.transcoder.concatCalls.Load())
	assert.True(t, f.store.Exists("11w"))
	assert.True(t, f.store.HasSnapshot("11w"))
	assert.FileExists(t, f.store.ArchivePath("11w"))
	assert.Equal(t, 1, f.store.Indexed())
	assert.GreaterOrEqual(t, f.probe.calls.Load(), int32(1), "evictor runs on cleanup")
	f.scratchEmpty(t)
}

func TestRender_ResumesFromPredecessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Render(ctx, mustKey(t, "11w"))
	require.NoError(t, err)

	res, err := f.orch.Render(ctx, mustKey(t, "11wa"))
	require.NoError(t, err)

	req := f.engine.lastRequest()
	assert.Equal(t, f.store.SnapshotPath("11w"), req.ResumeFrom)

	f.engine.mu.Lock()
	replay := f.engine.replays[len(f.engine.replays)-1]
	f.engine.mu.Unlock()
	assert.Equal(t, sequence.NewEncoder(sequence.DefaultTicsPerToken).Encode("a", 1, 1), replay,
		"only the delta token is replayed")

	archive, err := os.ReadFile(f.store.ArchivePath("11wa"))
	require.NoError(t, err)
	assert.Equal(t, "clip1+clip2", string(archive))
	assert.Equal(t, []byte("webp:clip1+clip2"), res.Preview)
	f.scratchEmpty(t)
}

func TestRender_ContinuityBroken(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Render(context.Background(), mustKey(t, "11ww"))

	var cerr *cache.ContinuityError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "11w", cerr.Predecessor)
	assert.False(t, errors.Is(err, ErrRenderFailed))
	assert.Equal(t, int32(0), f.engine.calls.Load(), "engine never runs without a snapshot")
	assert.NoFileExists(t, f.errlog.Path())
	assert.NoDirExists(t, f.store.EntryPath("11ww"))
	f.scratchEmpty(t)
}

func TestRender_RetriesOnce(t *testing.T) {
	f := newFixture(t)
	f.engine.failFor = 1

	res, err := f.orch.Render(context.Background(), mustKey(t, "11f"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.True(t, f.store.Exists("11f"))

	data, err := os.ReadFile(f.errlog.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "key=11f"))
	assert.Contains(t, string(data), "stage=simulating")
	f.scratchEmpty(t)
}

func TestRender_TerminalFailure(t *testing.T) {
	f := newFixture(t)
	f.transcoder.previewErr = errors.New("no encoder")
	f.assets.On("Get", ports.AssetTerminalError).Return([]byte("terminal"), true).Once()

	res, err := f.orch.Render(context.Background(), mustKey(t, "11s"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRenderFailed)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []byte("terminal"), res.Preview)
	assert.False(t, f.store.Exists("11s"))
	f.assets.AssertExpectations(t)

	data, readErr := os.ReadFile(f.errlog.Path())
	require.NoError(t, readErr)
	log := string(data)
	assert.Equal(t, 2, strings.Count(log, "key=11s"))
	assert.Contains(t, log, "attempt=1")
	assert.Contains(t, log, "attempt=2")
	assert.Contains(t, log, "stage=transcoding")
	assert.Contains(t, log, "    encoder exploded")
	f.scratchEmpty(t)
}

func TestRender_TransitionOverridesPreview(t *testing.T) {
	f := newFixture(t)
	f.engine.stdout = "E1M1: LEVEL COMPLETE\n"
	f.assets.On("Transition", 1, 1).Return([]byte("exit-card"), true)

	res, err := f.orch.Render(context.Background(), mustKey(t, "11w"))
	require.NoError(t, err)

	assert.True(t, res.Transition)
	assert.Equal(t, []byte("exit-card"), res.Preview)
	published, err := f.store.ReadPreview("11w")
	require.NoError(t, err)
	assert.Equal(t, []byte("exit-card"), published)
}

func TestRender_TransitionWithoutAssetKeepsPreview(t *testing.T) {
	f := newFixture(t)
	f.engine.stdout = "LEVEL COMPLETE"
	f.assets.On("Transition", 1, 1).Return([]byte(nil), false)

	res, err := f.orch.Render(context.Background(), mustKey(t, "11w"))
	require.NoError(t, err)
	assert.False(t, res.Transition)
	assert.Equal(t, []byte("webp:clip1"), res.Preview)
}

func TestRender_IgnoresEngineStatusWhenOutputsExist(t *testing.T) {
	f := newFixture(t)
	f.engine.status = errors.New("exit status 1")

	res, err := f.orch.Render(context.Background(), mustKey(t, "11e"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
}

func TestRender_LosesRaceQuietly(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.EnsureDir("11w"))
	require.NoError(t, os.WriteFile(f.store.PreviewPath("11w"), []byte("winner"), 0o644))

	res, err := f.orch.Render(context.Background(), mustKey(t, "11w"))
	require.NoError(t, err)

	assert.True(t, res.RaceLost)
	published, err := f.store.ReadPreview("11w")
	require.NoError(t, err)
	assert.Equal(t, []byte("winner"), published, "a published preview is never replaced")
	f.scratchEmpty(t)
}

func TestRender_ConcurrentSameKey(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	results := make([]Result, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.orch.Render(context.Background(), mustKey(t, "11d"))
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.NotEmpty(t, results[i].Preview)
	}
	assert.True(t, f.store.Exists("11d"))
	assert.True(t, f.store.HasSnapshot("11d"))
	f.scratchEmpty(t)
}

func TestPublishExclusive(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("one"), 0o644))

	lost, err := publishExclusive(src, dst)
	require.NoError(t, err)
	assert.False(t, lost)

	require.NoError(t, os.WriteFile(src+"2", []byte("two"), 0o644))
	lost, err = publishExclusive(src+"2", dst)
	require.NoError(t, err)
	assert.True(t, lost)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

func TestNewWorkspace_RegeneratesOnCollision(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "taken"), 0o755))

	ids := []string{"taken", "free"}
	next := func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	ws, err := newWorkspace(root, next)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "free"), ws.dir)
	assert.DirExists(t, ws.dir)
	require.NoError(t, ws.remove())
	assert.NoDirExists(t, ws.dir)
}

func TestNewWorkspace_GivesUp(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "same"), 0o755))

	_, err := newWorkspace(root, func() string { return "same" })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unique workspace")
}

func TestErrorLog_Format(t *testing.T) {
	log := NewErrorLog(filepath.Join(t.TempDir(), "nested", "errors.log"))
	log.now = func() time.Time { return time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC) }

	require.NoError(t, log.Append(Record{Key: "11w", Attempt: 1, Stage: StageSimulating, Err: errors.New("boom"), Output: "line one\nline two\n"}))
	require.NoError(t, log.Append(Record{Key: "11w", Attempt: 2, Stage: StagePromoting, Err: errors.New("again")}))

	data, err := os.ReadFile(log.Path())
	require.NoError(t, err)
	assert.Equal(t,
		"[2026-10-14T09:30:00Z] key=11w attempt=1 stage=simulating error=boom\n"+
			"    line one\n"+
			"    line two\n"+
			"[2026-10-14T09:30:00Z] key=11w attempt=2 stage=promoting error=again\n",
		string(data))
}

func TestStage_String(t *testing.T) {
	assert.Equal(t, "init", StageInit.String())
	assert.Equal(t, "concatenating", StageConcatenating.String())
	assert.Equal(t, "failed", StageFailed.String())
	assert.Equal(t, "stage(42)", Stage(42).String())
}

func TestStageError_Unwrap(t *testing.T) {
	base := errors.New("disk full")
	err := stageErr(StagePromoting, "out", base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "promoting failed: disk full", err.Error())
}
