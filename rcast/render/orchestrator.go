package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/replaycast/rcast/cache"
	"github.com/ZanzyTHEbar/replaycast/rcast/ports"
	"github.com/ZanzyTHEbar/replaycast/rcast/sequence"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
)

// MaxAttempts is the number of tries per render: the first plus one retry.
const MaxAttempts = 2

// ReplayFile is the encoded input written into each workspace.
const ReplayFile = "replay.lmp"

// Policy controls orchestration behavior.
type Policy struct {
	TrailingWindow   time.Duration // length of the concatenated archival tail
	TransitionMarker string        // engine stdout text signalling a level exit
	RetryDelay       time.Duration // pause between attempts
}

// DefaultPolicy returns the service defaults.
func DefaultPolicy() Policy {
	return Policy{
		TrailingWindow:   30 * time.Second,
		TransitionMarker: "LEVEL COMPLETE",
		RetryDelay:       250 * time.Millisecond,
	}
}

// Result is the outcome of a render.
type Result struct {
	Key        string
	Preview    []byte
	Attempts   int
	Transition bool // preview was replaced by the level transition image
	RaceLost   bool // another writer published the preview first
}

// Orchestrator runs the render state machine for one key at a time per
// call. Calls for the same key may run concurrently; the exclusive preview
// publish decides the winner.
type Orchestrator struct {
	store      *cache.Store
	resolver   *cache.Resolver
	encoder    *sequence.Encoder
	engine     ports.Engine
	transcoder ports.Transcoder
	assets     ports.Assets
	evictor    *cache.Evictor
	errlog     *ErrorLog
	tracer     ports.Tracer
	logger     zerolog.Logger
	policy     Policy

	newID func() string
}

// NewOrchestrator creates an orchestrator. evictor and errlog may be nil.
func NewOrchestrator(
	store *cache.Store,
	encoder *sequence.Encoder,
	engine ports.Engine,
	transcoder ports.Transcoder,
	assets ports.Assets,
	evictor *cache.Evictor,
	errlog *ErrorLog,
	tracer ports.Tracer,
	logger zerolog.Logger,
	policy Policy,
) *Orchestrator {
	return &Orchestrator{
		store:      store,
		resolver:   cache.NewResolver(store),
		encoder:    encoder,
		engine:     engine,
		transcoder: transcoder,
		assets:     assets,
		evictor:    evictor,
		errlog:     errlog,
		tracer:     tracer,
		logger:     logger.With().Str("component", "render").Logger(),
		policy:     policy,
		newID:      uuid.NewString,
	}
}

// Render produces key's artifacts and returns its preview. A precondition
// failure returns a *cache.ContinuityError untouched. When every attempt
// fails the result holds the terminal error artifact and the error wraps
// ErrRenderFailed.
func (o *Orchestrator) Render(ctx context.Context, seq sequence.Sequence) (Result, error) {
	key := seq.Key()
	// Started renders always finish.
	ctx = context.WithoutCancel(ctx)
	ctx, finish := o.tracer.StartSpan(ctx, "render", map[string]any{"key": key})

	var (
		res      Result
		attempts int
		failures error
	)
	backoff := retry.WithMaxRetries(MaxAttempts-1, retry.NewConstant(o.retryDelay()))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		r, err := o.attempt(ctx, seq, attempts)
		if err == nil {
			res = r
			return nil
		}
		var cerr *cache.ContinuityError
		if errors.As(err, &cerr) {
			return err
		}
		failures = multierr.Append(failures, err)
		o.record(key, attempts, err)
		return retry.RetryableError(err)
	})
	res.Key = key
	res.Attempts = attempts

	if err == nil {
		finish(nil)
		return res, nil
	}

	var cerr *cache.ContinuityError
	if errors.As(err, &cerr) {
		finish(err)
		return res, err
	}

	if img, ok := o.assets.Get(ports.AssetTerminalError); ok {
		res.Preview = img
	}
	err = fmt.Errorf("%w for %s after %d attempts: %w", ErrRenderFailed, key, attempts, failures)
	finish(err)
	return res, err
}

func (o *Orchestrator) retryDelay() time.Duration {
	if o.policy.RetryDelay <= 0 {
		return time.Millisecond
	}
	return o.policy.RetryDelay
}

func (o *Orchestrator) attempt(ctx context.Context, seq sequence.Sequence, n int) (Result, error) {
	key := seq.Key()
	ctx, finish := o.tracer.StartSpan(ctx, "render_attempt", map[string]any{"key": key, "attempt": n})

	if err := o.resolver.CanRender(key); err != nil {
		finish(err)
		return Result{}, err
	}

	ws, err := newWorkspace(o.store.ScratchRoot(), o.newID)
	if err != nil {
		err = stageErr(StageInit, "", err)
		finish(err)
		return Result{}, err
	}
	defer o.cleanup(ctx, ws)

	res, err := o.run(ctx, ws, seq)
	finish(err)
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, ws *workspace, seq sequence.Sequence) (Result, error) {
	key := seq.Key()
	pred := o.resolver.PredecessorKey(key)
	res := Result{Key: key}

	// Forging
	replay := ws.path(ReplayFile)
	lump := o.encoder.Encode(o.resolver.Delta(key), seq.Episode, seq.Map)
	if err := os.WriteFile(replay, lump, 0o644); err != nil {
		return res, stageErr(StageForging, "", fmt.Errorf("failed to write replay: %w", err))
	}

	// Simulating
	req := ports.SimRequest{ReplayPath: replay, SaveDir: ws.dir}
	if pred != "" {
		req.ResumeFrom = o.store.SnapshotPath(pred)
	}
	sim, err := o.engine.Simulate(ctx, req)
	if err != nil {
		return res, stageErr(StageSimulating, outputOf(err, sim.Stdout), err)
	}
	if sim.StatusErr != nil {
		o.logger.Debug().Err(sim.StatusErr).Str("key", key).Msg("engine reported failure but produced outputs")
	}
	transition := o.policy.TransitionMarker != "" && strings.Contains(sim.Stdout, o.policy.TransitionMarker)

	// Concatenating
	archive := ws.path(cache.ArchiveFile)
	if pred != "" {
		out, err := o.transcoder.ConcatTrim(ctx, o.store.ArchivePath(pred), sim.RenderPath, archive, o.policy.TrailingWindow)
		if err != nil {
			return res, stageErr(StageConcatenating, out, err)
		}
	} else if err := os.Rename(sim.RenderPath, archive); err != nil {
		return res, stageErr(StageConcatenating, "", fmt.Errorf("failed to stage archive: %w", err))
	}

	// Transcoding
	preview := ws.path(cache.PreviewFile)
	if out, err := o.transcoder.Preview(ctx, archive, preview); err != nil {
		return res, stageErr(StageTranscoding, out, err)
	}
	if transition {
		if img, ok := o.assets.Transition(seq.Episode, seq.Map); ok {
			if err := os.WriteFile(preview, img, 0o644); err != nil {
				return res, stageErr(StageTranscoding, "", fmt.Errorf("failed to write transition preview: %w", err))
			}
			res.Transition = true
		}
	}
	img, err := os.ReadFile(preview)
	if err != nil {
		return res, stageErr(StageTranscoding, "", fmt.Errorf("failed to read preview: %w", err))
	}
	res.Preview = img

	// Promoting. The preview link is the commit point, so a visible
	// preview always has its archive and snapshot beside it.
	if err := o.store.EnsureDir(key); err != nil {
		return res, stageErr(StagePromoting, "", err)
	}
	if o.store.Exists(key) {
		res.RaceLost = true
		o.logger.Debug().Str("key", key).Msg("entry already published, discarding outputs")
		return res, nil
	}
	if err := os.Rename(archive, o.store.ArchivePath(key)); err != nil {
		return res, stageErr(StagePromoting, "", fmt.Errorf("failed to promote archive: %w", err))
	}
	if err := os.Rename(sim.SnapshotPath, o.store.SnapshotPath(key)); err != nil {
		return res, stageErr(StagePromoting, "", fmt.Errorf("failed to promote snapshot: %w", err))
	}
	lost, err := publishExclusive(preview, o.store.PreviewPath(key))
	if err != nil {
		return res, stageErr(StagePromoting, "", err)
	}
	res.RaceLost = lost
	o.store.MarkComplete(key)
	return res, nil
}

// publishExclusive hard-links src to dst, never replacing an existing dst.
// It reports true when dst already existed.
func publishExclusive(src, dst string) (bool, error) {
	err := os.Link(src, dst)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, os.ErrExist) {
		return true, nil
	}
	// Filesystems without hard links fall back to an exclusive create.
	data, rerr := os.ReadFile(src)
	if rerr != nil {
		return false, fmt.Errorf("failed to publish preview: %w", err)
	}
	f, cerr := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(cerr, os.ErrExist) {
		return true, nil
	}
	if cerr != nil {
		return false, fmt.Errorf("failed to publish preview: %w", cerr)
	}
	_, werr := f.Write(data)
	return false, multierr.Combine(werr, f.Close())
}

func (o *Orchestrator) cleanup(ctx context.Context, ws *workspace) {
	if err := ws.remove(); err != nil {
		o.logger.Warn().Err(err).Str("workspace", ws.dir).Msg("failed to remove workspace")
	}
	if o.evictor != nil {
		o.evictor.Run(ctx, o.store.Root())
	}
}

func (o *Orchestrator) record(key string, attempt int, err error) {
	rec := Record{Key: key, Attempt: attempt, Stage: StageFailed, Err: err}
	var serr *StageError
	if errors.As(err, &serr) {
		rec.Stage = serr.Stage
		rec.Output = serr.Output
	}
	o.logger.Warn().Err(err).Str("key", key).Int("attempt", attempt).Str("stage", rec.Stage.String()).Msg("render attempt failed")
	if o.errlog == nil {
		return
	}
	if lerr := o.errlog.Append(rec); lerr != nil {
		o.logger.Error().Err(lerr).Msg("failed to write error log")
	}
}

type outputError interface {
	Output() string
}

func outputOf(err error, stdout string) string {
	var oe outputError
	if errors.As(err, &oe) {
		return oe.Output()
	}
	return stdout
}
