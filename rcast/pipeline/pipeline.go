package pipeline

import (
	"context"
	"errors"

	"github.com/ZanzyTHEbar/replaycast/rcast/adapters"
	"github.com/ZanzyTHEbar/replaycast/rcast/cache"
	"github.com/ZanzyTHEbar/replaycast/rcast/ports"
	"github.com/ZanzyTHEbar/replaycast/rcast/render"
	"github.com/ZanzyTHEbar/replaycast/rcast/sequence"

	"github.com/rs/zerolog"
)

// Renderer produces the artifacts of one key.
type Renderer interface {
	Render(ctx context.Context, seq sequence.Sequence) (render.Result, error)
}

var _ Renderer = (*render.Orchestrator)(nil)

// Source says where a preview came from.
type Source string

const (
	SourceMemory   Source = "memory"
	SourceDisk     Source = "disk"
	SourceRendered Source = "rendered"
)

// Result is the answer to one request path.
type Result struct {
	Key     string
	Preview []byte
	Source  Source
}

// Pipeline turns request paths into previews: decode, look up, render.
type Pipeline struct {
	decoder  *sequence.Decoder
	store    *cache.Store
	resolver *cache.Resolver
	renderer Renderer
	previews ports.PreviewCache
	limiter  ports.RenderLimiter
	ttl      int
	counters *Counters
	tracer   ports.Tracer
	logger   zerolog.Logger
}

// renderBucket is the limiter key shared by every render.
const renderBucket = "render"

// NewPipeline creates a pipeline. previewTTL is in seconds. Renders are
// unlimited until SetLimiter is called.
func NewPipeline(
	decoder *sequence.Decoder,
	store *cache.Store,
	renderer Renderer,
	previews ports.PreviewCache,
	previewTTL int,
	counters *Counters,
	tracer ports.Tracer,
	logger zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		decoder:  decoder,
		store:    store,
		resolver: cache.NewResolver(store),
		renderer: renderer,
		previews: previews,
		limiter:  adapters.NoopLimiter{},
		ttl:      previewTTL,
		counters: counters,
		tracer:   tracer,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// SetLimiter installs the render admission limiter.
func (p *Pipeline) SetLimiter(l ports.RenderLimiter) {
	p.limiter = l
}

// Handle answers one request path. Errors are sequence.ErrPathTooLong,
// *cache.ContinuityError, ports.ErrRateLimited, or render.ErrRenderFailed;
// in the last case the result still carries the terminal error artifact.
func (p *Pipeline) Handle(ctx context.Context, path string) (Result, error) {
	p.counters.IncRequests()

	seq, err := p.decoder.Decode(path)
	if err != nil {
		return Result{}, err
	}
	key := seq.Key()
	ctx, finish := p.tracer.StartSpan(ctx, "handle", map[string]any{"key": key})

	if img, ok := p.previews.Get(ctx, key); ok {
		finish(nil)
		return Result{Key: key, Preview: img, Source: SourceMemory}, nil
	}

	if p.store.Exists(key) {
		img, err := p.store.ReadPreview(key)
		if err == nil {
			p.remember(ctx, key, img)
			finish(nil)
			return Result{Key: key, Preview: img, Source: SourceDisk}, nil
		}
		// Evicted between the check and the read; render again.
		p.logger.Debug().Err(err).Str("key", key).Msg("preview vanished, re-rendering")
	}

	if err := p.resolver.CanRender(key); err != nil {
		p.logger.Warn().Err(err).Str("key", key).Msg("refusing render")
		finish(err)
		return Result{Key: key}, err
	}

	release, err := p.limiter.Acquire(ctx, renderBucket)
	if err != nil {
		p.logger.Debug().Str("key", key).Msg("render not admitted")
		finish(err)
		return Result{Key: key}, err
	}
	res, err := p.renderer.Render(ctx, seq)
	release()
	if err != nil {
		if errors.Is(err, render.ErrRenderFailed) {
			p.logger.Error().Err(err).Str("key", key).Msg("render failed")
		}
		finish(err)
		return Result{Key: key, Preview: res.Preview}, err
	}

	p.counters.IncRenders()
	p.remember(ctx, key, res.Preview)
	finish(nil)
	return Result{Key: key, Preview: res.Preview, Source: SourceRendered}, nil
}

func (p *Pipeline) remember(ctx context.Context, key string, img []byte) {
	if err := p.previews.Set(ctx, key, img, p.ttl); err != nil {
		p.logger.Debug().Err(err).Str("key", key).Msg("failed to cache preview")
	}
}

// Counters returns the request and render counters.
func (p *Pipeline) Counters() *Counters { return p.counters }

// Store returns the entry store.
func (p *Pipeline) Store() *cache.Store { return p.store }
