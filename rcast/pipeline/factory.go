package pipeline

import (
	"context"
	"fmt"

	"github.com/ZanzyTHEbar/replaycast/rcast/adapters"
	"github.com/ZanzyTHEbar/replaycast/rcast/cache"
	"github.com/ZanzyTHEbar/replaycast/rcast/config"
	"github.com/ZanzyTHEbar/replaycast/rcast/ports"
	"github.com/ZanzyTHEbar/replaycast/rcast/render"
	"github.com/ZanzyTHEbar/replaycast/rcast/sequence"

	"github.com/rs/zerolog"
)

// Service bundles the wired components of a running instance.
type Service struct {
	Config       *config.Config
	Store        *cache.Store
	Evictor      *cache.Evictor
	Orchestrator *render.Orchestrator
	Pipeline     *Pipeline
	Counters     *Counters
	Assets       *adapters.DirAssets
	Previews     ports.PreviewCache
	ErrorLog     *render.ErrorLog
}

// Factory creates and wires service components from configuration.
type Factory struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Optional overrides, mainly for tests.
	Engine     ports.Engine
	Transcoder ports.Transcoder
	Probe      ports.DiskProbe
}

// NewFactory creates a new service factory.
func NewFactory(cfg *config.Config, logger zerolog.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

// CreateService creates a fully wired service from config.
func (f *Factory) CreateService() (*Service, error) {
	assets, err := adapters.NewDirAssets(f.cfg.Server.AssetsDir, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load assets: %w", err)
	}

	store := cache.NewStore(f.cfg.App.CacheDir, f.logger)
	previews := f.createPreviewCache()
	evictor := f.CreateEvictor(store, previews)
	errlog := render.NewErrorLog(f.cfg.App.ErrorLog)
	tracer := f.createTracer()

	orch := render.NewOrchestrator(
		store,
		sequence.NewEncoder(f.cfg.Sequence.TicsPerToken),
		f.createEngine(),
		f.createTranscoder(),
		assets,
		evictor,
		errlog,
		tracer,
		f.logger,
		render.Policy{
			TrailingWindow:   f.cfg.Transcoder.TrailingWindow,
			TransitionMarker: f.cfg.Engine.TransitionMarker,
			RetryDelay:       render.DefaultPolicy().RetryDelay,
		},
	)

	counters := NewCounters(f.cfg.App.CountersFile, f.logger)
	p := NewPipeline(
		sequence.NewDecoder(f.cfg.Sequence.MaxPathLen),
		store,
		orch,
		previews,
		f.cfg.PreviewCache.TTLSeconds,
		counters,
		tracer,
		f.logger,
	)
	p.SetLimiter(f.createLimiter())

	return &Service{
		Config:       f.cfg,
		Store:        store,
		Evictor:      evictor,
		Orchestrator: orch,
		Pipeline:     p,
		Counters:     counters,
		Assets:       assets,
		Previews:     previews,
		ErrorLog:     errlog,
	}, nil
}

// CreateEvictor creates the cache evictor. Evicted keys leave the prefix
// index and the preview cache.
func (f *Factory) CreateEvictor(store *cache.Store, previews ports.PreviewCache) *cache.Evictor {
	probe := f.Probe
	if probe == nil {
		probe = adapters.StatfsProbe{}
	}
	evictor := cache.NewEvictor(probe, cache.EvictionPolicy{
		HighBytes:      f.cfg.Eviction.HighBytes,
		LowBytes:       f.cfg.Eviction.LowBytes,
		DepthThreshold: f.cfg.Eviction.DepthThreshold,
	}, f.logger)
	evictor.OnRemove = func(key string) {
		store.Forget(key)
		if previews != nil {
			_ = previews.Delete(context.Background(), key)
		}
	}
	return evictor
}

func (f *Factory) createPreviewCache() ports.PreviewCache {
	if !f.cfg.PreviewCache.Enabled || f.cfg.PreviewCache.Capacity <= 0 {
		return adapters.NoopPreviewCache{}
	}
	return adapters.NewPreviewLRU(f.cfg.PreviewCache.Capacity)
}

func (f *Factory) createLimiter() ports.RenderLimiter {
	if !f.cfg.RenderLimit.Enabled {
		return adapters.NoopLimiter{}
	}
	return adapters.NewTokenBucket(f.cfg.RenderLimit.Capacity, f.cfg.RenderLimit.RefillInterval)
}

func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Log.Tracing {
		return adapters.NoopTracer{}
	}
	return adapters.NewZerologTracer(f.logger)
}

func (f *Factory) createEngine() ports.Engine {
	if f.Engine != nil {
		return f.Engine
	}
	e := f.cfg.Engine
	return adapters.NewExecEngine(e.Binary, e.Args, e.RenderFile, e.SnapshotFile, f.logger)
}

func (f *Factory) createTranscoder() ports.Transcoder {
	if f.Transcoder != nil {
		return f.Transcoder
	}
	t := f.cfg.Transcoder
	return adapters.NewFFmpegTranscoder(t.Binary, t.PreviewQuality, t.PreviewFPS, t.PreviewMaxWidth)
}
