package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ZanzyTHEbar/replaycast/rcast/pipeline"
	"github.com/ZanzyTHEbar/replaycast/rcast/ports"
	"github.com/ZanzyTHEbar/replaycast/rcast/sequence"

	"github.com/rs/zerolog"
)

// Well-known static paths.
const (
	FaviconPath   = "/favicon.ico"
	StartPath     = "/start.webp"
	EasterEggPath = "/iddqd.webp"
)

// Requester answers one request path.
type Requester interface {
	Handle(ctx context.Context, path string) (pipeline.Result, error)
}

var _ Requester = (*pipeline.Pipeline)(nil)

// Stats is the body of the stats endpoint.
type Stats struct {
	Requests int64 `json:"requests"`
	Renders  int64 `json:"renders"`
	Indexed  int   `json:"indexed"`
}

// Handler is the HTTP front end.
type Handler struct {
	requester  Requester
	assets     ports.Assets
	allowedUA  []string
	maxPathLen int
	stats      func() Stats
	logger     zerolog.Logger
}

// Options configures a Handler.
type Options struct {
	// AllowedUserAgents are substrings a client's User-Agent must contain.
	// Empty allows every client.
	AllowedUserAgents []string
	MaxPathLen        int
	Stats             func() Stats
}

// NewHandler creates the HTTP front end.
func NewHandler(requester Requester, assets ports.Assets, opts Options, logger zerolog.Logger) *Handler {
	if opts.MaxPathLen <= 0 {
		opts.MaxPathLen = sequence.DefaultMaxPathLen
	}
	return &Handler{
		requester:  requester,
		assets:     assets,
		allowedUA:  opts.AllowedUserAgents,
		maxPathLen: opts.MaxPathLen,
		stats:      opts.Stats,
		logger:     logger.With().Str("component", "http").Logger(),
	}
}

// Routes returns the request multiplexer.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /stats", h.statsz)
	mux.HandleFunc("GET /", h.serve)
	return mux
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *Handler) statsz(w http.ResponseWriter, r *http.Request) {
	var s Stats
	if h.stats != nil {
		s = h.stats()
	}
	w.Header().Set("Content-Type", "application/json")
	noCache(w)
	if err := json.NewEncoder(w).Encode(s); err != nil {
		h.logger.Debug().Err(err).Msg("failed to write stats")
	}
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	log := h.logger.With().Str("path", truncate(path, 64)).Logger()

	if !h.allowed(r.UserAgent()) {
		log.Debug().Str("user_agent", r.UserAgent()).Msg("client not allowed")
		h.writeAsset(w, http.StatusForbidden, ports.AssetClientError)
		return
	}

	if len(path) > h.maxPathLen {
		h.writeAsset(w, http.StatusOK, ports.AssetOversized)
		return
	}

	switch strings.ToLower(path) {
	case FaviconPath:
		h.writeAsset(w, http.StatusOK, ports.AssetFavicon)
		return
	case StartPath:
		h.writeAsset(w, http.StatusOK, ports.AssetStart)
		return
	case EasterEggPath:
		h.writeAsset(w, http.StatusOK, ports.AssetEasterEgg)
		return
	}

	if !strings.HasSuffix(strings.ToLower(path), sequence.PathMarker) {
		h.writeAsset(w, http.StatusNotFound, ports.AssetClientError)
		return
	}

	res, err := h.requester.Handle(r.Context(), path)
	switch {
	case err == nil:
		writeImage(w, http.StatusOK, res.Preview)
	case errors.Is(err, sequence.ErrPathTooLong):
		h.writeAsset(w, http.StatusOK, ports.AssetOversized)
	case errors.Is(err, ports.ErrRateLimited):
		w.Header().Set("Retry-After", "5")
		h.writeAsset(w, http.StatusTooManyRequests, ports.AssetClientError)
	default:
		log.Warn().Err(err).Str("key", res.Key).Msg("request failed")
		if len(res.Preview) > 0 {
			writeImage(w, http.StatusInternalServerError, res.Preview)
			return
		}
		h.writeAsset(w, http.StatusInternalServerError, ports.AssetTerminalError)
	}
}

func (h *Handler) allowed(ua string) bool {
	if len(h.allowedUA) == 0 {
		return true
	}
	for _, want := range h.allowedUA {
		if want != "" && strings.Contains(ua, want) {
			return true
		}
	}
	return false
}

func (h *Handler) writeAsset(w http.ResponseWriter, status int, name ports.AssetName) {
	data, ok := h.assets.Get(name)
	if !ok {
		noCache(w)
		w.WriteHeader(status)
		return
	}
	if name == ports.AssetFavicon {
		noCache(w)
		w.Header().Set("Content-Type", "image/x-icon")
		w.WriteHeader(status)
		_, _ = w.Write(data)
		return
	}
	writeImage(w, status, data)
}

func writeImage(w http.ResponseWriter, status int, data []byte) {
	noCache(w)
	w.Header().Set("Content-Type", "image/webp")
	w.Header().Set("Content-Disposition", "inline")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// noCache forbids every intermediary from caching the response.
func noCache(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
