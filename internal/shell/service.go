package shell

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"garuda/internal/install"
)

const cacheHeader = "X-Garuda-Cache"

// Service is the HTTP front that plays the service worker for every client:
// it installs and activates the current shell version and answers requests
// through the worker.
type Service struct {
	cfg    Config
	logger *zap.Logger

	storage CacheStorage
	network *OriginNetwork
	worker  *Worker

	metrics        *Metrics
	metricsHandler http.Handler
	stats          *statsCollector

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	ownsStore bool
}

type Option func(*Service)

// WithStorage uses s instead of opening the configured driver. The caller
// keeps ownership of s.
func WithStorage(s CacheStorage) Option {
	return func(svc *Service) { svc.storage = s }
}

func WithHTTPClient(c *http.Client) Option {
	return func(svc *Service) { svc.network = NewOriginNetwork(svc.cfg.OriginURL(), c) }
}

// WithMeterProvider records otel metrics through mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(svc *Service) {
		m, err := NewMetrics(mp)
		if err != nil {
			svc.logger.Warn("metrics disabled", zap.Error(err))
			return
		}
		svc.metrics = m
	}
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(svc *Service) { svc.metricsHandler = h }
}

func NewService(cfg Config, logger *zap.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:     cfg,
		logger:  logger,
		network: NewOriginNetwork(cfg.OriginURL(), nil),
		stats:   newStatsCollector(),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.storage == nil {
		st, err := OpenStorage(cfg, logger)
		if err != nil {
			return nil, err
		}
		s.storage = st
		s.ownsStore = true
	}

	s.worker = NewWorker(WorkerOptions{
		Version:           cfg.Cache.Version,
		Manifest:          cfg.Cache.Manifest,
		Origin:            cfg.OriginURL(),
		MaxEntryBytes:     cfg.MaxEntryBytes(),
		BypassWhenCookies: cfg.Cache.BypassWhenCookies,
		Metrics:           s.metrics,
	}, s.storage, s.network, logger)

	if every := cfg.StatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

func (s *Service) Worker() *Worker { return s.worker }

// Start installs the current version, retrying with exponential backoff,
// then activates it. Until activation completes requests go straight to
// the origin.
func (s *Service) Start(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.Install.retryInitialDur
	b.MaxInterval = s.cfg.Install.retryMaxDur

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.worker.Install(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(s.cfg.Install.retryMaxElapsedDur),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("install failed, will retry", zap.Error(err), zap.Duration("retryIn", next))
		}),
	)
	if err != nil {
		return err
	}
	if err := s.worker.Activate(ctx); err != nil {
		s.logger.Warn("activation cleanup incomplete", zap.Error(err))
	}
	return nil
}

func (s *Service) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.worker.Wait()
	if s.ownsStore {
		return s.storage.Close()
	}
	return nil
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(originForm)
	r.Use(s.metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/service-worker.js", s.serveWorkerScript)
	r.Get("/manifest.json", s.serveManifest)
	r.Get("/_garuda/status", s.serveStatus)
	r.Get("/_garuda/install-instructions", s.serveInstructions)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}
	r.HandleFunc("/*", s.handle)
	return r
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	resp, outcome, err := s.worker.Fetch(r.Context(), r)
	if err != nil {
		s.badGateway(w, r, err)
		return
	}
	s.writeResponseWithStats(w, resp, outcome)
}

// originForm drops the scheme and host of absolute-form request targets so
// every request is answered relative to the configured origin.
func originForm(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Scheme != "" || r.URL.Host != "" || r.URL.User != nil {
			r2 := r.Clone(r.Context())
			r2.URL = &url.URL{
				Path:     r.URL.Path,
				RawPath:  r.URL.RawPath,
				RawQuery: r.URL.RawQuery,
			}
			r = r2
		}
		next.ServeHTTP(w, r)
	})
}

// The script is never served from the cache; browsers check it for updates.
func (s *Service) serveWorkerScript(w http.ResponseWriter, r *http.Request) {
	resp, err := s.network.Fetch(r.Context(), r)
	if err != nil {
		s.badGateway(w, r, err)
		return
	}
	if resp.Status == http.StatusOK {
		resp.Header.Set("Content-Type", "application/javascript")
		resp.Header.Set("Service-Worker-Allowed", "/")
		resp.Header.Set("Cache-Control", "no-cache")
	}
	s.writeResponseWithStats(w, resp, outcomeBypass)
}

func (s *Service) serveManifest(w http.ResponseWriter, r *http.Request) {
	resp, outcome, err := s.worker.Fetch(r.Context(), r)
	if err != nil {
		s.badGateway(w, r, err)
		return
	}
	if resp.Status == http.StatusOK {
		resp.Header.Set("Content-Type", "application/manifest+json")
	}
	s.writeResponseWithStats(w, resp, outcome)
}

type statusResponse struct {
	WorkerStatus
	Buckets []string `json:"buckets"`
	Entries int      `json:"entries"`
}

func (s *Service) serveStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := statusResponse{WorkerStatus: s.worker.Status()}
	names, err := s.storage.Keys(ctx)
	if err != nil {
		s.logger.Error("list buckets", zap.Error(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	out.Buckets = names
	out.Entries = s.currentEntries(ctx)
	writeJSON(w, http.StatusOK, out)
}

type instructionsResponse struct {
	Secure  bool   `json:"secure"`
	Mobile  bool   `json:"mobile"`
	Message string `json:"message"`

	// Timings for the page-side install coordinator.
	FallbackDelayMs int64 `json:"fallbackDelayMs"`
	ToastDurationMs int64 `json:"toastDurationMs"`
}

func (s *Service) serveInstructions(w http.ResponseWriter, r *http.Request) {
	env := install.EnvironmentFromRequest(r)
	writeJSON(w, http.StatusOK, instructionsResponse{
		Secure:  env.Secure(),
		Mobile:  env.Mobile(),
		Message: install.Instructions(env),

		FallbackDelayMs: s.cfg.FallbackDelay().Milliseconds(),
		ToastDurationMs: s.cfg.ToastDuration().Milliseconds(),
	})
}

func (s *Service) currentEntries(ctx context.Context) int {
	ok, err := s.storage.Has(ctx, s.worker.Version())
	if err != nil || !ok {
		return 0
	}
	b, err := s.storage.Open(ctx, s.worker.Version())
	if err != nil {
		return 0
	}
	keys, err := b.Keys(ctx)
	if err != nil {
		return 0
	}
	return len(keys)
}

func (s *Service) badGateway(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Warn("network fetch failed", zap.String("path", r.URL.Path), zap.Error(err))
	setCacheHeaders(w.Header(), outcomeBadGateway)
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func (s *Service) writeResponseWithStats(w http.ResponseWriter, resp *Response, outcome string) {
	writeResponse(w, resp, outcome)
	s.stats.Observe(outcome, len(resp.Body))
}

func writeResponse(w http.ResponseWriter, resp *Response, outcome string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, cacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), outcome)
	status := resp.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func setCacheHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(cacheHeader, outcome)
	}
	// Custom headers are not readable by page scripts unless exposed.
	ensureExposedHeader(h, cacheHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			fields := []zap.Field{
				zap.String("bucket", s.worker.Version()),
				zap.Int("entries", s.currentEntries(context.Background())),
				zap.Uint64("hits", ss.Hits),
				zap.Uint64("misses", ss.Misses),
				zap.String("respMin", formatBytes(ss.MinRespBytes)),
				zap.String("respAvg", formatBytes(ss.AvgRespBytes)),
				zap.String("respMax", formatBytes(ss.MaxRespBytes)),
			}
			if rss, ok := residentBytes(); ok {
				fields = append(fields, zap.String("rss", formatBytes(rss)))
			}
			s.logger.Info("cache stats", fields...)
		}
	}
}
