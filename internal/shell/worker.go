package shell

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInstallFailed = errors.New("install failed")
	ErrNotInstalled  = errors.New("worker is not installed")
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

// Fetch outcomes, also reported in the X-Garuda-Cache header.
const (
	outcomeHit        = "hit"
	outcomeMiss       = "miss"
	outcomeBypass     = "bypass"
	outcomeBadGateway = "bad-gateway"
)

type WorkerOptions struct {
	// Version names the current cache bucket.
	Version  string
	Manifest []string
	// Origin resolves relative request URLs into cache keys. May be nil.
	Origin *url.URL
	// MaxEntryBytes caps what the fetch path stores; 0 means unlimited.
	MaxEntryBytes int64
	// BypassWhenCookies sends requests carrying any of these cookies straight
	// to the network without a cache lookup.
	BypassWhenCookies []string
	Metrics           *Metrics
}

// Worker owns the versioned app-shell bucket and answers fetches cache-first.
type Worker struct {
	opts    WorkerOptions
	storage CacheStorage
	network Network
	logger  *zap.Logger

	writeLog *rateLimitedLogger

	mu          sync.Mutex
	state       State
	skipWaiting bool
	controlling bool

	// in-flight fire-and-forget cache writes
	writes sync.WaitGroup
}

func NewWorker(opts WorkerOptions, storage CacheStorage, network Network, logger *zap.Logger) *Worker {
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("version", opts.Version))
	return &Worker{
		opts:     opts,
		storage:  storage,
		network:  network,
		logger:   logger,
		writeLog: newRateLimitedLogger(logger, time.Minute),
		state:    StateParsed,
	}
}

func (w *Worker) Version() string { return w.opts.Version }

type WorkerStatus struct {
	Version     string `json:"version"`
	State       State  `json:"state"`
	SkipWaiting bool   `json:"skipWaiting"`
	Controlling bool   `json:"controlling"`
}

func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerStatus{
		Version:     w.opts.Version,
		State:       w.state,
		SkipWaiting: w.skipWaiting,
		Controlling: w.controlling,
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Install populates the current bucket with every manifest URL. Either all
// of them are stored or none are; a failed install may be retried.
func (w *Worker) Install(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateParsed:
	case StateInstalled, StateActivating, StateActivated:
		w.mu.Unlock()
		return nil
	default:
		w.mu.Unlock()
		return fmt.Errorf("%w: install already in progress", ErrInstallFailed)
	}
	w.state = StateInstalling
	// Activate as soon as install settles instead of waiting for old pages to close.
	w.skipWaiting = true
	w.mu.Unlock()

	w.logger.Info("installing", zap.Int("manifest", len(w.opts.Manifest)))
	err := w.populate(ctx)
	w.opts.Metrics.installAttempt(ctx, err)
	if err != nil {
		w.setState(StateParsed)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	w.setState(StateInstalled)
	w.logger.Info("installed")
	return nil
}

func (w *Worker) populate(ctx context.Context) error {
	bucket, err := w.storage.Open(ctx, w.opts.Version)
	if err != nil {
		return fmt.Errorf("open bucket: %w", err)
	}

	entries := make([]Entry, len(w.opts.Manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range w.opts.Manifest {
		g.Go(func() error {
			u, err := url.Parse(p)
			if err != nil {
				return fmt.Errorf("manifest %q: %w", p, err)
			}
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, w.resolve(u).String(), nil)
			if err != nil {
				return fmt.Errorf("manifest %q: %w", p, err)
			}
			resp, err := w.network.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", p, err)
			}
			if resp.Status < 200 || resp.Status > 299 {
				return fmt.Errorf("fetch %s: unexpected status %d", p, resp.Status)
			}
			// The shell is shared by every client.
			resp.Header.Del("Set-Cookie")
			entries[i] = Entry{Key: urlKey(req.URL), Response: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := bucket.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("store manifest: %w", err)
	}
	return nil
}

// Activate removes every bucket other than the current one and takes control
// of all clients.
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateInstalled:
	case StateActivated:
		w.mu.Unlock()
		return nil
	default:
		st := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotInstalled, st)
	}
	w.state = StateActivating
	w.mu.Unlock()

	w.logger.Info("activating")
	_, err := PruneBuckets(ctx, w.storage, w.opts.Version, w.logger)

	// Claiming happens even if cleanup partly failed, as on the platform.
	w.mu.Lock()
	w.controlling = true
	w.state = StateActivated
	w.mu.Unlock()
	w.logger.Info("activated, controlling clients")
	return err
}

// Fetch answers r from the current bucket, falling back to the network. A
// successful same-origin network response is stored in the background.
// The returned outcome is one of hit, miss, bypass or bad-gateway.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (*Response, string, error) {
	w.mu.Lock()
	controlling := w.controlling
	w.mu.Unlock()

	key := ""
	if controlling && !hasAnyCookie(r, w.opts.BypassWhenCookies) {
		key = w.key(r)
	}
	if key == "" {
		resp, err := w.network.Fetch(ctx, r)
		if err != nil {
			w.opts.Metrics.fetch(ctx, outcomeBadGateway)
			return nil, outcomeBadGateway, err
		}
		w.opts.Metrics.fetch(ctx, outcomeBypass)
		return resp, outcomeBypass, nil
	}

	bucket, err := w.storage.Open(ctx, w.opts.Version)
	if err != nil {
		w.logger.Warn("open bucket failed, going to network", zap.Error(err))
	} else if resp, ok, err := bucket.Match(ctx, key); err != nil {
		w.logger.Warn("cache match failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		w.opts.Metrics.fetch(ctx, outcomeHit)
		return resp, outcomeHit, nil
	}

	resp, err := w.network.Fetch(ctx, r)
	if err != nil {
		w.opts.Metrics.fetch(ctx, outcomeBadGateway)
		return nil, outcomeBadGateway, err
	}
	w.opts.Metrics.fetch(ctx, outcomeMiss)
	if bucket != nil && w.cacheable(r, resp) {
		w.storeAsync(ctx, bucket, key, resp.Clone())
	}
	return resp, outcomeMiss, nil
}

// cacheable reports whether a network response may be stored in the bucket.
// Every client reads the same bucket, so anything tied to a user is skipped.
func (w *Worker) cacheable(r *http.Request, resp *Response) bool {
	if !resp.OK() || resp.Type != TypeBasic {
		return false
	}
	if r.Header.Get("Cookie") != "" || r.Header.Get("Authorization") != "" {
		return false
	}
	if resp.Header.Get("Set-Cookie") != "" {
		return false
	}
	cc := strings.ToLower(strings.Join(resp.Header.Values("Cache-Control"), ","))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "no-cache") || strings.Contains(cc, "private") {
		return false
	}
	for _, v := range resp.Header.Values("Vary") {
		for _, f := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(f)) {
			case "*", "cookie", "authorization":
				return false
			}
		}
	}
	return w.opts.MaxEntryBytes <= 0 || int64(len(resp.Body)) <= w.opts.MaxEntryBytes
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

func (w *Worker) storeAsync(ctx context.Context, bucket Bucket, key string, resp *Response) {
	ctx = context.WithoutCancel(ctx)
	w.writes.Add(1)
	go func() {
		defer w.writes.Done()
		if err := bucket.Put(ctx, key, resp); err != nil {
			w.opts.Metrics.cacheWriteFailed(ctx)
			w.writeLog.Warn("cache write failed", zap.String("key", key), zap.Error(err))
			return
		}
		w.logger.Debug("cached new resource", zap.String("key", key))
	}()
}

// Wait blocks until background cache writes have settled.
func (w *Worker) Wait() { w.writes.Wait() }

func (w *Worker) key(r *http.Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	if r.Method != "" && r.Method != http.MethodGet {
		return ""
	}
	return urlKey(w.resolve(r.URL))
}

func (w *Worker) resolve(u *url.URL) *url.URL {
	if w.opts.Origin == nil {
		return u
	}
	return w.opts.Origin.ResolveReference(u)
}

// Match reports the cached response for path in the current bucket, if any.
func (w *Worker) Match(ctx context.Context, path string) (*Response, bool, error) {
	u, err := url.Parse(path)
	if err != nil {
		return nil, false, err
	}
	ok, err := w.storage.Has(ctx, w.opts.Version)
	if err != nil || !ok {
		return nil, false, err
	}
	bucket, err := w.storage.Open(ctx, w.opts.Version)
	if err != nil {
		return nil, false, err
	}
	return bucket.Match(ctx, urlKey(w.resolve(u)))
}

// PruneBuckets deletes every bucket whose name is not keep and returns the
// names it removed. It keeps going past individual failures.
func PruneBuckets(ctx context.Context, storage CacheStorage, keep string, logger *zap.Logger) ([]string, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	var (
		removed []string
		errs    []error
	)
	for _, name := range names {
		if name == keep {
			continue
		}
		if _, err := storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete bucket %q: %w", name, err))
			continue
		}
		removed = append(removed, name)
		logger.Info("cleared old cache bucket", zap.String("bucket", name))
	}
	return removed, errors.Join(errs...)
}
