package shell

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type testOriginServer struct {
	*httptest.Server
	failing atomic.Int32 // remaining requests to /a.css that answer 503
	hits    atomic.Int32
}

func newTestOrigin(t *testing.T) *testOriginServer {
	t.Helper()
	o := &testOriginServer{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		switch r.URL.Path {
		case "/":
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "visitor"})
			_, _ = w.Write([]byte("<html>garuda</html>"))
		case "/check-auth":
			user := "anonymous"
			if c, err := r.Cookie("session"); err == nil {
				user = c.Value
			}
			_, _ = w.Write([]byte(`{"username":"` + user + `"}`))
		case "/a.css":
			if o.failing.Load() > 0 {
				o.failing.Add(-1)
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte("body{}"))
		case "/manifest.json":
			_, _ = w.Write([]byte(`{"name":"Garuda"}`))
		case "/service-worker.js":
			_, _ = w.Write([]byte("self.addEventListener('fetch', () => {})"))
		case "/predict":
			body, _ := io.ReadAll(r.Body)
			_, _ = w.Write([]byte("predicted:" + r.Method + ":" + string(body)))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.Close)
	return o
}

func newTestService(t *testing.T, origin string, manifest []string, opts ...Option) *Service {
	t.Helper()
	cfg, err := DefaultConfig(origin)
	require.NoError(t, err)
	cfg.Cache.Manifest = manifest
	cfg.Install.retryInitialDur = time.Millisecond
	cfg.Install.retryMaxDur = 5 * time.Millisecond

	svc, err := NewService(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestServiceServesShellCacheFirst(t *testing.T) {
	t.Parallel()

	origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, []string{"/", "/a.css"})
	h := svc.Handler()

	// before activation requests go to the origin untouched
	rr := get(t, h, "/a.css")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "bypass", rr.Header().Get(cacheHeader))

	require.NoError(t, svc.Start(context.Background()))

	before := origin.hits.Load()
	rr = get(t, h, "/a.css")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hit", rr.Header().Get(cacheHeader))
	assert.Equal(t, "body{}", rr.Body.String())
	assert.Equal(t, "text/css", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Access-Control-Expose-Headers"), cacheHeader)
	assert.Equal(t, before, origin.hits.Load())

	rr = get(t, h, "/nope")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "miss", rr.Header().Get(cacheHeader))
}

func TestServiceStartRetriesInstall(t *testing.T) {
	t.Parallel()

	origin := newTestOrigin(t)
	origin.failing.Store(2)
	svc := newTestService(t, origin.URL, []string{"/", "/a.css"})

	require.NoError(t, svc.Start(context.Background()))
	st := svc.Worker().Status()
	assert.Equal(t, StateActivated, st.State)
	assert.True(t, st.Controlling)

	resp, ok, err := svc.Worker().Match(context.Background(), "/a.css")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "body{}", string(resp.Body))
}

func TestServiceStartGivesUpWhenContextEnds(t *testing.T) {
	t.Parallel()

	origin := newTestOrigin(t)
	origin.failing.Store(1 << 20)
	svc := newTestService(t, origin.URL, []string{"/a.css"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, svc.Start(ctx))
	assert.NotEqual(t, StateActivated, svc.Worker().Status().State)
}

func TestServiceKeepsSessionsApart(t *testing.T) {
	t.Parallel()

	origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, []string{"/"})
	require.NoError(t, svc.Start(context.Background()))
	h := svc.Handler()

	alice := httptest.NewRequest(http.MethodGet, "/check-auth", nil)
	alice.AddCookie(&http.Cookie{Name: "session", Value: "alice"})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, alice)
	assert.Equal(t, `{"username":"alice"}`, rr.Body.String())
	svc.Worker().Wait()

	rr = get(t, h, "/check-auth")
	assert.Equal(t, "miss", rr.Header().Get(cacheHeader))
	assert.Equal(t, `{"username":"anonymous"}`, rr.Body.String())

	// the shell is shared, the cookie the origin set while installing is not
	rr = get(t, h, "/")
	assert.Equal(t, "hit", rr.Header().Get(cacheHeader))
	assert.Empty(t, rr.Header().Values("Set-Cookie"))
}

func TestServiceAnswersAbsoluteFormFromOrigin(t *testing.T) {
	t.Parallel()

	var foreignHits atomic.Int32
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		foreignHits.Add(1)
		_, _ = w.Write([]byte("internal secret"))
	}))
	t.Cleanup(foreign.Close)

	origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, []string{"/"})
	h := svc.Handler()

	for _, started := range []bool{false, true} {
		if started {
			require.NoError(t, svc.Start(context.Background()))
		}
		for _, path := range []string{"/latest/meta-data/", "/service-worker.js", "/a.css"} {
			rr := get(t, h, foreign.URL+path)
			assert.NotContains(t, rr.Body.String(), "internal secret", path)
		}
		rr := get(t, h, foreign.URL+"/")
		assert.Contains(t, rr.Body.String(), "<html>garuda</html>")
	}
	assert.Zero(t, foreignHits.Load())

	// nothing was cached under the foreign host
	b, err := svc.storage.Open(context.Background(), svc.Worker().Version())
	require.NoError(t, err)
	keys, err := b.Keys(context.Background())
	require.NoError(t, err)
	for _, k := range keys {
		assert.NotContains(t, k, foreign.Listener.Addr().String())
	}
}

func TestServicePassesNonGETThrough(t *testing.T) {
	t.Parallel()

	origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, []string{"/"})
	require.NoError(t, svc.Start(context.Background()))

	rr := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader("bloating")))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "predicted:POST:bloating", rr.Body.String())
	assert.Equal(t, "bypass", rr.Header().Get(cacheHeader))
}

func TestServiceWorkerScriptAndManifestHeaders(t *testing.T) {
	t.Parallel()

	origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, []string{"/", "/manifest.json"})
	require.NoError(t, svc.Start(context.Background()))
	h := svc.Handler()

	rr := get(t, h, "/service-worker.js")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "/", rr.Header().Get("Service-Worker-Allowed"))
	assert.Equal(t, "application/javascript", rr.Header().Get("Content-Type"))
	assert.Equal(t, "bypass", rr.Header().Get(cacheHeader))

	rr = get(t, h, "/manifest.json")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/manifest+json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "hit", rr.Header().Get(cacheHeader))
}

func TestServiceBadGateway(t *testing.T) {
	t.Parallel()

	origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, []string{"/"})
	require.NoError(t, svc.Start(context.Background()))
	origin.Close()

	rr := get(t, svc.Handler(), "/static/js/app.js")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "bad-gateway", rr.Header().Get(cacheHeader))

	// the cached shell keeps working with the origin gone
	rr = get(t, svc.Handler(), "/")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hit", rr.Header().Get(cacheHeader))
}

func TestServiceStatusAndInstructions(t *testing.T) {
	t.Parallel()

	origin := newTestOrigin(t)
	st := NewMemoryStorage()
	_, err := st.Open(context.Background(), "garuda-app-v0")
	require.NoError(t, err)

	svc := newTestService(t, origin.URL, []string{"/", "/a.css"}, WithStorage(st))
	require.NoError(t, svc.Start(context.Background()))
	h := svc.Handler()

	rr := get(t, h, "/_garuda/status")
	require.Equal(t, http.StatusOK, rr.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, "garuda-app-v1", status.Version)
	assert.Equal(t, StateActivated, status.State)
	assert.True(t, status.Controlling)
	assert.Equal(t, []string{"garuda-app-v1"}, status.Buckets)
	assert.Equal(t, 2, status.Entries)

	req := httptest.NewRequest(http.MethodGet, "/_garuda/install-instructions", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1")
	req.Header.Set("X-Forwarded-Proto", "https")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var ins instructionsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ins))
	assert.True(t, ins.Secure)
	assert.True(t, ins.Mobile)
	assert.Contains(t, ins.Message, "Safari share menu")
	assert.NotContains(t, ins.Message, "HTTPS")
	assert.Equal(t, int64(3000), ins.FallbackDelayMs)
	assert.Equal(t, int64(5000), ins.ToastDurationMs)

	rr = get(t, h, "/healthz")
	assert.Equal(t, "ok", rr.Body.String())
}

func TestServiceRecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	origin := newTestOrigin(t)
	svc := newTestService(t, origin.URL, []string{"/"}, WithMeterProvider(mp))
	require.NoError(t, svc.Start(context.Background()))
	h := svc.Handler()
	get(t, h, "/")
	get(t, h, "/nope")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	var installs int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				switch m.Name {
				case "garuda_fetch_total":
					v, _ := dp.Attributes.Value("outcome")
					counts[v.AsString()] += dp.Value
				case "garuda_install_attempts_total":
					installs += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), counts["hit"])
	assert.Equal(t, int64(1), counts["miss"])
	assert.Equal(t, int64(1), installs)
}

func TestNewMetricsNilProvider(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	// nil metrics are a no-op
	m.fetch(context.Background(), outcomeHit)
	h := m.Middleware(http.NotFoundHandler())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServiceLogsStats(t *testing.T) {
	t.Parallel()

	origin := newTestOrigin(t)
	cfg, err := DefaultConfig(origin.URL)
	require.NoError(t, err)
	cfg.Cache.Manifest = []string{"/"}
	cfg.Logging.statsEveryDur = 10 * time.Millisecond

	core, logs := observer.New(zapcore.InfoLevel)
	svc, err := NewService(cfg, zap.New(core))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	require.NoError(t, svc.Start(context.Background()))
	get(t, svc.Handler(), "/")

	require.Eventually(t, func() bool {
		for _, e := range logs.FilterMessage("cache stats").All() {
			if e.ContextMap()["hits"] == uint64(1) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
