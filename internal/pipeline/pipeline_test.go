package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/danmuck/seedmint/internal/config"
	"github.com/danmuck/seedmint/internal/progress"
	"github.com/danmuck/seedmint/internal/seed"
	"github.com/danmuck/seedmint/internal/store"
	"github.com/danmuck/seedmint/internal/supervisor"
	"github.com/danmuck/seedmint/internal/testutil/testlog"
	"github.com/tidwall/gjson"
)

type renderService struct {
	srv   *httptest.Server
	stops atomic.Int32
}

func startRenderService(t *testing.T) *renderService {
	t.Helper()
	rs := &renderService{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("GET /image/seed/{seed}/{scale}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "PNG:%s:%s", r.PathValue("seed"), r.PathValue("scale"))
	})
	mux.HandleFunc("GET /attributes/seed/{seed}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("seed") == "badbad" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `{"name":"Card","description":"seed %s","attributes":[{"trait_type":"Race","value":"Elf"}]}`, r.PathValue("seed"))
	})
	mux.HandleFunc("POST /control/stop", func(w http.ResponseWriter, r *http.Request) {
		rs.stops.Add(1)
	})
	rs.srv = httptest.NewServer(mux)
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *renderService) port(t *testing.T) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(rs.srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

type memUploader struct {
	name string
	fail map[string]bool

	mu      sync.Mutex
	objects map[string][]byte
	puts    map[string]int
	flushes int
}

func newMemUploader(name string) *memUploader {
	return &memUploader{name: name, fail: map[string]bool{}, objects: map[string][]byte{}, puts: map[string]int{}}
}

func (m *memUploader) Name() string { return m.name }

func (m *memUploader) Upload(_ context.Context, data []byte, key string) (string, error) {
	if m.fail[key] {
		return "", errors.New("quota exceeded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	m.puts[key]++
	return m.name + "://" + key, nil
}

func (m *memUploader) Flush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func testConfig(t *testing.T, rs *renderService) config.Config {
	cfg := config.DefaultConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Progress = false
	cfg.BatchSize = 2
	cfg.Render.Command = nil
	if rs != nil {
		cfg.Render.Port = rs.port(t)
	}
	cfg.Render.ReadyTimeout = config.D(2 * time.Second)
	cfg.Render.StopGrace = config.D(50 * time.Millisecond)
	cfg.Render.FetchRetries = 2
	return cfg
}

func TestEndToEndSingleSeed(t *testing.T) {
	testlog.Start(t)
	rs := startRenderService(t)
	cfg := testConfig(t, rs)
	cfg.Seeds = []string{"a1b2c3"}
	up := newMemUploader("mem")

	p, err := New(cfg, WithUploaders(up), WithSource(seed.NewListSource(cfg.Seeds)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	imageDir, attrDir := cfg.StoreDirs()
	img, err := os.ReadFile(filepath.Join(imageDir, "a1b2c3.png"))
	if err != nil || string(img) != "PNG:a1b2c3:2x" {
		t.Fatalf("image not stored: %q %v", img, err)
	}
	rec, err := os.ReadFile(filepath.Join(attrDir, "a1b2c3.json"))
	if err != nil {
		t.Fatalf("record not stored: %v", err)
	}
	if got := gjson.GetBytes(rec, "image").String(); got != "mem://images/a1b2c3.png" {
		t.Fatalf("local record not patched: %s", rec)
	}
	if gjson.GetBytes(rec, "description").String() != "seed a1b2c3" {
		t.Fatalf("record content changed: %s", rec)
	}
	if remote := up.objects["metadata/a1b2c3.json"]; string(remote) != string(rec) {
		t.Fatalf("remote record differs from local:\n%s\n%s", remote, rec)
	}
	if string(up.objects["images/a1b2c3.png"]) != "PNG:a1b2c3:2x" {
		t.Fatalf("image not published")
	}
	if up.flushes != 1 {
		t.Fatalf("expected one flush, got %d", up.flushes)
	}
	if rs.stops.Load() != 1 {
		t.Fatalf("expected one stop request, got %d", rs.stops.Load())
	}

	phases := sum.Snapshot.Phases
	if phases[progress.PhaseFetch].Succeeded != 1 || phases[progress.PhaseUpload].Succeeded != 1 || phases[progress.PhasePatch].Succeeded != 1 {
		t.Fatalf("unexpected counters: %+v", phases)
	}
	for key, n := range up.puts {
		if n != 1 {
			t.Fatalf("%s uploaded %d times", key, n)
		}
	}
	if sum.Failed() {
		t.Fatalf("run should be clean:\n%s", sum.Report())
	}
}

func TestRunIsolatesPerItemFailures(t *testing.T) {
	testlog.Start(t)
	rs := startRenderService(t)
	cfg := testConfig(t, rs)
	up := newMemUploader("mem")
	up.fail["images/cccccc.png"] = true

	p, err := New(cfg, WithUploaders(up), WithSource(seed.NewListSource([]string{"aaaaaa", "badbad", "cccccc", "dddddd"})))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("per-item failures must not fail the run: %v", err)
	}
	if len(sum.FetchErrors) != 1 || sum.FetchErrors[0].Seed != "badbad" {
		t.Fatalf("unexpected fetch errors: %v", sum.FetchErrors)
	}
	if got := len(sum.Uploads["mem"]); got != 6 {
		t.Fatalf("expected 6 upload results, got %d", got)
	}
	if got := len(sum.Patches["mem"]); got != 2 {
		t.Fatalf("expected patches only for published images, got %d", got)
	}
	phases := sum.Snapshot.Phases
	if phases[progress.PhaseFetch].Failed != 1 || phases[progress.PhaseUpload].Failed != 1 {
		t.Fatalf("unexpected counters: %+v", phases)
	}
	if !sum.Failed() {
		t.Fatalf("summary should report failures")
	}
	if up.puts["metadata/cccccc.json"] != 1 {
		t.Fatalf("record of a failed image should still be published once")
	}
	if !strings.Contains(sum.Report(), "backend=mem failed_uploads=1 failed_patches=0") {
		t.Fatalf("report misses backend failures:\n%s", sum.Report())
	}
}

func TestRunPublishesEverythingInStore(t *testing.T) {
	testlog.Start(t)
	rs := startRenderService(t)
	cfg := testConfig(t, rs)
	imageDir, attrDir := cfg.StoreDirs()
	st := store.New(imageDir, attrDir)
	if err := st.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	_ = st.Put("old111", store.KindImage, []byte("old"))
	_ = st.Put("old111", store.KindAttributes, []byte(`{"name":"Old","image":""}`))

	up := newMemUploader("mem")
	p, _ := New(cfg, WithUploaders(up), WithSource(seed.NewListSource([]string{"a1b2c3", "a1b2c3"})))
	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(up.objects["images/old111.png"]) != "old" {
		t.Fatalf("stored artifact from an earlier run was not published: %v", up.puts)
	}
	if got := gjson.GetBytes(up.objects["metadata/old111.json"], "image").String(); got != "mem://images/old111.png" {
		t.Fatalf("earlier record not patched: %s", up.objects["metadata/old111.json"])
	}
	if len(sum.Uploads["mem"]) != 4 {
		t.Fatalf("duplicate seeds must yield one result per stored file, got %d", len(sum.Uploads["mem"]))
	}
	for key, n := range up.puts {
		if n != 1 {
			t.Fatalf("%s uploaded %d times", key, n)
		}
	}
}

func TestReportOrdersBackends(t *testing.T) {
	sum := Summary{
		RunID: "r",
		FlushErrors: map[string]error{
			"s3":      errors.New("b"),
			"gitrepo": errors.New("a"),
			"pinata":  errors.New("c"),
		},
	}
	want := sum.Report()
	for i := 0; i < 20; i++ {
		if got := sum.Report(); got != want {
			t.Fatalf("report order changed:\n%s\n%s", want, got)
		}
	}
	g, pn, s3 := strings.Index(want, "backend=gitrepo"), strings.Index(want, "backend=pinata"), strings.Index(want, "backend=s3")
	if g < 0 || !(g < pn && pn < s3) {
		t.Fatalf("backends not sorted:\n%s", want)
	}
}

func TestRunPublishesToEachBackend(t *testing.T) {
	testlog.Start(t)
	rs := startRenderService(t)
	cfg := testConfig(t, rs)
	first, second := newMemUploader("first"), newMemUploader("second")

	p, _ := New(cfg, WithUploaders(first, second), WithSource(seed.NewListSource([]string{"abc123"})))
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gjson.GetBytes(first.objects["metadata/abc123.json"], "image").String() != "first://images/abc123.png" {
		t.Fatalf("first backend record not patched with its own location")
	}
	if n := second.puts["metadata/abc123.json"]; n != 1 {
		t.Fatalf("second backend should receive the record once, got %d", n)
	}
	if gjson.GetBytes(second.objects["metadata/abc123.json"], "image").String() != "second://images/abc123.png" {
		t.Fatalf("second backend record not patched with its own location")
	}
	_, attrDir := cfg.StoreDirs()
	rec, _ := os.ReadFile(filepath.Join(attrDir, "abc123.json"))
	if gjson.GetBytes(rec, "image").String() != "second://images/abc123.png" {
		t.Fatalf("local record should end with the last backend's location: %s", rec)
	}
}

func TestRunFailsWhenServiceNeverReady(t *testing.T) {
	testlog.Start(t)
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	cfg := testConfig(t, nil)
	cfg.Render.Port = port
	cfg.Render.ReadyTimeout = config.D(100 * time.Millisecond)
	p, _ := New(cfg, WithUploaders(newMemUploader("mem")))
	_, err := p.Run(context.Background())
	if !errors.Is(err, supervisor.ErrServiceStart) {
		t.Fatalf("expected ErrServiceStart, got %v", err)
	}
}

func TestRunFailsOnOutputSetup(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t, nil)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg.OutputDir = blocker
	p, _ := New(cfg, WithSkipRender(true), WithUploaders(newMemUploader("mem")))
	if _, err := p.Run(context.Background()); !errors.Is(err, store.ErrSetup) {
		t.Fatalf("expected ErrSetup, got %v", err)
	}
}

func TestSkipRenderPublishesExistingStore(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t, nil)
	imageDir, attrDir := cfg.StoreDirs()
	st := store.New(imageDir, attrDir)
	if err := st.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	_ = st.Put("0a0a0a", store.KindImage, []byte("img"))
	_ = st.Put("0a0a0a", store.KindAttributes, []byte(`{"image":""}`))

	up := newMemUploader("mem")
	p, err := New(cfg, WithSkipRender(true), WithUploaders(up))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sum.Uploads["mem"]) != 2 || len(sum.Patches["mem"]) != 1 {
		t.Fatalf("unexpected results: %+v", sum.Uploads)
	}
	if string(up.objects["metadata/0a0a0a.json"]) != `{"image":"mem://images/0a0a0a.png"}` {
		t.Fatalf("unexpected remote record: %s", up.objects["metadata/0a0a0a.json"])
	}
}

func TestSkipPublishOnlyGenerates(t *testing.T) {
	testlog.Start(t)
	rs := startRenderService(t)
	cfg := testConfig(t, rs)
	cfg.Backends = []string{"s3"}

	p, err := New(cfg, WithSkipPublish(true), WithSource(seed.NewListSource([]string{"abcdef"})))
	if err != nil {
		t.Fatalf("unconfigured backends must not be built when publish is skipped: %v", err)
	}
	sum, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sum.Fetched) != 1 || len(sum.Uploads) != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestRunWritesLedger(t *testing.T) {
	testlog.Start(t)
	mr := miniredis.RunT(t)
	rs := startRenderService(t)
	cfg := testConfig(t, rs)
	cfg.Ledger.RedisAddr = mr.Addr()

	p, _ := New(cfg, WithRunID("run-e2e"), WithUploaders(newMemUploader("mem")), WithSource(seed.NewListSource([]string{"a1b2c3"})))
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := mr.HGet("seedmint:ledger:mem", "images/a1b2c3.png"); got != "mem://images/a1b2c3.png" {
		t.Fatalf("ledger missing image location: %q", got)
	}
	if got := mr.HGet("seedmint:run:run-e2e", "patch_succeeded"); got != "1" {
		t.Fatalf("ledger missing run summary: %q", got)
	}
}

func TestBuildRegistryFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backends = []string{"gitrepo", "pinata", "s3"}
	cfg.Git.WorkDir = t.TempDir()
	cfg.Pinata.JWT = "jwt"
	cfg.S3.Endpoint = "localhost:9000"
	cfg.S3.Bucket = "cards"

	reg, err := BuildRegistry(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ups, err := reg.Select(cfg.Backends)
	if err != nil || len(ups) != 3 || ups[0].Name() != "gitrepo" || ups[2].Name() != "s3" {
		t.Fatalf("unexpected uploaders: %v %v", ups, err)
	}

	cfg.S3.Bucket = ""
	if _, err := BuildRegistry(cfg); err == nil {
		t.Fatalf("expected s3 build failure without bucket")
	}
}
