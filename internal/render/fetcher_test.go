package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/seedmint/internal/progress"
	"github.com/danmuck/seedmint/internal/retry"
	"github.com/danmuck/seedmint/internal/seed"
	"github.com/danmuck/seedmint/internal/store"
	"github.com/danmuck/seedmint/internal/testutil/testlog"
	"github.com/tidwall/gjson"
)

// fakeRenderService mimics the rendering contract with deterministic output.
func fakeRenderService(t *testing.T, failSeeds map[string]int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/image/seed/{seed}/{scale}", func(w http.ResponseWriter, r *http.Request) {
		sd := r.PathValue("seed")
		if code, ok := failSeeds[sd]; ok {
			w.WriteHeader(code)
			return
		}
		if r.PathValue("scale") != "2x" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprintf(w, "\x89PNG-%s", sd)
	})
	mux.HandleFunc("/attributes/seed/{seed}", func(w http.ResponseWriter, r *http.Request) {
		sd := r.PathValue("seed")
		w.Header().Set("Content-Type", "application/json")
		if sd == "badjson" {
			fmt.Fprint(w, `{"name": `)
			return
		}
		fmt.Fprintf(w, `{"name":"Card %s","description":"seeded","attributes":[{"trait_type":"Race","value":"Elf"}]}`, sd)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newFetcher(t *testing.T, baseURL string, mutate func(*Config), opts ...Option) (*Fetcher, *store.Store) {
	t.Helper()
	root := t.TempDir()
	st := store.New(filepath.Join(root, "images"), filepath.Join(root, "metadata"))
	if err := st.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.MaxAttempts = 3
	cfg.Backoff = retry.Backoff{InitialDelay: time.Millisecond, Multiplier: 1}
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := NewFetcher(cfg, st, opts...)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	return f, st
}

func TestFetchStoresBothFilesBySeed(t *testing.T) {
	testlog.Start(t)
	srv := fakeRenderService(t, nil)
	f, st := newFetcher(t, srv.URL, nil)

	art, err := f.Fetch(context.Background(), "a1b2c3")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(art.Image) != "\x89PNG-a1b2c3" {
		t.Fatalf("unexpected image: %q", art.Image)
	}
	if got := gjson.GetBytes(art.Attributes, "image"); !got.Exists() || got.String() != "" {
		t.Fatalf("expected empty image placeholder, got %s", art.Attributes)
	}

	img, err := st.Get("a1b2c3", store.KindImage)
	if err != nil || !bytes.Equal(img, art.Image) {
		t.Fatalf("stored image mismatch: %v", err)
	}
	rec, err := st.Get("a1b2c3", store.KindAttributes)
	if err != nil || !bytes.Equal(rec, art.Attributes) {
		t.Fatalf("stored record mismatch: %v", err)
	}
}

func TestFetchIsDeterministicPerSeed(t *testing.T) {
	testlog.Start(t)
	srv := fakeRenderService(t, nil)
	f, _ := newFetcher(t, srv.URL, nil)

	first, err := f.Fetch(context.Background(), "0000ff")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	second, err := f.Fetch(context.Background(), "0000ff")
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if !bytes.Equal(first.Image, second.Image) || !bytes.Equal(first.Attributes, second.Attributes) {
		t.Fatalf("expected byte-identical artifacts")
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/image/seed/{seed}/{scale}", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "img")
	})
	mux.HandleFunc("/attributes/seed/{seed}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"x"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, _ := newFetcher(t, srv.URL, nil)
	if _, err := f.Fetch(context.Background(), "abc123"); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 image calls, got %d", calls.Load())
	}
}

func TestFetchDoesNotRetryNotFound(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f, _ := newFetcher(t, srv.URL, func(c *Config) { c.Scale = 9 })
	_, err := f.Fetch(context.Background(), "abc123")
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Seed != "abc123" || !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one call, got %d", calls.Load())
	}
}

func TestFetchRetriesConnectionRefused(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f, _ := newFetcher(t, addr, nil)
	_, err := f.Fetch(context.Background(), "abc123")
	if !errors.Is(err, retry.ErrAttemptsExhausted) {
		t.Fatalf("expected exhausted retries on refused connection, got %v", err)
	}
}

func TestFetchAllIsolatesFailures(t *testing.T) {
	testlog.Start(t)
	srv := fakeRenderService(t, map[string]int{"dead01": http.StatusBadRequest})
	state := progress.NewRunState("test")
	f, st := newFetcher(t, srv.URL, nil, WithTracker(state.Track(progress.PhaseFetch, nil)))

	seeds := []seed.Seed{"aaaaaa", "dead01", "badjson", "bbbbbb"}
	arts, errs := f.FetchAll(context.Background(), seeds)
	if len(arts) != 2 || arts[0].Seed != "aaaaaa" || arts[1].Seed != "bbbbbb" {
		t.Fatalf("unexpected artifacts: %+v", arts)
	}
	if len(errs) != 2 || errs[0].Seed != "dead01" || errs[1].Seed != "badjson" {
		t.Fatalf("unexpected errors: %+v", errs)
	}
	if !errors.Is(errs[1], ErrInvalidRecord) {
		t.Fatalf("expected invalid record error, got %v", errs[1])
	}

	images, _ := st.List(store.KindImage)
	if len(images) != 2 {
		t.Fatalf("failed seeds must not leave images behind: %v", images)
	}
	counts := state.Snapshot().Phases[progress.PhaseFetch]
	if counts.Attempted != 4 || counts.Succeeded != 2 || counts.Failed != 2 {
		t.Fatalf("unexpected counters: %+v", counts)
	}
}

func TestFetchAllAppliesNameIndex(t *testing.T) {
	testlog.Start(t)
	srv := fakeRenderService(t, nil)
	f, _ := newFetcher(t, srv.URL, func(c *Config) {
		c.NameIndex = true
		c.Concurrency = 1
	})
	arts, errs := f.FetchAll(context.Background(), []seed.Seed{"aaaaaa", "bbbbbb"})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if name := gjson.GetBytes(arts[1].Attributes, "name").String(); name != "Card bbbbbb #2" {
		t.Fatalf("unexpected name: %q", name)
	}
}

func TestCustomPathTemplates(t *testing.T) {
	testlog.Start(t)
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/metadata") {
			fmt.Fprint(w, `{"name":"n","image":"keep"}`)
			return
		}
		fmt.Fprint(w, "img")
	}))
	defer srv.Close()

	f, _ := newFetcher(t, srv.URL+"/", func(c *Config) {
		c.ImagePath = "/v1/card/seed/{seed}/{scale}x.png"
		c.AttributesPath = "v1/seed/{seed}/metadata"
		c.Scale = 3
	})
	art, err := f.Fetch(context.Background(), "c0ffee")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(seen) != 2 || seen[0] != "/v1/card/seed/c0ffee/3x.png" || seen[1] != "/v1/seed/c0ffee/metadata" {
		t.Fatalf("unexpected paths: %v", seen)
	}
	if gjson.GetBytes(art.Attributes, "image").String() != "keep" {
		t.Fatalf("existing placeholder should be preserved: %s", art.Attributes)
	}
}

func TestNewFetcherRequiresBaseURL(t *testing.T) {
	if _, err := NewFetcher(DefaultConfig(), nil); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected ErrMissingBaseURL, got %v", err)
	}
}
