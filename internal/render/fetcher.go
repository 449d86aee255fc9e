package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/seedmint/internal/observability"
	"github.com/danmuck/seedmint/internal/progress"
	"github.com/danmuck/seedmint/internal/retry"
	"github.com/danmuck/seedmint/internal/seed"
	"github.com/danmuck/seedmint/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrUnexpectedStatus = errors.New("render: unexpected response status")
	ErrMissingBaseURL   = errors.New("render: base url required")
)

const (
	DefaultImagePath      = "/image/seed/{seed}/{scale}x"
	DefaultAttributesPath = "/attributes/seed/{seed}"
	DefaultScale          = 2
	maxBodyBytes          = 64 << 20
)

// Config describes the rendering service contract as seen by the fetcher.
type Config struct {
	BaseURL        string
	ImagePath      string
	AttributesPath string
	Scale          int
	LocationField  string
	// NameIndex appends " #<n>" to the record name, n being the 1-based
	// position of the seed in the run.
	NameIndex      bool
	MaxAttempts    int
	Backoff        retry.Backoff
	RequestTimeout time.Duration
	// Concurrency caps in-flight seeds; 0 leaves fetches unbounded.
	Concurrency int
	// RequestsPerSecond paces request starts; 0 disables pacing.
	RequestsPerSecond float64
}

func DefaultConfig() Config {
	return Config{
		ImagePath:      DefaultImagePath,
		AttributesPath: DefaultAttributesPath,
		Scale:          DefaultScale,
		LocationField:  DefaultLocationField,
		MaxAttempts:    5,
		Backoff:        retry.DefaultBackoff(),
		RequestTimeout: 30 * time.Second,
	}
}

// Artifact is the fetched image and attribute record for one seed.
type Artifact struct {
	Seed       seed.Seed
	Image      []byte
	Attributes []byte
}

// FetchError reports one seed that could not be fetched or stored.
type FetchError struct {
	Seed  seed.Seed
	Cause error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("render: fetch seed=%s: %v", e.Seed, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

type statusError struct {
	url  string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v: GET %s status=%d", ErrUnexpectedStatus, e.url, e.code)
}

func (e *statusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// Fetcher retrieves artifacts and writes them to the store. It touches no
// state besides the store and its tracker.
type Fetcher struct {
	cfg     Config
	base    *url.URL
	client  *http.Client
	store   *store.Store
	limiter *rate.Limiter
	tracker *progress.Tracker
}

type Option func(*Fetcher)

func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		if client != nil {
			f.client = client
		}
	}
}

func WithTracker(t *progress.Tracker) Option {
	return func(f *Fetcher) {
		f.tracker = t
	}
}

func NewFetcher(cfg Config, st *store.Store, opts ...Option) (*Fetcher, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrMissingBaseURL
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("render: parse base url: %w", err)
	}
	defaults := DefaultConfig()
	if cfg.ImagePath == "" {
		cfg.ImagePath = defaults.ImagePath
	}
	if cfg.AttributesPath == "" {
		cfg.AttributesPath = defaults.AttributesPath
	}
	if cfg.Scale <= 0 {
		cfg.Scale = defaults.Scale
	}
	if cfg.LocationField == "" {
		cfg.LocationField = defaults.LocationField
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}

	f := &Fetcher{
		cfg:    cfg,
		base:   base,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		store:  st,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch retrieves and stores the artifact for one seed.
func (f *Fetcher) Fetch(ctx context.Context, sd seed.Seed) (Artifact, error) {
	return f.fetch(ctx, sd, 0)
}

// FetchAll fetches every seed concurrently. One seed's failure never stops
// the others; successful artifacts are returned in seed order.
func (f *Fetcher) FetchAll(ctx context.Context, seeds []seed.Seed) ([]Artifact, []*FetchError) {
	f.tracker.Start(len(seeds))
	defer f.tracker.Stop()

	artifacts := make([]*Artifact, len(seeds))
	failures := make([]*FetchError, len(seeds))

	var g errgroup.Group
	if f.cfg.Concurrency > 0 {
		g.SetLimit(f.cfg.Concurrency)
	}
	for i, sd := range seeds {
		index := 0
		if f.cfg.NameIndex {
			index = i + 1
		}
		g.Go(func() error {
			art, err := f.fetch(ctx, sd, index)
			if err != nil {
				var fe *FetchError
				if !errors.As(err, &fe) {
					fe = &FetchError{Seed: sd, Cause: err}
				}
				failures[i] = fe
				return nil
			}
			artifacts[i] = &art
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Artifact, 0, len(seeds))
	errs := make([]*FetchError, 0)
	for i := range seeds {
		if artifacts[i] != nil {
			out = append(out, *artifacts[i])
		}
		if failures[i] != nil {
			errs = append(errs, failures[i])
		}
	}
	log.Info().
		Int("seeds", len(seeds)).
		Int("fetched", len(out)).
		Int("failed", len(errs)).
		Msg("render.Fetcher.FetchAll complete")
	return out, errs
}

func (f *Fetcher) fetch(ctx context.Context, sd seed.Seed, index int) (art Artifact, err error) {
	start := time.Now()
	defer func() {
		f.tracker.Done(err)
		observability.RecordFetch(err == nil, time.Since(start))
		if err != nil {
			log.Warn().Str("seed", sd.String()).Err(err).Msg("render.Fetcher.fetch failed")
		}
	}()

	image, err := f.get(ctx, f.resolve(f.cfg.ImagePath, sd))
	if err != nil {
		return Artifact{}, &FetchError{Seed: sd, Cause: fmt.Errorf("image: %w", err)}
	}
	rawAttrs, err := f.get(ctx, f.resolve(f.cfg.AttributesPath, sd))
	if err != nil {
		return Artifact{}, &FetchError{Seed: sd, Cause: fmt.Errorf("attributes: %w", err)}
	}
	attrs, err := NormalizeRecord(rawAttrs, f.cfg.LocationField, index)
	if err != nil {
		return Artifact{}, &FetchError{Seed: sd, Cause: err}
	}

	if err := f.store.Put(sd, store.KindImage, image); err != nil {
		return Artifact{}, &FetchError{Seed: sd, Cause: fmt.Errorf("store image: %w", err)}
	}
	if err := f.store.Put(sd, store.KindAttributes, attrs); err != nil {
		return Artifact{}, &FetchError{Seed: sd, Cause: fmt.Errorf("store attributes: %w", err)}
	}

	log.Debug().
		Str("seed", sd.String()).
		Int("image_bytes", len(image)).
		Int("record_bytes", len(attrs)).
		Dur("duration", time.Since(start)).
		Msg("render.Fetcher.fetch ok")
	return Artifact{Seed: sd, Image: image, Attributes: attrs}, nil
}

// resolve expands a path template for sd against the base URL.
func (f *Fetcher) resolve(tmpl string, sd seed.Seed) string {
	path := strings.NewReplacer(
		"{seed}", url.PathEscape(sd.String()),
		"{scale}", strconv.Itoa(f.cfg.Scale),
	).Replace(tmpl)
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return f.base.String() + path
}

// get performs one GET with retries. Transport failures and 5xx responses are
// retried because the service may still be warming up; 4xx is final.
func (f *Fetcher) get(ctx context.Context, target string) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, f.cfg.MaxAttempts, f.cfg.Backoff, retryable, func(attempt int) error {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		data, err := f.getOnce(ctx, target)
		if err != nil {
			if attempt < f.cfg.MaxAttempts && retryable(err) {
				log.Debug().Str("url", target).Int("attempt", attempt).Err(err).Msg("render.Fetcher.get retrying")
			}
			return err
		}
		body = data
		return nil
	})
	return body, err
}

func (f *Fetcher) getOnce(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &statusError{url: target, code: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
