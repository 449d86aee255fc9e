package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/seedmint/internal/auth"
	"github.com/danmuck/seedmint/internal/backend"
	"github.com/danmuck/seedmint/internal/config"
	"github.com/danmuck/seedmint/internal/ledger"
	"github.com/danmuck/seedmint/internal/patch"
	"github.com/danmuck/seedmint/internal/progress"
	"github.com/danmuck/seedmint/internal/publish"
	"github.com/danmuck/seedmint/internal/render"
	"github.com/danmuck/seedmint/internal/seed"
	"github.com/danmuck/seedmint/internal/status"
	"github.com/danmuck/seedmint/internal/store"
	"github.com/danmuck/seedmint/internal/supervisor"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ServiceController is the lifecycle surface of the rendering service.
type ServiceController interface {
	EnsureExclusive(ctx context.Context, port int) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	BaseURL() string
	State() supervisor.State
}

// ReporterFactory returns the progress display for one phase.
type ReporterFactory func(phase progress.Phase) progress.Reporter

// Summary is the outcome of one run.
type Summary struct {
	RunID       string
	Seeds       []seed.Seed
	Fetched     []seed.Seed
	FetchErrors []*render.FetchError
	// Uploads holds one result per stored file and backend: images in
	// store order, then records.
	Uploads     map[string][]publish.UploadResult
	Patches     map[string][]patch.PatchResult
	FlushErrors map[string]error
	Snapshot    progress.Snapshot
}

// Failed reports whether any item failed in any phase or any flush failed.
func (s Summary) Failed() bool {
	return s.Snapshot.Failed() || len(s.FlushErrors) > 0
}

// Report renders the per-phase summary followed by per-backend failures.
func (s Summary) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %d seeds\n", s.RunID, len(s.Seeds))
	b.WriteString(s.Snapshot.Summary())
	for _, name := range s.backends() {
		uploads := len(publish.Failures(s.Uploads[name]))
		patches := len(patch.Failures(s.Patches[name]))
		if uploads > 0 || patches > 0 {
			fmt.Fprintf(&b, "\nbackend=%s failed_uploads=%d failed_patches=%d", name, uploads, patches)
		}
		if err := s.FlushErrors[name]; err != nil {
			fmt.Fprintf(&b, "\nflush  backend=%s error=%v", name, err)
		}
	}
	return b.String()
}

// backends lists every backend named in the summary, sorted.
func (s Summary) backends() []string {
	seen := map[string]struct{}{}
	for name := range s.Uploads {
		seen[name] = struct{}{}
	}
	for name := range s.Patches {
		seen[name] = struct{}{}
	}
	for name := range s.FlushErrors {
		seen[name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type Pipeline struct {
	cfg         config.Config
	service     ServiceController
	uploaders   []backend.Uploader
	source      seed.Source
	reporters   ReporterFactory
	recorder    publish.Recorder
	runID       string
	skipRender  bool
	skipPublish bool

	state atomic.Pointer[progress.RunState]
}

type Option func(*Pipeline)

func WithService(s ServiceController) Option {
	return func(p *Pipeline) { p.service = s }
}

// WithUploaders replaces the backends built from configuration.
func WithUploaders(ups ...backend.Uploader) Option {
	return func(p *Pipeline) { p.uploaders = ups }
}

func WithSource(src seed.Source) Option {
	return func(p *Pipeline) { p.source = src }
}

func WithReporters(f ReporterFactory) Option {
	return func(p *Pipeline) { p.reporters = f }
}

// WithRecorder replaces the Redis ledger.
func WithRecorder(r publish.Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

func WithRunID(id string) Option {
	return func(p *Pipeline) { p.runID = id }
}

// WithSkipRender publishes what the store already holds without touching the
// rendering service.
func WithSkipRender(skip bool) Option {
	return func(p *Pipeline) { p.skipRender = skip }
}

// WithSkipPublish stops after fetching.
func WithSkipPublish(skip bool) Option {
	return func(p *Pipeline) { p.skipPublish = skip }
}

func New(cfg config.Config, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	if p.source == nil {
		p.source = seed.FromConfig(cfg.Seeds, cfg.Count)
	}
	if p.reporters == nil {
		p.reporters = DefaultReporters(cfg.Progress, os.Stderr)
	}
	if p.service == nil && !p.skipRender {
		sup, err := supervisor.New(cfg.Supervisor())
		if err != nil {
			return nil, err
		}
		p.service = sup
	}
	if p.uploaders == nil && !p.skipPublish {
		reg, err := BuildRegistry(cfg)
		if err != nil {
			return nil, err
		}
		ups, err := reg.Select(cfg.Backends)
		if err != nil {
			return nil, err
		}
		p.uploaders = ups
	}
	return p, nil
}

// DefaultReporters draws one bar per phase on w, or nothing when disabled.
func DefaultReporters(enabled bool, w io.Writer) ReporterFactory {
	return func(phase progress.Phase) progress.Reporter {
		if !enabled {
			return progress.Nop{}
		}
		return progress.NewBar(w, string(phase))
	}
}

func (p *Pipeline) RunID() string {
	return p.runID
}

// Snapshot returns the counters of the run in flight.
func (p *Pipeline) Snapshot() progress.Snapshot {
	return p.state.Load().Snapshot()
}

// Run executes one run. Only output setup, seed selection and service start
// failures are returned as errors; per-item failures are in the Summary.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	state := progress.NewRunState(p.runID)
	p.state.Store(state)
	sum := Summary{
		RunID:       p.runID,
		Uploads:     map[string][]publish.UploadResult{},
		Patches:     map[string][]patch.PatchResult{},
		FlushErrors: map[string]error{},
	}
	logger := log.With().Str("run_id", p.runID).Logger()
	logger.Info().
		Bool("skip_render", p.skipRender).
		Bool("skip_publish", p.skipPublish).
		Int("backends", len(p.uploaders)).
		Msg("pipeline.Pipeline.Run start")

	srv, stopStatus := p.startStatus(ctx)
	defer stopStatus()

	imageDir, attrDir := p.cfg.StoreDirs()
	st := store.New(imageDir, attrDir)
	if err := st.Init(); err != nil {
		return p.finish(sum, state), err
	}

	recorder, closeLedger := p.openRecorder(ctx)
	defer closeLedger(state)

	if !p.skipRender {
		seeds, err := p.source.Seeds()
		if err != nil {
			return p.finish(sum, state), fmt.Errorf("pipeline: seed source: %w", err)
		}
		sum.Seeds = seeds

		p.setStage(srv, "service")
		if err := p.service.EnsureExclusive(ctx, p.cfg.Render.Port); err != nil {
			return p.finish(sum, state), err
		}
		if err := p.service.Start(ctx); err != nil {
			p.stopService(ctx)
			return p.finish(sum, state), err
		}
		defer p.stopService(ctx)
		if srv != nil {
			srv.SetReady(true)
		}

		p.setStage(srv, "fetch")
		fetcher, err := render.NewFetcher(p.cfg.Fetcher(p.service.BaseURL()), st,
			render.WithTracker(state.Track(progress.PhaseFetch, p.reporters(progress.PhaseFetch))))
		if err != nil {
			return p.finish(sum, state), err
		}
		arts, ferrs := fetcher.FetchAll(ctx, seeds)
		for _, a := range arts {
			sum.Fetched = append(sum.Fetched, a.Seed)
		}
		sum.FetchErrors = ferrs
	}

	if !p.skipPublish && len(p.uploaders) > 0 {
		p.setStage(srv, "publish")
		p.publish(ctx, st, recorder, state, &sum)
	} else if !p.skipPublish {
		logger.Warn().Msg("pipeline.Pipeline.Run no backends configured; publish skipped")
	}

	p.setStage(srv, "done")
	sum = p.finish(sum, state)
	if err := ctx.Err(); err != nil {
		return sum, fmt.Errorf("pipeline: interrupted: %w", err)
	}
	return sum, nil
}

// publish sends everything in the store to each backend in turn. Images go
// first; each record is uploaded once, after the patch pass has written its
// image location. Records whose image did not publish are sent as stored.
func (p *Pipeline) publish(ctx context.Context, st *store.Store, recorder publish.Recorder, state *progress.RunState, sum *Summary) {
	coord := publish.NewCoordinator(st,
		publish.WithKeyScheme(p.cfg.KeyScheme()),
		publish.WithRecorder(recorder),
	)

	images, err := coord.Items(store.KindImage)
	if err != nil {
		log.Error().Err(err).Msg("pipeline.Pipeline.publish list store failed")
		return
	}
	records, err := coord.Items(store.KindAttributes)
	if err != nil {
		log.Error().Err(err).Msg("pipeline.Pipeline.publish list store failed")
		return
	}

	for _, up := range p.uploaders {
		name := up.Name()
		uploads := coord.Tracked(state.Track(progress.PhaseUpload, p.reporters(progress.PhaseUpload))).
			Publish(ctx, images, up, p.cfg.BatchSize)

		patcher := patch.New(st, coord,
			patch.WithLocationField(p.cfg.Render.LocationField),
			patch.WithBatchSize(p.cfg.BatchSize),
			patch.WithTracker(state.Track(progress.PhasePatch, p.reporters(progress.PhasePatch))),
		)
		patches := patcher.Finalize(ctx, uploads, up)
		sum.Patches[name] = patches

		sent := make(map[seed.Seed]publish.UploadResult, len(patches))
		for _, res := range patches {
			if res.Record.Key != "" {
				sent[res.Seed] = res.Record
			}
		}
		recordResults := make([]publish.UploadResult, len(records))
		var rest []publish.Item
		var slots []int
		for i, item := range records {
			if res, ok := sent[item.Seed]; ok {
				recordResults[i] = res
				continue
			}
			rest = append(rest, item)
			slots = append(slots, i)
		}
		if len(rest) > 0 {
			restResults := coord.Tracked(state.Track(progress.PhaseUpload, p.reporters(progress.PhaseUpload))).
				Publish(ctx, rest, up, p.cfg.BatchSize)
			for j, res := range restResults {
				recordResults[slots[j]] = res
			}
		}
		sum.Uploads[name] = append(uploads, recordResults...)
	}

	for _, up := range p.uploaders {
		if err := backend.Flush(ctx, up); err != nil {
			sum.FlushErrors[up.Name()] = err
			log.Error().Str("backend", up.Name()).Err(err).Msg("pipeline.Pipeline.publish flush failed")
		}
	}
}

// stopService stops the service even when ctx is already cancelled.
func (p *Pipeline) stopService(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Render.StopGrace.Duration+10*time.Second)
	defer cancel()
	if err := p.service.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("pipeline.Pipeline.stopService stop incomplete")
	}
}

func (p *Pipeline) openRecorder(ctx context.Context) (publish.Recorder, func(*progress.RunState)) {
	if p.recorder != nil {
		return p.recorder, func(*progress.RunState) {}
	}
	if !p.cfg.LedgerEnabled() {
		return nil, func(*progress.RunState) {}
	}
	l, err := ledger.Open(ctx, p.cfg.LedgerBackend(), p.runID)
	if err != nil {
		log.Warn().Err(err).Msg("pipeline.Pipeline.openRecorder ledger unavailable; continuing without")
		return nil, func(*progress.RunState) {}
	}
	return l, func(state *progress.RunState) {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.RecordRun(writeCtx, state.Snapshot()); err != nil {
			log.Warn().Err(err).Msg("pipeline.Pipeline.Run ledger summary not written")
		}
		_ = l.Close()
	}
}

// startStatus serves the status endpoints for the duration of the run.
func (p *Pipeline) startStatus(ctx context.Context) (*status.Server, func()) {
	if p.cfg.StatusAddr == "" {
		return nil, func() {}
	}
	srv := status.New(p.cfg.Name, p.cfg.StatusAddr, p.cfg.CorsOrigins, p.Snapshot)
	if token := p.cfg.StatusToken; token != "" {
		srv.RequireToken(auth.StaticToken{Token: token})
	}
	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(serveCtx); err != nil {
			log.Warn().Err(err).Msg("pipeline.Pipeline.startStatus status server stopped")
		}
	}()
	return srv, func() {
		cancel()
		<-done
	}
}

func (p *Pipeline) setStage(srv *status.Server, stage string) {
	if srv != nil {
		srv.SetStage(stage)
	}
	log.Debug().Str("run_id", p.runID).Str("stage", stage).Msg("pipeline.Pipeline.Run stage")
}

func (p *Pipeline) finish(sum Summary, state *progress.RunState) Summary {
	sum.Snapshot = state.Snapshot()
	for _, line := range strings.Split(sum.Snapshot.Summary(), "\n") {
		log.Info().Str("run_id", p.runID).Msg("pipeline.summary " + line)
	}
	for _, name := range sum.backends() {
		if err := sum.FlushErrors[name]; err != nil {
			log.Info().Str("run_id", p.runID).Str("backend", name).Err(err).Msg("pipeline.summary flush failed")
		}
	}
	return sum
}
