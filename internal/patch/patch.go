// Package patch rewrites published attribute records with the resolved
// location of their image and republishes them.
package patch

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/seedmint/internal/backend"
	"github.com/danmuck/seedmint/internal/observability"
	"github.com/danmuck/seedmint/internal/progress"
	"github.com/danmuck/seedmint/internal/publish"
	"github.com/danmuck/seedmint/internal/render"
	"github.com/danmuck/seedmint/internal/seed"
	"github.com/danmuck/seedmint/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var ErrInconsistent = errors.New("patch: record inconsistent with published image")

// Inconsistency reports an image that was published but whose record could
// not be patched. It never aborts the pass.
type Inconsistency struct {
	Seed    seed.Seed
	Backend string
	Reason  string
	Cause   error
}

func (e *Inconsistency) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("patch: seed=%s backend=%s: %s: %v", e.Seed, e.Backend, e.Reason, e.Cause)
	}
	return fmt.Sprintf("patch: seed=%s backend=%s: %s", e.Seed, e.Backend, e.Reason)
}

func (e *Inconsistency) Is(target error) bool {
	return target == ErrInconsistent
}

func (e *Inconsistency) Unwrap() error {
	return e.Cause
}

// PatchResult is the outcome for one published image.
type PatchResult struct {
	Seed     seed.Seed
	Backend  string
	Location string
	// Record is the re-upload of the patched record; zero when patching
	// failed locally.
	Record publish.UploadResult
	Err    error
}

func (r PatchResult) OK() bool {
	return r.Err == nil
}

type Patcher struct {
	store     *store.Store
	coord     *publish.Coordinator
	field     string
	batchSize int
	tracker   *progress.Tracker
}

type Option func(*Patcher)

// WithLocationField names the record field that receives the location.
func WithLocationField(field string) Option {
	return func(p *Patcher) {
		if field != "" {
			p.field = field
		}
	}
}

// WithBatchSize bounds concurrent record re-uploads.
func WithBatchSize(n int) Option {
	return func(p *Patcher) { p.batchSize = n }
}

func WithTracker(t *progress.Tracker) Option {
	return func(p *Patcher) { p.tracker = t }
}

func New(st *store.Store, coord *publish.Coordinator, opts ...Option) *Patcher {
	p := &Patcher{
		store:     st,
		coord:     coord.Tracked(nil),
		field:     render.DefaultLocationField,
		batchSize: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Finalize patches the record of every successful image result for up and
// re-uploads it to up under its record key. Results for other backends,
// failed uploads and non-image items are ignored.
func (p *Patcher) Finalize(ctx context.Context, results []publish.UploadResult, up backend.Uploader) []PatchResult {
	var eligible []publish.UploadResult
	for _, res := range results {
		if res.OK() && res.Kind == store.KindImage && res.Backend == up.Name() {
			eligible = append(eligible, res)
		}
	}

	p.tracker.Start(len(eligible))
	defer p.tracker.Stop()

	out := make([]PatchResult, len(eligible))
	var items []publish.Item
	var slots []int
	for i, res := range eligible {
		out[i] = PatchResult{Seed: res.Seed, Backend: res.Backend, Location: res.Location}
		if err := p.patchLocal(res.Seed, res.Location); err != nil {
			out[i].Err = &Inconsistency{Seed: res.Seed, Backend: res.Backend, Reason: reason(err), Cause: err}
			continue
		}
		items = append(items, p.coord.Item(res.Seed, store.KindAttributes))
		slots = append(slots, i)
	}

	uploads := p.coord.Publish(ctx, items, up, p.batchSize)
	for j, rec := range uploads {
		i := slots[j]
		out[i].Record = rec
		if !rec.OK() {
			out[i].Err = rec.Err
		}
	}

	failed := 0
	for _, res := range out {
		p.tracker.Done(res.Err)
		observability.RecordPatch(res.Backend, res.OK())
		if !res.OK() {
			failed++
			log.Warn().Str("seed", res.Seed.String()).Str("backend", res.Backend).Err(res.Err).Msg("patch.Patcher.Finalize record not patched")
		}
	}
	log.Info().
		Str("backend", up.Name()).
		Int("patched", len(out)-failed).
		Int("failed", failed).
		Msg("patch.Patcher.Finalize complete")
	return out
}

var (
	errRecordMissing = errors.New("record missing")
	errRecordInvalid = errors.New("record is not a JSON object")
)

func reason(err error) string {
	switch {
	case errors.Is(err, errRecordMissing):
		return "record missing"
	case errors.Is(err, errRecordInvalid):
		return "record invalid"
	default:
		return "record not persisted"
	}
}

// patchLocal sets the location field of the stored record. Only that value
// changes; every other byte is preserved.
func (p *Patcher) patchLocal(sd seed.Seed, location string) error {
	raw, err := p.store.Get(sd, store.KindAttributes)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %v", errRecordMissing, err)
		}
		return err
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return errRecordInvalid
	}
	patched, err := sjson.SetBytes(raw, p.field, location)
	if err != nil {
		return fmt.Errorf("%w: %v", errRecordInvalid, err)
	}
	return p.store.Put(sd, store.KindAttributes, patched)
}

// Failures returns the unsuccessful patch results.
func Failures(results []PatchResult) []PatchResult {
	var out []PatchResult
	for _, res := range results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}
