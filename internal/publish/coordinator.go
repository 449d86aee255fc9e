package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/seedmint/internal/backend"
	"github.com/danmuck/seedmint/internal/observability"
	"github.com/danmuck/seedmint/internal/progress"
	"github.com/danmuck/seedmint/internal/seed"
	"github.com/danmuck/seedmint/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Item is one stored file pending upload.
type Item struct {
	Seed seed.Seed
	Kind store.Kind
	Key  string
}

// UploadResult is the outcome of one item against one backend.
type UploadResult struct {
	Seed     seed.Seed
	Kind     store.Kind
	Key      string
	Backend  string
	Location string
	Err      error
}

func (r UploadResult) OK() bool {
	return r.Err == nil
}

// KeyScheme maps stored files to remote keys.
type KeyScheme struct {
	ImagePrefix     string
	AttributePrefix string
}

func DefaultKeyScheme() KeyScheme {
	return KeyScheme{ImagePrefix: "images/", AttributePrefix: "metadata/"}
}

func (k KeyScheme) Key(sd seed.Seed, kind store.Kind) string {
	prefix := k.ImagePrefix
	if kind == store.KindAttributes {
		prefix = k.AttributePrefix
	}
	return prefix + store.FileName(sd, kind)
}

// Recorder receives every successful upload. Errors are logged only.
type Recorder interface {
	RecordUpload(ctx context.Context, backend, key, location string) error
}

type Coordinator struct {
	store    *store.Store
	keys     KeyScheme
	tracker  *progress.Tracker
	recorder Recorder
}

type Option func(*Coordinator)

func WithKeyScheme(k KeyScheme) Option {
	return func(c *Coordinator) { c.keys = k }
}

func WithTracker(t *progress.Tracker) Option {
	return func(c *Coordinator) { c.tracker = t }
}

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

func NewCoordinator(st *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{store: st, keys: DefaultKeyScheme()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tracked returns a copy of c that reports to t instead.
func (c *Coordinator) Tracked(t *progress.Tracker) *Coordinator {
	cp := *c
	cp.tracker = t
	return &cp
}

// Item builds the pending upload for one stored file.
func (c *Coordinator) Item(sd seed.Seed, kind store.Kind) Item {
	return Item{Seed: sd, Kind: kind, Key: c.keys.Key(sd, kind)}
}

// Items lists every stored file of the given kinds, kind by kind, seeds
// sorted within each kind.
func (c *Coordinator) Items(kinds ...store.Kind) ([]Item, error) {
	var items []Item
	for _, kind := range kinds {
		seeds, err := c.store.List(kind)
		if err != nil {
			return nil, err
		}
		for _, sd := range seeds {
			items = append(items, c.Item(sd, kind))
		}
	}
	return items, nil
}

// Partition splits items into consecutive groups of at most size elements.
// A size below 1 is treated as 1.
func Partition[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	groups := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		groups = append(groups, items[start:end])
	}
	return groups
}

// Publish uploads items in groups of batchSize. Uploads within a group run
// concurrently and the whole group finishes before the next one starts. Every
// item yields exactly one result, in input order; failures never cancel
// siblings or later groups.
func (c *Coordinator) Publish(ctx context.Context, items []Item, up backend.Uploader, batchSize int) []UploadResult {
	results := make([]UploadResult, len(items))
	groups := Partition(items, batchSize)

	c.tracker.Start(len(items))
	defer c.tracker.Stop()

	offset := 0
	for n, group := range groups {
		var g errgroup.Group
		for i, item := range group {
			idx := offset + i
			g.Go(func() error {
				res := c.Upload(ctx, item, up)
				c.tracker.Done(res.Err)
				results[idx] = res
				return nil
			})
		}
		_ = g.Wait()
		offset += len(group)
		log.Debug().
			Str("backend", up.Name()).
			Int("batch", n+1).
			Int("batches", len(groups)).
			Int("size", len(group)).
			Msg("publish.Coordinator.Publish batch done")
	}

	failed := 0
	for _, res := range results {
		if !res.OK() {
			failed++
		}
	}
	log.Info().
		Str("backend", up.Name()).
		Int("items", len(items)).
		Int("batches", len(groups)).
		Int("failed", failed).
		Msg("publish.Coordinator.Publish complete")
	return results
}

// Upload reads one item from the store and sends it to up.
func (c *Coordinator) Upload(ctx context.Context, item Item, up backend.Uploader) UploadResult {
	res := UploadResult{Seed: item.Seed, Kind: item.Kind, Key: item.Key, Backend: up.Name()}
	start := time.Now()
	defer func() {
		observability.RecordUpload(res.Backend, item.Kind.String(), res.OK(), time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		res.Err = &backend.UploadError{Backend: res.Backend, Key: item.Key, Cause: err}
		return res
	}
	data, err := c.store.Get(item.Seed, item.Kind)
	if err != nil {
		res.Err = &backend.UploadError{Backend: res.Backend, Key: item.Key, Cause: fmt.Errorf("read local: %w", err)}
		return res
	}
	loc, err := backend.SafeUpload(ctx, up, data, item.Key)
	if err != nil {
		res.Err = err
		log.Warn().Str("backend", res.Backend).Str("key", item.Key).Err(err).Msg("publish.Coordinator.Upload failed")
		return res
	}
	res.Location = loc

	if c.recorder != nil {
		if err := c.recorder.RecordUpload(ctx, res.Backend, item.Key, loc); err != nil {
			log.Warn().Str("backend", res.Backend).Str("key", item.Key).Err(err).Msg("publish.Coordinator.Upload ledger write failed")
		}
	}
	return res
}

// Failures returns the failed results.
func Failures(results []UploadResult) []UploadResult {
	var out []UploadResult
	for _, res := range results {
		if !res.OK() {
			out = append(out, res)
		}
	}
	return out
}
