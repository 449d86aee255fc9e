// Package ledger keeps a Redis record of what each run published and where.
//
// Layout, with the default "seedmint:" prefix:
//
//	seedmint:ledger:<backend>   hash  key -> public location
//	seedmint:run:<run id>       hash  started, elapsed_ms, <phase>_<counter>, uploads_<backend>
//	seedmint:runs               zset  run id scored by start time
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/seedmint/internal/progress"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultKeyPrefix = "seedmint:"

var ErrMissingAddr = errors.New("ledger: redis address required")

type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// RunTTL expires per-run summary hashes; 0 keeps them.
	RunTTL time.Duration
}

type Ledger struct {
	client *redis.Client
	prefix string
	runID  string
	runTTL time.Duration
}

// Open connects and pings Redis before returning.
func Open(ctx context.Context, cfg Config, runID string) (*Ledger, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, ErrMissingAddr
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ledger: connect %s: %w", cfg.Addr, err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	log.Debug().Str("addr", cfg.Addr).Str("run_id", runID).Msg("ledger.Open connected")
	return &Ledger{client: client, prefix: prefix, runID: runID, runTTL: cfg.RunTTL}, nil
}

func (l *Ledger) Close() error {
	return l.client.Close()
}

func (l *Ledger) backendKey(backend string) string {
	return l.prefix + "ledger:" + backend
}

func (l *Ledger) runKey(runID string) string {
	return l.prefix + "run:" + runID
}

func (l *Ledger) runsKey() string {
	return l.prefix + "runs"
}

// RecordUpload stores the location of one published object and counts it
// against the current run.
func (l *Ledger) RecordUpload(ctx context.Context, backend, key, location string) error {
	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, l.backendKey(backend), key, location)
	pipe.HIncrBy(ctx, l.runKey(l.runID), "uploads_"+backend, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ledger: record %s/%s: %w", backend, key, err)
	}
	return nil
}

// RecordRun writes the final per-phase counters for the run.
func (l *Ledger) RecordRun(ctx context.Context, snap progress.Snapshot) error {
	fields := map[string]any{
		"started":    snap.Started.UTC().Format(time.RFC3339),
		"elapsed_ms": snap.Elapsed.Milliseconds(),
		"failed":     strconv.FormatBool(snap.Failed()),
	}
	for p, c := range snap.Phases {
		fields[string(p)+"_attempted"] = c.Attempted
		fields[string(p)+"_succeeded"] = c.Succeeded
		fields[string(p)+"_failed"] = c.Failed
	}

	key := l.runKey(snap.RunID)
	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.ZAdd(ctx, l.runsKey(), redis.Z{Score: float64(snap.Started.Unix()), Member: snap.RunID})
	if l.runTTL > 0 {
		pipe.Expire(ctx, key, l.runTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ledger: record run %s: %w", snap.RunID, err)
	}
	return nil
}
