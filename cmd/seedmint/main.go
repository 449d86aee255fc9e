package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/seedmint/internal/config"
	"github.com/danmuck/seedmint/internal/logging"
	"github.com/danmuck/seedmint/internal/observability"
	"github.com/danmuck/seedmint/internal/pipeline"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type options struct {
	configPath  string
	seeds       string
	count       int
	backends    string
	batchSize   int
	skipRender  bool
	skipPublish bool
}

func parseFlags(args []string) (options, *flag.FlagSet, error) {
	var o options
	fsFlags := flag.NewFlagSet("seedmint", flag.ContinueOnError)
	fsFlags.StringVar(&o.configPath, "config", "seedmint.toml", "config path (defaults are used when the file is absent)")
	fsFlags.StringVar(&o.seeds, "seeds", "", "comma separated seed list; overrides count")
	fsFlags.IntVar(&o.count, "count", 0, "number of random seeds to generate")
	fsFlags.StringVar(&o.backends, "backend", "", "comma separated backends: s3|pinata|gitrepo")
	fsFlags.IntVar(&o.batchSize, "batch-size", -1, "concurrent uploads per batch")
	fsFlags.BoolVar(&o.skipRender, "skip-render", false, "publish what is already in the output directory")
	fsFlags.BoolVar(&o.skipPublish, "skip-publish", false, "generate artifacts without publishing")
	err := fsFlags.Parse(args)
	return o, fsFlags, err
}

// loadConfig reads path when it exists and falls back to defaults otherwise.
func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", path).Msg("seedmint config not found; using defaults")
		cfg := config.DefaultConfig()
		cfg.Normalize()
		cfg.ExpandEnv()
		return cfg, nil
	}
	return config.Load(path)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// applyFlags overlays explicitly set flags onto cfg.
func applyFlags(cfg *config.Config, o options, set map[string]bool) {
	if set["seeds"] {
		cfg.Seeds = splitList(o.seeds)
		if !set["count"] {
			cfg.Count = 0
		}
	}
	if set["count"] {
		cfg.Count = o.count
		if !set["seeds"] {
			cfg.Seeds = []string{}
		}
	}
	if set["backend"] {
		cfg.Backends = splitList(o.backends)
	}
	if set["batch-size"] {
		cfg.BatchSize = o.batchSize
	}
	cfg.Normalize()
}

func run(ctx context.Context, args []string) error {
	o, flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	set := map[string]bool{}
	flags.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	applyFlags(&cfg, o, set)
	if err := cfg.Validate(); err != nil {
		return err
	}

	p, err := pipeline.New(cfg,
		pipeline.WithSkipRender(o.skipRender),
		pipeline.WithSkipPublish(o.skipPublish),
	)
	if err != nil {
		return err
	}
	log.Info().Str("run_id", p.RunID()).Strs("backends", cfg.Backends).Msg("seedmint run starting")
	sum, err := p.Run(ctx)
	fmt.Println(sum.Report())
	return err
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "seedmint: .env: %v\n", err)
		os.Exit(1)
	}
	logging.ConfigureRuntime()
	observability.InitLogger("seedmint")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		stop()
		fmt.Fprintf(os.Stderr, "seedmint: %v\n", err)
		os.Exit(1)
	}
}
