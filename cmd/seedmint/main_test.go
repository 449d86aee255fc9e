package main

import (
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/danmuck/seedmint/internal/config"
	"github.com/danmuck/seedmint/internal/testutil/testlog"
)

func parsed(t *testing.T, args ...string) (options, map[string]bool) {
	t.Helper()
	o, flags, err := parseFlags(args)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	set := map[string]bool{}
	flags.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return o, set
}

func TestFlagsOverrideConfig(t *testing.T) {
	testlog.Start(t)
	cfg := config.DefaultConfig()
	o, set := parsed(t, "-seeds", " a1b2c3, ,0f0f0f", "-backend", "S3,pinata", "-batch-size", "3", "-skip-render")
	applyFlags(&cfg, o, set)

	if !reflect.DeepEqual(cfg.Seeds, []string{"a1b2c3", "0f0f0f"}) {
		t.Fatalf("unexpected seeds: %v", cfg.Seeds)
	}
	if cfg.Count != 0 {
		t.Fatalf("seeds without count should clear count, got %d", cfg.Count)
	}
	if !reflect.DeepEqual(cfg.Backends, []string{"s3", "pinata"}) {
		t.Fatalf("unexpected backends: %v", cfg.Backends)
	}
	if cfg.BatchSize != 3 || !o.skipRender || o.skipPublish {
		t.Fatalf("unexpected overrides: batch=%d opts=%+v", cfg.BatchSize, o)
	}
}

func TestUnsetFlagsKeepConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Seeds = []string{"abcdef"}
	cfg.BatchSize = 7
	o, set := parsed(t)
	applyFlags(&cfg, o, set)
	if cfg.BatchSize != 7 || len(cfg.Seeds) != 1 || cfg.Backends[0] != config.BackendGitRepo {
		t.Fatalf("config changed without flags: %+v", cfg)
	}

	o, set = parsed(t, "-count", "4")
	applyFlags(&cfg, o, set)
	if cfg.Count != 4 || len(cfg.Seeds) != 0 {
		t.Fatalf("count flag should replace the seed list: count=%d seeds=%v", cfg.Count, cfg.Seeds)
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Count != config.DefaultConfig().Count {
		t.Fatalf("expected default count, got %d", cfg.Count)
	}

	path := filepath.Join(t.TempDir(), "seedmint.toml")
	if err := os.WriteFile(path, []byte("batch_size = -2\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Fatalf("expected invalid config error")
	}
}

func TestRunRejectsInvalidOverrides(t *testing.T) {
	testlog.Start(t)
	missing := filepath.Join(t.TempDir(), "missing.toml")
	if err := run(t.Context(), []string{"-config", missing, "-backend", "ftp"}); err == nil {
		t.Fatalf("expected unknown backend to be rejected")
	}
	if err := run(t.Context(), []string{"-config", missing, "-seeds", "nothex!"}); err == nil {
		t.Fatalf("expected bad seed to be rejected")
	}
	if err := run(t.Context(), []string{"-config", missing, "-seeds", "abcdef", "-count", "3"}); err == nil {
		t.Fatalf("expected seeds with count to be rejected")
	}
}
