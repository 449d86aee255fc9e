package config

import (
	"path/filepath"

	"github.com/danmuck/seedmint/internal/backend/gitrepo"
	"github.com/danmuck/seedmint/internal/backend/pinata"
	"github.com/danmuck/seedmint/internal/backend/s3"
	"github.com/danmuck/seedmint/internal/ledger"
	"github.com/danmuck/seedmint/internal/publish"
	"github.com/danmuck/seedmint/internal/render"
	"github.com/danmuck/seedmint/internal/retry"
	"github.com/danmuck/seedmint/internal/supervisor"
)

// StoreDirs resolves the image and record directories. Absolute dir names
// are used as given; relative ones live under output_dir.
func (c Config) StoreDirs() (string, string) {
	return underOutput(c.OutputDir, c.ImageDir), underOutput(c.OutputDir, c.MetadataDir)
}

func underOutput(root, dir string) string {
	if filepath.IsAbs(dir) || root == "" {
		return dir
	}
	return filepath.Join(root, dir)
}

func (c Config) Supervisor() supervisor.Config {
	cfg := supervisor.DefaultConfig()
	cfg.Host = c.Render.Host
	cfg.Port = c.Render.Port
	cfg.Command = append([]string(nil), c.Render.Command...)
	cfg.WorkDir = c.Render.WorkDir
	cfg.Env = append([]string(nil), c.Render.Env...)
	cfg.HealthPath = c.Render.HealthPath
	cfg.StopPath = c.Render.StopPath
	cfg.ReadyTimeout = c.Render.ReadyTimeout.Duration
	cfg.StopGrace = c.Render.StopGrace.Duration
	return cfg
}

// Fetcher builds the fetch settings against baseURL.
func (c Config) Fetcher(baseURL string) render.Config {
	return render.Config{
		BaseURL:           baseURL,
		ImagePath:         c.Render.ImagePath,
		AttributesPath:    c.Render.AttributesPath,
		Scale:             c.Render.Scale,
		LocationField:     c.Render.LocationField,
		NameIndex:         c.Render.NameSuffixIndex,
		MaxAttempts:       c.Render.FetchRetries,
		Backoff:           retry.DefaultBackoff(),
		RequestTimeout:    c.Render.RequestTimeout.Duration,
		Concurrency:       c.Render.FetchConcurrency,
		RequestsPerSecond: c.Render.FetchRPS,
	}
}

func (c Config) KeyScheme() publish.KeyScheme {
	return publish.KeyScheme{
		ImagePrefix:     c.Publish.ImagePrefix,
		AttributePrefix: c.Publish.MetadataPrefix,
	}
}

func (c Config) S3Backend() s3.Config {
	return s3.Config{
		Endpoint:        c.S3.Endpoint,
		Region:          c.S3.Region,
		Bucket:          c.S3.Bucket,
		Prefix:          c.S3.Prefix,
		AccessKeyID:     c.S3.AccessKeyID,
		SecretAccessKey: c.S3.SecretAccessKey,
		SessionToken:    c.S3.SessionToken,
		UseSSL:          c.S3.UseSSL,
		PublicBaseURL:   c.S3.PublicBaseURL,
	}
}

func (c Config) PinataBackend() pinata.Config {
	return pinata.Config{
		APIURL:     c.Pinata.APIURL,
		JWT:        c.Pinata.JWT,
		GatewayURL: c.Pinata.GatewayURL,
		Timeout:    c.Pinata.Timeout.Duration,
	}
}

func (c Config) GitBackend() gitrepo.Config {
	return gitrepo.Config{
		WorkDir:       c.Git.WorkDir,
		RemoteURL:     c.Git.RemoteURL,
		Remote:        c.Git.Remote,
		Branch:        c.Git.Branch,
		CommitMessage: c.Git.CommitMessage,
		RawBaseURL:    c.Git.RawBaseURL,
		AuthorName:    c.Git.AuthorName,
		AuthorEmail:   c.Git.AuthorEmail,
		Clean:         c.Git.Clean,
	}
}

// LedgerEnabled reports whether a Redis address is configured.
func (c Config) LedgerEnabled() bool {
	return c.Ledger.RedisAddr != ""
}

func (c Config) LedgerBackend() ledger.Config {
	return ledger.Config{
		Addr:      c.Ledger.RedisAddr,
		Password:  c.Ledger.Password,
		DB:        c.Ledger.DB,
		KeyPrefix: c.Ledger.KeyPrefix,
		RunTTL:    c.Ledger.RunTTL.Duration,
	}
}
