package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/seedmint/internal/backend"
	"github.com/danmuck/seedmint/internal/seed"
	"github.com/rs/zerolog/log"
)

// Backend names accepted in the backends list.
const (
	BackendS3      = "s3"
	BackendPinata  = "pinata"
	BackendGitRepo = "gitrepo"
)

var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func D(v time.Duration) Duration {
	return Duration{Duration: v}
}

type Config struct {
	Name        string   `toml:"name"`
	OutputDir   string   `toml:"output_dir"`
	ImageDir    string   `toml:"image_dir"`
	MetadataDir string   `toml:"metadata_dir"`
	Seeds       []string `toml:"seeds"`
	Count       int      `toml:"count"`
	Backends    []string `toml:"backends"`
	BatchSize   int      `toml:"batch_size"`
	Progress    bool     `toml:"progress"`
	StatusAddr  string   `toml:"status_addr"`
	StatusToken string   `toml:"status_token"`
	CorsOrigins []string `toml:"cors_origins"`

	Render  RenderConfig  `toml:"render"`
	Publish PublishConfig `toml:"publish"`
	S3      S3Config      `toml:"s3"`
	Pinata  PinataConfig  `toml:"pinata"`
	Git     GitConfig     `toml:"git"`
	Ledger  LedgerConfig  `toml:"ledger"`
}

type RenderConfig struct {
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	Command          []string `toml:"command"`
	WorkDir          string   `toml:"work_dir"`
	Env              []string `toml:"env"`
	ImagePath        string   `toml:"image_path"`
	AttributesPath   string   `toml:"attributes_path"`
	HealthPath       string   `toml:"health_path"`
	StopPath         string   `toml:"stop_path"`
	Scale            int      `toml:"scale"`
	LocationField    string   `toml:"location_field"`
	NameSuffixIndex  bool     `toml:"name_suffix_index"`
	ReadyTimeout     Duration `toml:"ready_timeout"`
	StopGrace        Duration `toml:"stop_grace"`
	RequestTimeout   Duration `toml:"request_timeout"`
	FetchRetries     int      `toml:"fetch_retries"`
	FetchConcurrency int      `toml:"fetch_concurrency"`
	FetchRPS         float64  `toml:"fetch_rps"`
}

type PublishConfig struct {
	ImagePrefix    string `toml:"image_prefix"`
	MetadataPrefix string `toml:"metadata_prefix"`
}

type S3Config struct {
	Endpoint        string `toml:"endpoint"`
	Region          string `toml:"region"`
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	SessionToken    string `toml:"session_token"`
	UseSSL          bool   `toml:"use_ssl"`
	PublicBaseURL   string `toml:"public_base_url"`
}

type PinataConfig struct {
	APIURL     string   `toml:"api_url"`
	JWT        string   `toml:"jwt"`
	GatewayURL string   `toml:"gateway_url"`
	Timeout    Duration `toml:"timeout"`
}

type GitConfig struct {
	WorkDir       string `toml:"work_dir"`
	RemoteURL     string `toml:"remote_url"`
	Remote        string `toml:"remote"`
	Branch        string `toml:"branch"`
	CommitMessage string `toml:"commit_message"`
	RawBaseURL    string `toml:"raw_base_url"`
	AuthorName    string `toml:"author_name"`
	AuthorEmail   string `toml:"author_email"`
	Clean         bool   `toml:"clean"`
}

type LedgerConfig struct {
	RedisAddr string   `toml:"redis_addr"`
	Password  string   `toml:"password"`
	DB        int      `toml:"db"`
	KeyPrefix string   `toml:"key_prefix"`
	RunTTL    Duration `toml:"run_ttl"`
}

func DefaultConfig() Config {
	return Config{
		Name:        "seedmint",
		OutputDir:   "output",
		ImageDir:    "images",
		MetadataDir: "metadata",
		Seeds:       []string{},
		Count:       10,
		Backends:    []string{BackendGitRepo},
		BatchSize:   10,
		Progress:    true,
		StatusToken: "${SEEDMINT_STATUS_TOKEN}",
		CorsOrigins: []string{},
		Render: RenderConfig{
			Host:             "127.0.0.1",
			Port:             3000,
			Command:          []string{"node", "server.js"},
			WorkDir:          ".",
			Env:              []string{},
			ImagePath:        "/image/seed/{seed}/{scale}x",
			AttributesPath:   "/attributes/seed/{seed}",
			HealthPath:       "/",
			StopPath:         "/control/stop",
			Scale:            2,
			LocationField:    "image",
			ReadyTimeout:     D(60 * time.Second),
			StopGrace:        D(5 * time.Second),
			RequestTimeout:   D(30 * time.Second),
			FetchRetries:     5,
			FetchConcurrency: 0,
		},
		Publish: PublishConfig{
			ImagePrefix:    "images/",
			MetadataPrefix: "metadata/",
		},
		S3: S3Config{
			Region:          "us-east-1",
			AccessKeyID:     "${SEEDMINT_S3_ACCESS_KEY_ID}",
			SecretAccessKey: "${SEEDMINT_S3_SECRET_ACCESS_KEY}",
			UseSSL:          true,
		},
		Pinata: PinataConfig{
			APIURL:     "https://api.pinata.cloud",
			JWT:        "${SEEDMINT_PINATA_JWT}",
			GatewayURL: "ipfs://",
			Timeout:    D(60 * time.Second),
		},
		Git: GitConfig{
			WorkDir:       "publish",
			Remote:        "origin",
			Branch:        "main",
			CommitMessage: "Add generated images and metadata",
		},
		Ledger: LedgerConfig{
			KeyPrefix: "seedmint:",
			RunTTL:    D(30 * 24 * time.Hour),
		},
	}
}

// Load decodes path over DefaultConfig, expands ${VAR} references in
// credential fields and validates the result. An explicit seeds list
// replaces the default count; setting both is rejected.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		log.Warn().Str("path", path).Strs("keys", keys).Msg("config.Load unknown keys ignored")
	}
	if meta.IsDefined("seeds") && !meta.IsDefined("count") {
		cfg.Count = 0
	}
	cfg.Normalize()
	cfg.ExpandEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// Normalize trims list entries and drops blanks.
func (c *Config) Normalize() {
	c.Seeds = normalizeList(c.Seeds)
	c.Backends = normalizeList(c.Backends)
	for i, b := range c.Backends {
		c.Backends[i] = strings.ToLower(b)
	}
	c.Render.Command = normalizeList(c.Render.Command)
}

// ExpandEnv resolves ${VAR} references in credential and endpoint fields.
func (c *Config) ExpandEnv() {
	for _, field := range []*string{
		&c.S3.Endpoint,
		&c.S3.AccessKeyID,
		&c.S3.SecretAccessKey,
		&c.S3.SessionToken,
		&c.Pinata.JWT,
		&c.Git.RemoteURL,
		&c.Ledger.RedisAddr,
		&c.Ledger.Password,
		&c.StatusToken,
	} {
		*field = os.ExpandEnv(*field)
	}
}

func (c Config) Validate() error {
	if c.Render.Port < 1 || c.Render.Port > 65535 {
		return fmt.Errorf("%w: render.port %d out of range", ErrInvalid, c.Render.Port)
	}
	if c.Render.Scale < 1 {
		return fmt.Errorf("%w: render.scale must be positive, got %d", ErrInvalid, c.Render.Scale)
	}
	if !strings.Contains(c.Render.ImagePath, "{seed}") || !strings.Contains(c.Render.AttributesPath, "{seed}") {
		return fmt.Errorf("%w: render paths must contain {seed}", ErrInvalid)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("%w: batch_size must not be negative", ErrInvalid)
	}
	if c.Count < 0 {
		return fmt.Errorf("%w: count must not be negative", ErrInvalid)
	}
	if len(c.Seeds) == 0 && c.Count == 0 {
		return fmt.Errorf("%w: count or seeds required", ErrInvalid)
	}
	if len(c.Seeds) > 0 && c.Count > 0 {
		return fmt.Errorf("%w: seeds and count are exclusive; a seed list is used as given", ErrInvalid)
	}
	if _, err := seed.ParseList(c.Seeds); err != nil {
		return fmt.Errorf("%w: seeds: %v", ErrInvalid, err)
	}
	if strings.TrimSpace(c.OutputDir) == "" && (strings.TrimSpace(c.ImageDir) == "" || strings.TrimSpace(c.MetadataDir) == "") {
		return fmt.Errorf("%w: output_dir or both image_dir and metadata_dir required", ErrInvalid)
	}

	seen := make(map[string]struct{}, len(c.Backends))
	for _, name := range c.Backends {
		if !backend.IsValidName(name) {
			return fmt.Errorf("%w: backend name %q", ErrInvalid, name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: backend %q listed twice", ErrInvalid, name)
		}
		seen[name] = struct{}{}
		if err := c.validateBackend(name); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) validateBackend(name string) error {
	switch name {
	case BackendS3:
		if strings.TrimSpace(c.S3.Endpoint) == "" || strings.TrimSpace(c.S3.Bucket) == "" {
			return fmt.Errorf("%w: s3 requires endpoint and bucket", ErrInvalid)
		}
	case BackendPinata:
		if strings.TrimSpace(c.Pinata.JWT) == "" {
			return fmt.Errorf("%w: pinata requires jwt", ErrInvalid)
		}
	case BackendGitRepo:
		if strings.TrimSpace(c.Git.WorkDir) == "" {
			return fmt.Errorf("%w: gitrepo requires work_dir", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q (want %s, %s or %s)", ErrInvalid, name, BackendS3, BackendPinata, BackendGitRepo)
	}
	return nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
