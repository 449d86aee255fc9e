package pipeline

import (
	"fmt"

	"github.com/danmuck/seedmint/internal/backend"
	"github.com/danmuck/seedmint/internal/backend/gitrepo"
	"github.com/danmuck/seedmint/internal/backend/pinata"
	"github.com/danmuck/seedmint/internal/backend/s3"
	"github.com/danmuck/seedmint/internal/config"
)

// BuildRegistry constructs the uploaders named in cfg.Backends. Unlisted
// backends are not built, so their credentials may be absent.
func BuildRegistry(cfg config.Config) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	for _, name := range cfg.Backends {
		var (
			u   backend.Uploader
			err error
		)
		switch name {
		case config.BackendS3:
			u, err = s3.New(cfg.S3Backend())
		case config.BackendPinata:
			u, err = pinata.New(cfg.PinataBackend(), nil)
		case config.BackendGitRepo:
			u, err = gitrepo.New(cfg.GitBackend())
		default:
			err = fmt.Errorf("%w: %q", backend.ErrUnknownBackend, name)
		}
		if err != nil {
			return nil, fmt.Errorf("pipeline: build backend %s: %w", name, err)
		}
		if err := reg.Register(u); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
