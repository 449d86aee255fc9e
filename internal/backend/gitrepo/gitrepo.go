// Package gitrepo publishes files by committing them to a git repository and
// pushing once per run.
//
// Every git invocation names its working tree with `git -C`; the process
// working directory is never changed. Re-running a publish with a fresh work
// tree can push a duplicate commit for content the remote already holds.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/seedmint/internal/backend"
	"github.com/danmuck/seedmint/internal/tools"
	"github.com/rs/zerolog/log"
)

const (
	Name                 = "gitrepo"
	DefaultRemote        = "origin"
	DefaultBranch        = "main"
	DefaultCommitMessage = "Add generated images and metadata"
)

var (
	ErrMissingWorkDir   = errors.New("gitrepo: work dir required")
	ErrSandboxViolation = errors.New("gitrepo: key escapes work dir")
	ErrRepoSetup        = errors.New("gitrepo: repository setup failed")
)

type Config struct {
	WorkDir       string
	RemoteURL     string
	Remote        string
	Branch        string
	CommitMessage string
	// RawBaseURL prefixes keys to form public locations. Empty yields the
	// repo-relative path.
	RawBaseURL  string
	AuthorName  string
	AuthorEmail string
	// Clean removes the work dir before first use.
	Clean  bool
	Runner tools.CommandRunner
}

type Uploader struct {
	cfg    Config
	runner tools.CommandRunner

	setupMu sync.Mutex
	ready   bool

	mu       sync.Mutex
	staged   map[string]struct{}
	unpushed bool
}

func New(cfg Config) (*Uploader, error) {
	wd := strings.TrimSpace(cfg.WorkDir)
	if wd == "" {
		return nil, ErrMissingWorkDir
	}
	abs, err := filepath.Abs(wd)
	if err != nil {
		return nil, fmt.Errorf("gitrepo: resolve work dir: %w", err)
	}
	cfg.WorkDir = filepath.Clean(abs)
	if cfg.Remote == "" {
		cfg.Remote = DefaultRemote
	}
	if cfg.Branch == "" {
		cfg.Branch = DefaultBranch
	}
	if cfg.CommitMessage == "" {
		cfg.CommitMessage = DefaultCommitMessage
	}
	runner := cfg.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	return &Uploader{
		cfg:    cfg,
		runner: runner,
		staged: make(map[string]struct{}),
	}, nil
}

func (u *Uploader) Name() string { return Name }

// Upload writes data into the work tree at key and marks it for the next
// Flush. Nothing leaves the machine until Flush.
func (u *Uploader) Upload(ctx context.Context, data []byte, key string) (string, error) {
	if err := u.ensureRepo(ctx); err != nil {
		return "", &backend.UploadError{Backend: Name, Key: key, Cause: err}
	}
	rel, dest, err := u.resolve(key)
	if err != nil {
		return "", &backend.UploadError{Backend: Name, Key: key, Cause: err}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", &backend.UploadError{Backend: Name, Key: key, Cause: err}
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", &backend.UploadError{Backend: Name, Key: key, Cause: err}
	}

	u.mu.Lock()
	u.staged[rel] = struct{}{}
	u.mu.Unlock()
	return u.Location(rel), nil
}

func (u *Uploader) Location(rel string) string {
	if base := strings.TrimRight(u.cfg.RawBaseURL, "/"); base != "" {
		return base + "/" + rel
	}
	return rel
}

// Pending returns the repo-relative paths waiting for Flush.
func (u *Uploader) Pending() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]string, 0, len(u.staged))
	for rel := range u.staged {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

// Flush stages, commits and pushes everything written since the last flush.
// Nothing written, or nothing changed relative to HEAD, is a no-op. A commit
// whose push failed is pushed again by the next Flush.
func (u *Uploader) Flush(ctx context.Context) error {
	pending := u.Pending()
	if len(pending) == 0 && !u.needsPush() {
		log.Debug().Msg("gitrepo.Uploader.Flush nothing pending")
		return nil
	}
	if err := u.ensureRepo(ctx); err != nil {
		return err
	}
	if len(pending) > 0 {
		committed, err := u.commit(ctx, pending)
		if err != nil {
			return err
		}
		u.clear(pending)
		if !committed {
			log.Info().Int("files", len(pending)).Msg("gitrepo.Uploader.Flush no changes to commit")
		}
	}
	if !u.needsPush() {
		return nil
	}

	if err := u.git(ctx, "push", u.cfg.Remote, u.cfg.Branch); err != nil {
		return err
	}
	u.mu.Lock()
	u.unpushed = false
	u.mu.Unlock()
	log.Info().
		Int("files", len(pending)).
		Str("remote", u.cfg.Remote).
		Str("branch", u.cfg.Branch).
		Msg("gitrepo.Uploader.Flush pushed")
	return nil
}

func (u *Uploader) needsPush() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.unpushed
}

// commit stages files and commits them. It reports false when the index
// matches HEAD and nothing was committed.
func (u *Uploader) commit(ctx context.Context, files []string) (bool, error) {
	addArgs := append([]string{"add", "--"}, files...)
	if err := u.git(ctx, addArgs...); err != nil {
		return false, err
	}
	res, err := u.runner.Run(ctx, "git", "-C", u.cfg.WorkDir, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	if res.ExitCode != 1 {
		return false, tools.CommandError("git", []string{"-C", u.cfg.WorkDir, "diff", "--cached", "--quiet"}, res, err)
	}

	commitArgs := make([]string, 0, 8)
	if u.cfg.AuthorName != "" {
		commitArgs = append(commitArgs, "-c", "user.name="+u.cfg.AuthorName)
	}
	if u.cfg.AuthorEmail != "" {
		commitArgs = append(commitArgs, "-c", "user.email="+u.cfg.AuthorEmail)
	}
	commitArgs = append(commitArgs, "commit", "-m", u.cfg.CommitMessage)
	if err := u.git(ctx, commitArgs...); err != nil {
		return false, err
	}

	if u.cfg.RemoteURL == "" {
		log.Warn().Str("work_dir", u.cfg.WorkDir).Msg("gitrepo.Uploader.Flush no remote configured; push skipped")
		return true, nil
	}
	u.mu.Lock()
	u.unpushed = true
	u.mu.Unlock()
	return true, nil
}

func (u *Uploader) clear(done []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, rel := range done {
		delete(u.staged, rel)
	}
}

// ensureRepo prepares the work tree on first use. A failed attempt is
// retried on the next call.
func (u *Uploader) ensureRepo(ctx context.Context) error {
	u.setupMu.Lock()
	defer u.setupMu.Unlock()
	if u.ready {
		return nil
	}
	if err := u.setup(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRepoSetup, err)
	}
	u.ready = true
	return nil
}

func (u *Uploader) setup(ctx context.Context) error {
	wd := u.cfg.WorkDir
	if u.cfg.Clean {
		if err := os.RemoveAll(wd); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(wd, 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(wd, ".git")); errors.Is(err, os.ErrNotExist) {
		if err := u.git(ctx, "init"); err != nil {
			return err
		}
	}
	if err := u.git(ctx, "checkout", "-B", u.cfg.Branch); err != nil {
		return err
	}
	if u.cfg.RemoteURL == "" {
		return nil
	}

	res, err := u.runner.Run(ctx, "git", "-C", wd, "remote", "get-url", u.cfg.Remote)
	switch {
	case err != nil:
		if err := u.git(ctx, "remote", "add", u.cfg.Remote, u.cfg.RemoteURL); err != nil {
			return err
		}
	case strings.TrimSpace(string(res.Stdout)) != u.cfg.RemoteURL:
		if err := u.git(ctx, "remote", "set-url", u.cfg.Remote, u.cfg.RemoteURL); err != nil {
			return err
		}
	}

	// Build on top of the remote branch when it exists so the push is a
	// fast-forward. A missing branch or unreachable remote is left to push.
	if err := u.git(ctx, "fetch", u.cfg.Remote, u.cfg.Branch); err != nil {
		log.Warn().Err(err).Str("remote", u.cfg.Remote).Msg("gitrepo.Uploader.setup fetch skipped")
		return nil
	}
	return u.git(ctx, "reset", "--mixed", "FETCH_HEAD")
}

func (u *Uploader) resolve(key string) (string, string, error) {
	rel := path.Clean(strings.TrimLeft(strings.ReplaceAll(key, "\\", "/"), "/"))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || rel == ".git" || strings.HasPrefix(rel, ".git/") {
		return "", "", fmt.Errorf("%w: %q", ErrSandboxViolation, key)
	}
	dest := filepath.Join(u.cfg.WorkDir, filepath.FromSlash(rel))
	if !isWithin(dest, u.cfg.WorkDir) {
		return "", "", fmt.Errorf("%w: %q", ErrSandboxViolation, key)
	}
	return rel, dest, nil
}

func (u *Uploader) git(ctx context.Context, args ...string) error {
	full := append([]string{"-C", u.cfg.WorkDir}, args...)
	res, err := u.runner.Run(ctx, "git", full...)
	if err != nil {
		return tools.CommandError("git", full, res, err)
	}
	return nil
}

func isWithin(path string, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

var (
	_ backend.Uploader = (*Uploader)(nil)
	_ backend.Flusher  = (*Uploader)(nil)
)
