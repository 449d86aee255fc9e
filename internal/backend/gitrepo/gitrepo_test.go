package gitrepo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/danmuck/seedmint/internal/backend"
	"github.com/danmuck/seedmint/internal/testutil/testlog"
	"github.com/danmuck/seedmint/internal/tools"
)

type gitFakeRunner struct {
	mu       sync.Mutex
	commands []string
	// results keyed by the git subcommand line after "-C <dir>".
	results map[string]tools.Result
	errs    map[string]error
}

func (r *gitFakeRunner) Run(_ context.Context, name string, args ...string) (tools.Result, error) {
	sub := args
	if len(args) >= 2 && args[0] == "-C" {
		sub = args[2:]
	}
	line := strings.Join(sub, " ")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, name+" "+line)
	res := r.results[line]
	if err := r.errs[line]; err != nil {
		if res.ExitCode == 0 {
			res.ExitCode = 1
		}
		return res, err
	}
	return res, nil
}

func (r *gitFakeRunner) ran(line string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.commands {
		if c == "git "+line {
			return true
		}
	}
	return false
}

func newRunner() *gitFakeRunner {
	return &gitFakeRunner{
		results: map[string]tools.Result{},
		errs: map[string]error{
			"remote get-url origin": errors.New("exit status 2"),
			"diff --cached --quiet": errors.New("exit status 1"),
		},
	}
}

func TestUploadInitialisesRepoAndWritesFile(t *testing.T) {
	testlog.Start(t)
	wd := filepath.Join(t.TempDir(), "publish")
	runner := newRunner()
	u, err := New(Config{
		WorkDir:    wd,
		RemoteURL:  "git@example.com:cards/assets.git",
		RawBaseURL: "https://raw.example.com/cards/assets/main/",
		Runner:     runner,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	loc, err := u.Upload(context.Background(), []byte("png"), "images/a1b2c3.png")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if loc != "https://raw.example.com/cards/assets/main/images/a1b2c3.png" {
		t.Fatalf("unexpected location: %s", loc)
	}
	data, err := os.ReadFile(filepath.Join(wd, "images", "a1b2c3.png"))
	if err != nil || string(data) != "png" {
		t.Fatalf("file not written: %v", err)
	}

	want := []string{
		"git init",
		"git checkout -B main",
		"git remote get-url origin",
		"git remote add origin git@example.com:cards/assets.git",
		"git fetch origin main",
		"git reset --mixed FETCH_HEAD",
	}
	if strings.Join(runner.commands, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected setup commands:\n%s", strings.Join(runner.commands, "\n"))
	}

	if _, err := u.Upload(context.Background(), []byte("json"), "metadata/a1b2c3.json"); err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if len(runner.commands) != len(want) {
		t.Fatalf("setup should run once, got %d commands", len(runner.commands))
	}
}

func TestSetupUpdatesRemoteURLAndToleratesFetchFailure(t *testing.T) {
	testlog.Start(t)
	wd := t.TempDir()
	if err := os.MkdirAll(filepath.Join(wd, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir .git: %v", err)
	}
	runner := newRunner()
	delete(runner.errs, "remote get-url origin")
	runner.results["remote get-url origin"] = tools.Result{Stdout: []byte("git@old.example.com:x.git\n")}
	runner.errs["fetch origin main"] = errors.New("couldn't find remote ref main")

	u, _ := New(Config{WorkDir: wd, RemoteURL: "git@new.example.com:x.git", Runner: runner})
	if _, err := u.Upload(context.Background(), []byte("x"), "a.png"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if runner.ran("init") {
		t.Fatalf("existing repo should not be re-initialised")
	}
	if !runner.ran("remote set-url origin git@new.example.com:x.git") {
		t.Fatalf("expected set-url, got %v", runner.commands)
	}
	if runner.ran("reset --mixed FETCH_HEAD") {
		t.Fatalf("reset must be skipped when fetch fails")
	}
}

func TestFlushCommitsAndPushesOnce(t *testing.T) {
	testlog.Start(t)
	runner := newRunner()
	u, _ := New(Config{
		WorkDir:     t.TempDir(),
		RemoteURL:   "https://example.com/r.git",
		AuthorName:  "seedmint",
		AuthorEmail: "bot@example.com",
		Runner:      runner,
	})
	ctx := context.Background()
	for _, key := range []string{"metadata/b.json", "images/b.png"} {
		if _, err := u.Upload(ctx, []byte(key), key); err != nil {
			t.Fatalf("upload %s: %v", key, err)
		}
	}
	if err := u.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	for _, line := range []string{
		"add -- images/b.png metadata/b.json",
		"-c user.name=seedmint -c user.email=bot@example.com commit -m Add generated images and metadata",
		"push origin main",
	} {
		if !runner.ran(line) {
			t.Fatalf("expected %q in %v", line, runner.commands)
		}
	}
	if len(u.Pending()) != 0 {
		t.Fatalf("pending should be cleared after flush")
	}

	before := len(runner.commands)
	if err := u.Flush(ctx); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
	if len(runner.commands) != before {
		t.Fatalf("empty flush must not run git")
	}
}

func TestFlushSkipsCommitWhenNothingChanged(t *testing.T) {
	testlog.Start(t)
	runner := newRunner()
	delete(runner.errs, "diff --cached --quiet")
	u, _ := New(Config{WorkDir: t.TempDir(), RemoteURL: "https://example.com/r.git", Runner: runner})
	if _, err := u.Upload(context.Background(), []byte("x"), "images/a.png"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := u.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if runner.ran("push origin main") {
		t.Fatalf("unchanged tree must not push")
	}
}

func TestFlushRetriesFailedPush(t *testing.T) {
	testlog.Start(t)
	runner := newRunner()
	runner.errs["push origin main"] = errors.New("rejected")
	u, _ := New(Config{WorkDir: t.TempDir(), RemoteURL: "https://example.com/r.git", Runner: runner})
	if _, err := u.Upload(context.Background(), []byte("x"), "images/a.png"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	err := u.Flush(context.Background())
	if err == nil || !strings.Contains(err.Error(), "push") {
		t.Fatalf("expected push failure, got %v", err)
	}
	if len(u.Pending()) != 0 {
		t.Fatalf("committed files should leave the pending set")
	}

	delete(runner.errs, "push origin main")
	runner.commands = nil
	if err := u.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if !runner.ran("push origin main") {
		t.Fatalf("unpushed commit was not pushed: %v", runner.commands)
	}
	for _, c := range runner.commands {
		if strings.Contains(c, "commit") || strings.Contains(c, " add ") {
			t.Fatalf("retry must only push, ran %q", c)
		}
	}

	runner.commands = nil
	if err := u.Flush(context.Background()); err != nil || len(runner.commands) != 0 {
		t.Fatalf("pushed state should make flush a no-op: %v %v", err, runner.commands)
	}
}

func TestFlushWithoutRemoteOnlyCommits(t *testing.T) {
	testlog.Start(t)
	runner := newRunner()
	u, _ := New(Config{WorkDir: t.TempDir(), Runner: runner})
	if _, err := u.Upload(context.Background(), []byte("x"), "images/a.png"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := u.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !runner.ran("commit -m Add generated images and metadata") || runner.ran("push origin main") {
		t.Fatalf("expected commit without push: %v", runner.commands)
	}
}

func TestUploadRejectsKeysOutsideWorkTree(t *testing.T) {
	testlog.Start(t)
	u, _ := New(Config{WorkDir: t.TempDir(), Runner: newRunner()})
	for _, key := range []string{"../escape.png", ".git/config", "images/../../x"} {
		_, err := u.Upload(context.Background(), []byte("x"), key)
		var ue *backend.UploadError
		if !errors.As(err, &ue) || !errors.Is(err, ErrSandboxViolation) {
			t.Fatalf("key %q: expected sandbox violation, got %v", key, err)
		}
	}
}

func TestSetupFailureSurfacesAsUploadError(t *testing.T) {
	testlog.Start(t)
	runner := newRunner()
	runner.errs["init"] = errors.New("git not found")
	u, _ := New(Config{WorkDir: t.TempDir(), Runner: runner})
	_, err := u.Upload(context.Background(), []byte("x"), "a.png")
	if !errors.Is(err, ErrRepoSetup) {
		t.Fatalf("expected ErrRepoSetup, got %v", err)
	}
}

func TestNewRequiresWorkDir(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrMissingWorkDir) {
		t.Fatalf("expected ErrMissingWorkDir, got %v", err)
	}
}
