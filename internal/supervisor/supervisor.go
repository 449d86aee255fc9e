package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/seedmint/internal/retry"
	"github.com/danmuck/seedmint/internal/tools"
	"github.com/rs/zerolog/log"
)

var (
	ErrServiceStart = errors.New("supervisor: service failed to start")
	ErrInvalidPort  = errors.New("supervisor: invalid port")
	ErrBadState     = errors.New("supervisor: invalid state transition")
)

// StartError is the fatal outcome of Start.
type StartError struct {
	Reason string
	Cause  error
}

func (e *StartError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %s: %v", ErrServiceStart, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%v: %s", ErrServiceStart, e.Reason)
}

func (e *StartError) Is(target error) bool {
	return target == ErrServiceStart
}

func (e *StartError) Unwrap() error {
	return e.Cause
}

type Config struct {
	Host string
	Port int
	// Command launches the service; empty means the service is managed
	// elsewhere and is only awaited.
	Command      []string
	WorkDir      string
	Env          []string
	HealthPath   string
	StopPath     string
	ReadyTimeout time.Duration
	PollBackoff  retry.Backoff
	StopGrace    time.Duration
	// ReclaimWait bounds how long EnsureExclusive waits for a killed
	// occupant to release the port.
	ReclaimWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         3000,
		HealthPath:   "/",
		StopPath:     "/control/stop",
		ReadyTimeout: 60 * time.Second,
		PollBackoff: retry.Backoff{
			InitialDelay: 200 * time.Millisecond,
			Multiplier:   1.5,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
		StopGrace:   5 * time.Second,
		ReclaimWait: 3 * time.Second,
	}
}

type Supervisor struct {
	cfg      Config
	runner   tools.CommandRunner
	launcher Launcher
	client   *http.Client
	goos     string
	selfPid  int
	portFree func(addr string) bool

	mu    sync.Mutex
	state State
	proc  Process
}

type Option func(*Supervisor)

func WithRunner(r tools.CommandRunner) Option {
	return func(s *Supervisor) { s.runner = r }
}

func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) { s.launcher = l }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Supervisor) { s.client = c }
}

func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, cfg.Port)
	}
	defaults := DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = defaults.Host
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = defaults.HealthPath
	}
	if cfg.StopPath == "" {
		cfg.StopPath = defaults.StopPath
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaults.ReadyTimeout
	}
	if cfg.PollBackoff.InitialDelay <= 0 {
		cfg.PollBackoff = defaults.PollBackoff
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaults.StopGrace
	}
	if cfg.ReclaimWait <= 0 {
		cfg.ReclaimWait = defaults.ReclaimWait
	}
	s := &Supervisor{
		cfg:      cfg,
		runner:   tools.ExecRunner{},
		launcher: ExecLauncher{},
		client:   &http.Client{Timeout: 5 * time.Second},
		goos:     runtime.GOOS,
		selfPid:  os.Getpid(),
		portFree: dialFree,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("supervisor.Supervisor state")
}

// Managed reports whether this supervisor launches the service itself.
func (s *Supervisor) Managed() bool {
	return len(s.cfg.Command) > 0
}

func (s *Supervisor) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

func (s *Supervisor) BaseURL() string {
	return "http://" + s.Addr()
}

// EnsureExclusive terminates whatever listens on port. Discovery or kill
// failures are logged and never returned; only a cancelled ctx is. The current
// process is never signalled. For an external service nothing is touched.
func (s *Supervisor) EnsureExclusive(ctx context.Context, port int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Managed() {
		log.Info().Int("port", port).Msg("supervisor.Supervisor.EnsureExclusive external service; reclaim skipped")
		s.setState(StatePortFree)
		return nil
	}

	pids, err := s.listeners(ctx, port)
	if err != nil {
		log.Warn().Int("port", port).Err(err).Msg("supervisor.Supervisor.EnsureExclusive port reclaim failure: discovery")
		s.setState(StatePortFree)
		return nil
	}

	killed := 0
	for _, pid := range pids {
		if pid == s.selfPid {
			continue
		}
		if err := s.kill(ctx, pid); err != nil {
			log.Warn().Int("port", port).Int("pid", pid).Err(err).Msg("supervisor.Supervisor.EnsureExclusive port reclaim failure: kill")
			continue
		}
		killed++
		log.Info().Int("port", port).Int("pid", pid).Msg("supervisor.Supervisor.EnsureExclusive terminated occupant")
	}

	if killed > 0 {
		addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
		deadline := time.Now().Add(s.cfg.ReclaimWait)
		for !s.portFree(addr) {
			if time.Now().After(deadline) {
				log.Warn().Int("port", port).Msg("supervisor.Supervisor.EnsureExclusive port still bound after reclaim")
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	s.setState(StatePortFree)
	return nil
}

func (s *Supervisor) listeners(ctx context.Context, port int) ([]int, error) {
	if s.goos == "windows" {
		args := []string{"-ano"}
		res, err := s.runner.Run(ctx, "netstat", args...)
		if err != nil {
			return nil, tools.CommandError("netstat", args, res, err)
		}
		return parseNetstat(res.Stdout, port), nil
	}
	args := []string{"-t", "-i", "tcp:" + strconv.Itoa(port), "-sTCP:LISTEN"}
	res, err := s.runner.Run(ctx, "lsof", args...)
	if err != nil {
		// lsof exits 1 with no output when nothing matches.
		if res.ExitCode == 1 && len(bytes.TrimSpace(res.Stdout)) == 0 {
			return nil, nil
		}
		return nil, tools.CommandError("lsof", args, res, err)
	}
	return parsePids(res.Stdout), nil
}

func (s *Supervisor) kill(ctx context.Context, pid int) error {
	name, args := "kill", []string{"-9", strconv.Itoa(pid)}
	if s.goos == "windows" {
		name, args = "taskkill", []string{"/F", "/PID", strconv.Itoa(pid)}
	}
	res, err := s.runner.Run(ctx, name, args...)
	if err != nil {
		return tools.CommandError(name, args, res, err)
	}
	return nil
}

func parsePids(out []byte) []int {
	seen := map[int]struct{}{}
	var pids []int
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
		if err != nil || pid <= 0 {
			continue
		}
		if _, ok := seen[pid]; ok {
			continue
		}
		seen[pid] = struct{}{}
		pids = append(pids, pid)
	}
	return pids
}

// parseNetstat picks the owning pids of LISTENING rows whose local address
// ends in :port.
func parseNetstat(out []byte, port int) []int {
	suffix := ":" + strconv.Itoa(port)
	var lines bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) || !strings.EqualFold(fields[3], "LISTENING") {
			continue
		}
		lines.WriteString(fields[len(fields)-1])
		lines.WriteByte('\n')
	}
	return parsePids(lines.Bytes())
}

func dialFree(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	if err != nil {
		return true
	}
	_ = conn.Close()
	return false
}

// Start launches the service and waits until its health path answers with
// any status below 500. Every failure is a *StartError and leaves the
// supervisor failed.
func (s *Supervisor) Start(ctx context.Context) error {
	if st := s.State(); st != StatePortFree && st != StateIdle {
		return fmt.Errorf("%w: start from %s", ErrBadState, st)
	}
	s.setState(StateStarting)

	var done <-chan struct{}
	if s.Managed() {
		proc, err := s.launcher.Launch(ctx, LaunchSpec{
			Command: s.cfg.Command,
			WorkDir: s.cfg.WorkDir,
			Env:     s.cfg.Env,
			Port:    s.cfg.Port,
		})
		if err != nil {
			return s.fail(&StartError{Reason: "launch", Cause: err})
		}
		s.mu.Lock()
		s.proc = proc
		s.mu.Unlock()
		done = proc.Done()
		log.Info().
			Strs("command", s.cfg.Command).
			Str("work_dir", s.cfg.WorkDir).
			Int("pid", proc.Pid()).
			Msg("supervisor.Supervisor.Start launched")
	}

	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()
	healthURL := s.BaseURL() + ensureSlash(s.cfg.HealthPath)
	start := time.Now()
	for attempt := 1; ; attempt++ {
		status, err := s.poll(readyCtx, healthURL)
		if err == nil && status < 500 {
			s.setState(StateReady)
			log.Info().
				Str("url", healthURL).
				Int("status", status).
				Int("attempts", attempt).
				Dur("waited", time.Since(start)).
				Msg("supervisor.Supervisor.Start ready")
			return nil
		}

		timer := time.NewTimer(s.cfg.PollBackoff.Delay(attempt, nil))
		select {
		case <-done:
			timer.Stop()
			return s.fail(&StartError{Reason: "service exited before ready", Cause: s.exitErr()})
		case <-readyCtx.Done():
			timer.Stop()
			cause := readyCtx.Err()
			if err != nil {
				cause = errors.Join(err, cause)
			}
			return s.fail(&StartError{Reason: "not ready within " + s.cfg.ReadyTimeout.String(), Cause: cause})
		case <-timer.C:
		}
	}
}

func (s *Supervisor) poll(ctx context.Context, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func (s *Supervisor) exitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return nil
	}
	return s.proc.ExitErr()
}

func (s *Supervisor) fail(err *StartError) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		_ = proc.Kill()
	}
	s.setState(StateFailed)
	log.Error().Err(err).Msg("supervisor.Supervisor.Start failed")
	return err
}

// Stop asks the service to terminate and kills the child if it outlives the
// grace period. Failures are logged and returned for reporting only; the
// supervisor always ends stopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	var errs []error
	if st := s.State(); st == StateReady || st == StateStarting {
		if err := s.requestStop(ctx); err != nil {
			log.Warn().Err(err).Msg("supervisor.Supervisor.Stop stop request failed")
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		timer := time.NewTimer(s.cfg.StopGrace)
		select {
		case <-proc.Done():
			timer.Stop()
		case <-timer.C:
			log.Warn().Int("pid", proc.Pid()).Dur("grace", s.cfg.StopGrace).Msg("supervisor.Supervisor.Stop grace expired; killing")
			if err := proc.Kill(); err != nil {
				errs = append(errs, fmt.Errorf("supervisor: kill pid=%d: %w", proc.Pid(), err))
			}
		case <-ctx.Done():
			timer.Stop()
			_ = proc.Kill()
		}
	}
	s.setState(StateStopped)
	log.Info().Msg("supervisor.Supervisor.Stop stopped")
	return errors.Join(errs...)
}

func (s *Supervisor) requestStop(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	target := s.BaseURL() + ensureSlash(s.cfg.StopPath)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("supervisor: POST %s status=%d", target, resp.StatusCode)
	}
	return nil
}

func ensureSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
