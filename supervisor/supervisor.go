package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrAbandoned is returned when the restart budget is exhausted.
var ErrAbandoned = errors.New("restart budget exhausted, giving up")

// Supervisor runs the server process in a restart loop.
type Supervisor struct {
	log    *zap.Logger
	cfg    Config
	client *http.Client
	window *restartWindow

	// crashed is set when output scanning saw a crash signature during the
	// current run.
	crashed bool
}

// New creates a Supervisor.
func New(log *zap.Logger, cfg Config) *Supervisor {
	return &Supervisor{
		log:    log.Named("supervisor"),
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.HealthTimeout},
		window: newRestartWindow(cfg.MaxRestarts, cfg.RestartWindow),
	}
}

// Run supervises until ctx is cancelled or the restart budget runs out.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.crashed = false
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn("server exited", zap.Error(err), zap.Bool("crash_signature", s.crashed))

		if !s.window.record(time.Now()) {
			s.log.Error("too many restarts in window",
				zap.Int("max_restarts", s.cfg.MaxRestarts),
				zap.Duration("window", s.cfg.RestartWindow))
			return ErrAbandoned
		}
		s.log.Info("restarting server", zap.Duration("backoff", s.cfg.Backoff))
		select {
		case <-time.After(s.cfg.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce starts the server and blocks until it exits or must be killed.
func (s *Supervisor) runOnce(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.log.Info("server started", zap.Int("pid", cmd.Process.Pid))

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.scanOutput(stdout, "stdout", cancel) })
	g.Go(func() error { return s.scanOutput(stderr, "stderr", cancel) })
	g.Go(func() error { return s.monitor(gctx, cmd.Process.Pid, cancel) })

	waitErr := cmd.Wait()
	cancel()
	_ = g.Wait()
	return waitErr
}

// scanOutput mirrors the child's output into the supervisor log and kills
// the run on the first crash signature.
func (s *Supervisor) scanOutput(r io.Reader, stream string, kill context.CancelFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.log.Debug("server output", zap.String("stream", stream), zap.String("line", line))
		if sig := s.matchSignature(line); sig != "" {
			s.crashed = true
			s.log.Error("crash signature detected",
				zap.String("signature", sig),
				zap.String("line", line))
			kill()
			// Keep draining so the child cannot block on a full pipe.
		}
	}
	return nil
}

func (s *Supervisor) matchSignature(line string) string {
	for _, sig := range s.cfg.CrashSignatures {
		if strings.Contains(line, sig) {
			return sig
		}
	}
	return ""
}

// monitor waits for the server to become healthy, replays the journal once
// it is, then keeps polling health and memory. After startup, probe
// failures and memory pressure are warnings only; a restart happens when
// the child exits, never from the monitor.
func (s *Supervisor) monitor(ctx context.Context, pid int, kill context.CancelFunc) error {
	if err := s.awaitHealthy(ctx); err != nil {
		if ctx.Err() == nil {
			s.log.Error("server never became healthy", zap.Error(err))
			kill()
		}
		return nil
	}
	s.log.Info("server healthy")

	if s.cfg.JournalDir != "" {
		if err := s.replayJournal(ctx); err != nil {
			s.log.Warn("journal replay incomplete", zap.Error(err))
		}
	}

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.checkHealth(ctx); err != nil {
				s.log.Warn("health probe failed", zap.Error(err))
			}
			if s.cfg.MemoryLimitGB > 0 {
				if rss, err := readRSSGB(pid); err == nil && rss > s.cfg.MemoryLimitGB {
					s.log.Warn("server over soft memory limit",
						zap.Float64("rss_gb", rss),
						zap.Float64("limit_gb", s.cfg.MemoryLimitGB))
				}
			}
		}
	}
}

func (s *Supervisor) awaitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.StartupGrace)
	for time.Now().Before(deadline) {
		if err := s.checkHealth(ctx); err == nil {
			return nil
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("no healthy response within %s", s.cfg.StartupGrace)
}

func (s *Supervisor) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.HealthURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

// readRSSGB reads the resident set size of pid from /proc. Only meaningful
// on Linux; callers treat errors as "unknown" and skip the check.
func readRSSGB(pid int) (float64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, err
		}
		return kb / (1024 * 1024), nil
	}
	return 0, fmt.Errorf("VmRSS not found for pid %d", pid)
}

// restartWindow tracks restart timestamps and enforces the budget.
type restartWindow struct {
	max    int
	window time.Duration
	times  []time.Time
}

func newRestartWindow(max int, window time.Duration) *restartWindow {
	return &restartWindow{max: max, window: window}
}

// record registers a restart at t and reports whether it is still within
// budget.
func (w *restartWindow) record(t time.Time) bool {
	cutoff := t.Add(-w.window)
	kept := w.times[:0]
	for _, ts := range w.times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.times = append(kept, t)
	return len(w.times) <= w.max
}
