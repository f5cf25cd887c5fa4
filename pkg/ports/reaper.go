package ports

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GaryChine-byte/phonefleet/pkg/channel"
)

// zombieGrace is how long a listener may sit unmatched by any live device
// before the reaper kills it.
const zombieGrace = 10 * time.Minute

// Listener is one locally listening socket with its owning process.
type Listener struct {
	Port int
	PID  int
}

// LiveSet answers "which band ports belong to a device we currently believe
// online". Implemented by the registry.
type LiveSet interface {
	LivePorts() map[int]bool
}

var (
	// ss -tlnp line: LISTEN 0 4096 127.0.0.1:6100 ... users:(("frpc",pid=1234,fd=8))
	ssAddrRe = regexp.MustCompile(`[\d.\[\]:*]+:(\d+)\s`)
	ssPidRe  = regexp.MustCompile(`pid=(\d+)`)
)

// parseListeners extracts (port, pid) pairs from `ss -tlnp` output.
func parseListeners(out string) []Listener {
	var listeners []Listener
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "LISTEN") {
			continue
		}
		addrMatch := ssAddrRe.FindStringSubmatch(line)
		if addrMatch == nil {
			continue
		}
		port, err := strconv.Atoi(addrMatch[1])
		if err != nil {
			continue
		}
		pid := 0
		if pidMatch := ssPidRe.FindStringSubmatch(line); pidMatch != nil {
			pid, _ = strconv.Atoi(pidMatch[1])
		}
		listeners = append(listeners, Listener{Port: port, PID: pid})
	}
	return listeners
}

// Reaper periodically finds band ports with a local listener but no matching
// live device and kills the owning process: SIGTERM, then SIGKILL after a
// second.
type Reaper struct {
	bands     Bands
	live      LiveSet
	allocator *Allocator
	runner    channel.CommandRunner
	interval  time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	firstSeen map[int]time.Time // unmatched listener port → first sighting

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewReaper creates a zombie-port reaper.
func NewReaper(bands Bands, live LiveSet, allocator *Allocator, runner channel.CommandRunner, interval time.Duration) *Reaper {
	if runner == nil {
		runner = channel.ExecRunner{}
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reaper{
		bands:     bands,
		live:      live,
		allocator: allocator,
		runner:    runner,
		interval:  interval,
		logger:    slog.With("component", "zombie-reaper"),
		firstSeen: make(map[int]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the reap loop.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ReapOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for it.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// ReapOnce enumerates local listeners, diffs against the live device set,
// and kills listeners that stayed unmatched past the grace period.
func (r *Reaper) ReapOnce(ctx context.Context) {
	out, err := r.runner.Run(ctx, "ss", "-tlnp")
	if err != nil {
		// netstat fallback shares the output shape we parse.
		out, err = r.runner.Run(ctx, "netstat", "-tlnp")
		if err != nil {
			r.logger.Warn("Cannot enumerate listening ports", "error", err)
			return
		}
	}

	liveSet := r.live.LivePorts()
	now := time.Now()

	matched := make(map[int]bool)
	for _, l := range parseListeners(out) {
		if !r.bands.Contains(l.Port) {
			continue
		}
		matched[l.Port] = true
		if liveSet[l.Port] {
			r.mu.Lock()
			delete(r.firstSeen, l.Port)
			r.mu.Unlock()
			continue
		}

		r.mu.Lock()
		first, seen := r.firstSeen[l.Port]
		if !seen {
			r.firstSeen[l.Port] = now
			r.mu.Unlock()
			continue
		}
		r.mu.Unlock()

		if now.Sub(first) < zombieGrace {
			continue
		}
		r.logger.Warn("Reaping zombie port", "port", l.Port, "pid", l.PID,
			"unmatched_for", now.Sub(first).Round(time.Second).String())
		r.kill(ctx, l.PID)
		r.allocator.ReleasePort(l.Port)
		r.mu.Lock()
		delete(r.firstSeen, l.Port)
		r.mu.Unlock()
	}

	// Forget ports that stopped listening on their own.
	r.mu.Lock()
	for port := range r.firstSeen {
		if !matched[port] {
			delete(r.firstSeen, port)
		}
	}
	r.mu.Unlock()
}

func (r *Reaper) kill(ctx context.Context, pid int) {
	if pid <= 0 {
		return
	}
	pidStr := strconv.Itoa(pid)
	if _, err := r.runner.Run(ctx, "kill", "-TERM", pidStr); err != nil {
		r.logger.Warn("SIGTERM failed", "pid", pid, "error", err)
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Second):
	}
	// Escalate unconditionally; a dead pid makes this a no-op.
	_, _ = r.runner.Run(ctx, "kill", "-KILL", pidStr)
}
