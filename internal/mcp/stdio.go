package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Bigsy/mcpkit/internal/logging"
)

const (
	// StdioGracefulShutdownTimeout is how long to wait after SIGTERM
	// before sending SIGKILL.
	StdioGracefulShutdownTimeout = 2 * time.Second

	// stdioMaxLineSize bounds a single NDJSON frame (4MB).
	stdioMaxLineSize = 4 * 1024 * 1024
)

func init() {
	RegisterTransport("stdio", func(cfg TransportConfig) (Transport, error) {
		return NewStdioTransport(cfg), nil
	})
}

// StdioTransport carries MCP frames over the stdin/stdout of a spawned
// child process using NDJSON framing. Stderr lines are forwarded to the
// logger at info level.
//
// An unexpected child exit is fatal: pending requests fail and the
// transport closes. It never restarts the child on its own; restarting is
// the session's decision.
type StdioTransport struct {
	cfg    TransportConfig
	logger *slog.Logger
	router *frameRouter

	mu      sync.Mutex
	running bool
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	writeMu sync.Mutex

	readersDone sync.WaitGroup
}

// NewStdioTransport creates a stdio transport for the configured command.
func NewStdioTransport(cfg TransportConfig) *StdioTransport {
	t := &StdioTransport{
		cfg:    cfg,
		logger: logging.Get().With("transport", "stdio", "command", cfg.Command),
	}
	t.router = newFrameRouter(t.logger, func(env *Envelope) {
		_ = t.Send(context.Background(), env)
	})
	return t
}

// SetHandler registers the consumer for server-initiated frames.
func (t *StdioTransport) SetHandler(h MessageHandler) { t.router.setHandler(h) }

// SetProtocolVersion is a no-op for stdio; there are no version headers.
func (t *StdioTransport) SetProtocolVersion(string) {}

// Start spawns the child process and begins the reader loops.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return nil
	}
	if t.cfg.Command == "" {
		return fmt.Errorf("stdio transport requires a command")
	}
	// Recovering from a prior Close: the table was poisoned by failAll.
	t.router.pending.reset()

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), t.cfg.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return NewTransportError("start", fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return NewTransportError("start", fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return NewTransportError("start", fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return NewTransportError("start", fmt.Errorf("start process: %w", err))
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.stderr = stderr
	t.running = true

	t.readersDone.Add(2)
	go t.readStdout(stdout)
	go t.readStderr(stderr)

	t.logger.Debug("child process started", "pid", cmd.Process.Pid)
	return nil
}

// Alive reports whether the child is running.
func (t *StdioTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Request writes a request line and waits for the matching response.
func (t *StdioTransport) Request(ctx context.Context, env *Envelope, timeout time.Duration) (*Envelope, error) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	mb, err := t.router.pending.register(env.ID, deadline)
	if err != nil {
		return nil, err
	}
	if err := t.Send(ctx, env); err != nil {
		t.router.pending.remove(env.ID)
		return nil, err
	}
	resp, err := mb.wait(env.ID, env.Method)
	if err != nil {
		t.router.pending.remove(env.ID)
		return nil, err
	}
	return resp, nil
}

// Send writes one NDJSON frame to the child's stdin.
func (t *StdioTransport) Send(ctx context.Context, env *Envelope) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	stdin := t.stdin
	t.mu.Unlock()

	data, err := Encode(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	t.logger.Debug("send", "frame", string(data))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		if !env.ID.IsZero() {
			t.router.pending.remove(env.ID)
		}
		return NewTransportError("write", err)
	}
	return nil
}

// Close terminates the child: close stdin, SIGTERM with a grace period,
// then SIGKILL. Pending requests fail with ErrTransportClosed. Reader
// goroutines are left to drain on their own; Close never joins itself.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	cmd := t.cmd
	stdin := t.stdin
	stdout := t.stdout
	stderr := t.stderr
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	if cmd != nil && cmd.Process != nil {
		done := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(done)
		}()
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(StdioGracefulShutdownTimeout):
			_ = cmd.Process.Kill()
			<-done
		}
	}

	if stdout != nil {
		_ = stdout.Close()
	}
	if stderr != nil {
		_ = stderr.Close()
	}

	t.router.pending.failAll(ErrTransportClosed)
	t.logger.Debug("stdio transport closed")
	return nil
}

// readStdout is the frame reader loop. EOF while the transport is still
// expected to be running means the child died unexpectedly; that fails
// every pending request and closes the transport.
func (t *StdioTransport) readStdout(stdout io.Reader) {
	defer t.readersDone.Done()
	defer t.recoverReader("stdout")

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), stdioMaxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.logger.Debug("recv", "frame", line)
		t.router.route([]byte(line))
	}

	t.mu.Lock()
	wasRunning := t.running
	t.running = false
	t.mu.Unlock()

	if wasRunning {
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		t.logger.Warn("child process terminated unexpectedly", "error", err)
		t.router.pending.failAll(NewTransportError("read", fmt.Errorf("child terminated: %w", err)))
	}
}

// readStderr forwards child diagnostics to the logger.
func (t *StdioTransport) readStderr(stderr io.Reader) {
	defer t.readersDone.Done()
	defer t.recoverReader("stderr")

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), stdioMaxLineSize)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Info("server stderr", "line", line)
		}
	}
}

// recoverReader converts a reader panic into a transport failure instead
// of letting the goroutine die silently.
func (t *StdioTransport) recoverReader(name string) {
	if r := recover(); r != nil {
		t.logger.Error("reader panic", "reader", name, "panic", r)
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		t.router.pending.failAll(NewTransportError("read", fmt.Errorf("%s reader panic: %v", name, r)))
	}
}

// mergeEnv overlays overrides onto the parent environment; an override
// wins over an inherited value of the same name.
func mergeEnv(parent []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return parent
	}
	merged := make([]string, 0, len(parent)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range parent {
		name, _, ok := strings.Cut(kv, "=")
		if ok {
			if v, has := overrides[name]; has {
				merged = append(merged, name+"="+v)
				seen[name] = true
				continue
			}
		}
		merged = append(merged, kv)
	}
	for name, v := range overrides {
		if !seen[name] {
			merged = append(merged, name+"="+v)
		}
	}
	return merged
}
