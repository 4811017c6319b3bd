package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// stopTimeout is how long Close waits for the process to exit after its
// stdin is closed before killing it.
const stopTimeout = 2 * time.Second

// process is a worker subprocess speaking the message protocol.
type process struct {
	*msgStream

	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	done      chan struct{} // closed when the process has exited
	closing   chan struct{}
	closeOnce sync.Once
}

// spawn starts command with args. The process is killed when ctx is
// cancelled.
func spawn(ctx context.Context, name, command string, args []string, logger *slog.Logger) (*process, error) {
	cmd := exec.CommandContext(ctx, command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	p := &process{
		name:    name,
		cmd:     cmd,
		stdin:   stdin,
		logger:  logger.With("worker", name),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	p.msgStream = newMsgStream(stdout, stdin, p.done)

	p.logger.Info("worker: process spawned",
		"command", command,
		"args", strings.Join(args, " "),
		"pid", cmd.Process.Pid,
	)

	go p.logStderr(stderr)
	go p.waitProcess()

	return p, nil
}

// logStderr maps the worker's "[LEVEL]" log lines onto slog levels.
func (p *process) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			p.logger.Error("worker: process error", "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			p.logger.Warn("worker: process warning", "log", line)
		default:
			p.logger.Debug("worker: process log", "log", line)
		}
	}
}

// waitProcess reaps the process.
func (p *process) waitProcess() {
	err := p.cmd.Wait()
	close(p.done)

	select {
	case <-p.closing:
		p.logger.Debug("worker: process exited (shutdown)", "pid", p.cmd.Process.Pid)
	default:
		if err != nil {
			p.logger.Error("worker: process exited unexpectedly",
				"pid", p.cmd.Process.Pid,
				"error", err,
			)
		} else {
			p.logger.Info("worker: process exited", "pid", p.cmd.Process.Pid)
		}
	}
}

// Close closes stdin so the worker exits on its own, and kills it if it
// is still running after stopTimeout. Idempotent.
func (p *process) Close() error {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.stdin.Close()

		select {
		case <-p.done:
		case <-time.After(stopTimeout):
			p.logger.Warn("worker: stop timeout, killing process", "pid", p.cmd.Process.Pid)
			if err := p.cmd.Process.Kill(); err != nil {
				p.logger.Error("worker: failed to kill process", "error", err)
			}
			<-p.done
		}
	})
	return nil
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// dialFunc starts a worker with args and returns its message stream.
type dialFunc func(ctx context.Context, args []string) (conn, error)

func processDialer(name, command string, logger *slog.Logger) dialFunc {
	return func(ctx context.Context, args []string) (conn, error) {
		p, err := spawn(ctx, name, command, args, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// awaitLoad reads until the worker reports want or an error. Other
// messages are logged and skipped. If timeout elapses first, c is closed.
func awaitLoad(c conn, want string, timeout time.Duration, logger *slog.Logger) error {
	var timedOut atomic.Bool
	if timeout > 0 {
		t := time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			c.Close()
		})
		defer t.Stop()
	}

	for {
		msg, err := c.Receive()
		if err != nil {
			if timedOut.Load() {
				return fmt.Errorf("%w after %v", ErrLoadTimeout, timeout)
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("exited before %q: %w", want, ErrWorkerStopped)
			}
			return err
		}

		switch msg.Type {
		case want:
			return nil
		case msgError:
			return remoteError(msg)
		default:
			logger.Warn("worker: unexpected message while loading",
				"type", msg.Type,
				"expected", want,
			)
		}
	}
}

// remoteError converts an error reported by the worker.
func remoteError(msg message) error {
	if msg.Error == "" {
		return errors.New("worker reported an error")
	}
	return errors.New(msg.Error)
}

// waitTimeout waits for wg, reporting false if timeout elapsed first.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
