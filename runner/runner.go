// Package runner executes job commands through a shell, one line at a time,
// and streams their combined output.
package runner

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/rollout/am"
	"github.com/teranos/rollout/errors"
	"github.com/teranos/rollout/logger"
)

// ErrInvalidCommand is returned when a command line cannot be parsed as shell words
var ErrInvalidCommand = errors.New("invalid command")

// EchoPrefix starts the line written before each command runs
const EchoPrefix = "» "

// Config configures a Runner
type Config struct {
	Shell     string
	KillGrace time.Duration // SIGTERM to SIGKILL delay in Terminate
	Env       []string      // appended to the process environment
}

// ConfigFromAm converts the runner section of the rollout config
func ConfigFromAm(cfg am.RunnerConfig) Config {
	return Config{
		Shell:     cfg.Shell,
		KillGrace: time.Duration(cfg.KillGraceSeconds) * time.Second,
		Env:       cfg.Env,
	}
}

// Runner executes shell command lines
type Runner struct {
	cfg    Config
	logger *zap.SugaredLogger
}

// New creates a Runner. An empty shell defaults to /bin/sh.
func New(cfg Config, log *zap.SugaredLogger) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if log == nil {
		log = logger.ComponentLogger("runner")
	}
	return &Runner{cfg: cfg, logger: log}
}

// Split turns job command text into the lines Run executes.
// Blank lines and surrounding whitespace are dropped.
func Split(text string) []string {
	var commands []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			commands = append(commands, line)
		}
	}
	return commands
}

// Validate checks that every command parses as shell words
func Validate(commands []string) error {
	if len(commands) == 0 {
		return errors.Wrap(ErrInvalidCommand, "no commands")
	}
	for i, c := range commands {
		if _, err := shellquote.Split(c); err != nil {
			return errors.Mark(errors.Wrapf(err, "command %d %q", i+1, c), ErrInvalidCommand)
		}
	}
	return nil
}

// Process is one command started by Start
type Process struct {
	Command string
	PID     int

	cmd        *exec.Cmd
	done       chan struct{}
	exitStatus int
	err        error
	terminate  sync.Once
}

// Done is closed once the process has exited and its output is drained
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit status.
// A process killed by a signal reports 128+signal.
func (p *Process) Wait() (int, error) {
	<-p.done
	return p.exitStatus, p.err
}

// Start launches `<shell> -c command` in dir, in its own process group.
// Stdout and stderr share one writer so out sees chunks in production order.
func (r *Runner) Start(dir, command string, out io.Writer) (*Process, error) {
	cmd := exec.Command(r.cfg.Shell, "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = sysProcAttr()
	// Background children holding the pipe open must not block Wait forever
	cmd.WaitDelay = r.cfg.KillGrace + time.Second

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %q", command)
	}

	p := &Process{Command: command, PID: cmd.Process.Pid, cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		err := cmd.Wait()
		p.exitStatus = exitStatus(cmd.ProcessState)
		var exitErr *exec.ExitError
		switch {
		case err == nil, errors.As(err, &exitErr):
		case errors.Is(err, exec.ErrWaitDelay):
			// Exited, but a background child kept the output pipe open
		default:
			p.err = errors.Wrapf(err, "wait %q", command)
		}
	}()
	return p, nil
}

// Terminate signals p's process group with SIGTERM, escalates to SIGKILL after
// the grace period, and returns once p has been reaped. Remaining members of
// the group are killed as well. Safe to call on an exited process.
func (r *Runner) Terminate(p *Process) {
	p.terminate.Do(func() {
		select {
		case <-p.done:
			signalGroup(p.cmd, killSignal)
			return
		default:
		}

		r.logger.Infow("Terminating command", logger.FieldPID, p.PID, logger.FieldCommand, p.Command)
		signalGroup(p.cmd, terminateSignal)

		timer := time.NewTimer(r.cfg.KillGrace)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			r.logger.Warnw("Command ignored SIGTERM, killing", logger.FieldPID, p.PID)
			signalGroup(p.cmd, killSignal)
			<-p.done
		}
		signalGroup(p.cmd, killSignal)
	})
	<-p.done
}

// Run executes commands in order inside dir and stops at the first non-zero
// exit status, which it returns. Each output chunk is passed to onOutput as it
// is produced. err is set only for validation, spawn and I/O faults, or when
// ctx is cancelled, in which case the running command's group is terminated.
func (r *Runner) Run(ctx context.Context, dir string, commands []string, onOutput func([]byte)) (int, error) {
	if err := Validate(commands); err != nil {
		return -1, err
	}
	out := &chunkWriter{fn: onOutput}
	log := logger.LoggerFromContext(ctx, r.logger)

	for _, command := range commands {
		if err := ctx.Err(); err != nil {
			return -1, err
		}
		onOutput([]byte(EchoPrefix + command + "\n"))

		start := time.Now()
		p, err := r.Start(dir, command, out)
		if err != nil {
			return -1, err
		}

		select {
		case <-p.Done():
		case <-ctx.Done():
			r.Terminate(p)
			return -1, ctx.Err()
		}

		status, err := p.Wait()
		log.Debugw("Command finished",
			logger.FieldCommand, command,
			logger.FieldPID, p.PID,
			logger.FieldExitStatus, status,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
		if err != nil {
			return -1, err
		}
		if status != 0 {
			return status, nil
		}
	}
	return 0, nil
}

// chunkWriter hands a private copy of every write to fn
type chunkWriter struct {
	fn func([]byte)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.fn(append([]byte(nil), p...))
	}
	return len(p), nil
}
