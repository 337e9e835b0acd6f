package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultStopGrace is how long Close waits at each shutdown step (stdin
// closed, then SIGINT) before escalating.
const DefaultStopGrace = 500 * time.Millisecond

const readBufferSize = 64 << 10

// ProcessConfig describes the agent command to spawn.
type ProcessConfig struct {
	// Env is merged over the current environment.
	Env map[string]string

	// StderrHandler receives raw stderr output. When nil, stderr is logged
	// line by line at debug level.
	StderrHandler func([]byte)

	Command   string
	Dir       string
	Args      []string
	StopGrace time.Duration
}

// ExitError reports that the agent process ended on its own.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent process exited (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("agent process exited (code %d)", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Process is a transport over a child process's stdin and stdout.
type Process struct {
	stdin  io.WriteCloser
	cmd    *exec.Cmd
	log    *slog.Logger
	chunks chan []byte
	quit   chan struct{}
	cfg    ProcessConfig
	lifecycle
	writeMu  sync.Mutex
	quitOnce sync.Once
}

var _ Transport = (*Process)(nil)

// NewProcess returns an unconnected process transport.
func NewProcess(cfg ProcessConfig, opts ...Option) *Process {
	s := applyOptions(opts)
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	return &Process{
		cfg:       cfg,
		log:       s.logger,
		chunks:    make(chan []byte, 16),
		quit:      make(chan struct{}),
		lifecycle: newLifecycle(s.onState),
	}
}

// Connect spawns the process. ctx bounds the spawn only; the process
// outlives it.
func (p *Process) Connect(ctx context.Context) error {
	if err := p.connecting(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		p.disconnect(err)
		return err
	}
	if p.cfg.Command == "" {
		err := errors.New("agent command is empty")
		p.disconnect(err)
		return err
	}

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	setProcessGroup(cmd)
	cmd.Dir = p.cfg.Dir
	if len(p.cfg.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), p.cfg.Env)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.disconnect(err)
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.disconnect(err)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.disconnect(err)
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.disconnect(err)
		return fmt.Errorf("start %s: %w", p.cfg.Command, err)
	}
	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.mu.Unlock()
	p.log.Debug("agent process started", "command", p.cfg.Command, "pid", cmd.Process.Pid)

	go p.run(cmd, stdout, stderr)

	if !p.connected() {
		// Closed while spawning.
		_ = killGroup(cmd.Process)
		return ErrNotConnected
	}
	return nil
}

// run pumps the pipes until both hit EOF, then reaps the process.
func (p *Process) run(cmd *exec.Cmd, stdout, stderr io.Reader) {
	var g errgroup.Group
	g.Go(func() error { return p.pumpStdout(stdout) })
	g.Go(func() error { return p.pumpStderr(stderr) })
	if err := g.Wait(); err != nil {
		p.log.Debug("agent pipe closed with error", "error", err)
	}

	waitErr := cmd.Wait()
	exit := &ExitError{Code: cmd.ProcessState.ExitCode()}
	var ee *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &ee) {
		exit.Err = waitErr
	}
	p.log.Debug("agent process exited", "pid", cmd.Process.Pid, "code", exit.Code)

	p.disconnect(exit)
	close(p.chunks)
}

func (p *Process) pumpStdout(r io.Reader) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.chunks <- chunk:
			case <-p.quit:
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (p *Process) pumpStderr(r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if p.cfg.StderrHandler != nil {
				p.cfg.StderrHandler(buf[:n])
			} else {
				p.log.Debug("agent stderr", "text", string(buf[:n]))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// ReadChunk returns the next chunk of stdout. Output produced before the
// process exited is still returned after Done is closed.
func (p *Process) ReadChunk() ([]byte, error) {
	select {
	case chunk, ok := <-p.chunks:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-p.Done():
		select {
		case chunk, ok := <-p.chunks:
			if ok {
				return chunk, nil
			}
		default:
		}
		return nil, io.EOF
	}
}

// WriteFrame writes frame to the agent's stdin.
func (p *Process) WriteFrame(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if !p.isConnected() {
		return ErrNotConnected
	}
	if _, err := p.stdin.Write(frame); err != nil {
		return fmt.Errorf("write to agent stdin: %w", err)
	}
	return nil
}

// Close stops the agent: stdin is closed, then the process group gets
// SIGINT, then SIGKILL, waiting StopGrace between steps.
func (p *Process) Close() error {
	if !p.beginClose() {
		<-p.Done()
		return nil
	}
	p.quitOnce.Do(func() { close(p.quit) })

	p.mu.Lock()
	cmd, stdin := p.cmd, p.stdin
	p.mu.Unlock()
	if cmd == nil {
		p.disconnect(nil)
		return nil
	}

	p.writeMu.Lock()
	_ = stdin.Close()
	p.writeMu.Unlock()

	if p.waitDone(p.cfg.StopGrace) {
		return nil
	}
	p.log.Debug("agent did not exit after stdin close, sending SIGINT", "pid", cmd.Process.Pid)
	_ = signalGroup(cmd.Process, syscall.SIGINT)
	if p.waitDone(p.cfg.StopGrace) {
		return nil
	}
	p.log.Warn("agent ignored SIGINT, killing process group", "pid", cmd.Process.Pid)
	_ = killGroup(cmd.Process)
	<-p.Done()
	return nil
}

// Pid is the agent's process id, or 0 before Connect.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) waitDone(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.Done():
		return true
	case <-timer.C:
		return false
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
