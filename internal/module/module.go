//go:build linux

package module

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Module is a named, supervised child process plus its fan-out wiring: the
// set of other modules listening on its stdout, the count of modules that
// list it as their own listener, and the listen/obey flags governing how
// its output additionally reaches the host and the command interpreter.
//
// Its process-supervision half is adapted from the teacher's processmgr
// process (internal/infrastructure/processmgr/process.go): pipe setup,
// process-group signaling, and the drain-then-reap ordering. Readiness
// signaling (Ready/Enter) is dropped — this domain has no "press ENTER to
// continue" banner, fan-out begins with the first byte of output.
type Module struct {
	ctx *Context
	log *zap.Logger

	name string
	argv []string

	instanceID string

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pid     int
	running bool

	listeners    []*Module
	writersCount int
	listenFlag   bool
	obeyFlag     bool
	zombieFlag   bool

	tail *outputTail

	// reaped is closed once this spawn's child has been waited on and its
	// state torn back down (running cleared, runningCount decremented).
	// Replaced on every start; Wait and Shutdown block on a snapshot of it.
	reaped chan struct{}
}

func newModule(ctx *Context, name string, argv []string) *Module {
	return &Module{
		ctx:  ctx,
		log:  ctx.log.Named("module").With(zap.String("module", name)),
		name: name,
		argv: append([]string(nil), argv...),
		tail: &outputTail{},
	}
}

// Name returns the module's identifier.
func (m *Module) Name() string { return m.name }

// Argv returns the module's configured command line.
func (m *Module) Argv() []string { return append([]string(nil), m.argv...) }

// start launches the child process and arms its supervisors. Called with
// the dispatcher guard held.
func (m *Module) start() error {
	cmd := exec.Command(m.argv[0], m.argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return err
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	m.cmd = cmd
	m.stdin = stdin
	m.pid = cmd.Process.Pid
	m.running = true
	m.zombieFlag = false
	m.instanceID = uuid.New().String()
	m.reaped = make(chan struct{})

	log := m.log.With(zap.String("instance", m.instanceID), zap.Int("pid", m.pid))
	log.Info("module started")

	go m.supervise(cmd, stdout, stderr, log)

	return nil
}

// supervise drains both output pipes to EOF and then reaps the child. The
// drain-first ordering is doubly load-bearing: exec.Cmd requires all reads
// from Stdout/StderrPipe to finish before Wait, and a child that wrote on
// the way out must have that output queued before the exit is made
// observable (reaped closed, runningCount decremented) — Context.Wait and
// the command loop both drain the queue before acting on an exit, so
// nothing a module says with its dying breath is lost.
//
// This replaces the teacher's grace-window heuristic (process.go's
// 50ms/250ms windows existed to cover a domain-specific readiness-banner
// race); a pipe reaching EOF in Go is a reliable signal on its own.
func (m *Module) supervise(cmd *exec.Cmd, stdout, stderr io.Reader, log *zap.Logger) {
	var g errgroup.Group
	g.Go(func() error { return m.forwardStdout(stdout) })
	g.Go(func() error { return m.forwardStderr(stderr) })
	if err := g.Wait(); err != nil {
		log.Warn("stream forwarding ended with error", zap.Error(err))
	}

	waitErr := cmd.Wait()
	m.logExit(waitErr, log)
	m.finalize()
}

// forwardStdout reads raw chunks (not lines — stdout carries arbitrary
// module data, and obey replays it byte-for-byte) and queues each for the
// command loop to route. The send blocks once the queue is full, which is
// the intended backpressure; each chunk gets its own buffer since the
// queue owns it after the send.
func (m *Module) forwardStdout(r io.Reader) error {
	for {
		buf := make([]byte, 4096)
		n, err := r.Read(buf)
		if n > 0 {
			m.ctx.output <- OutputChunk{m: m, data: buf[:n]}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("stdout: %w", err)
		}
	}
}

// forwardStderr reads whole lines and writes "name: line" to the context's
// diagnostic sink, also retaining the line in the module's tail buffer for
// abnormal-exit diagnostics.
func (m *Module) forwardStderr(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		line := sc.Text()
		m.tail.append(line)
		if m.ctx.Stderr != nil {
			io.WriteString(m.ctx.Stderr, m.name+": "+line+"\n")
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("stderr: %w", err)
	}
	return nil
}

// finalize runs once per spawn, after the child has been waited on: clear
// the running state, perform any deferred (zombie) teardown, decrement the
// context's running count, and make the exit observable — close reaped,
// signal quiescence if the termination condition now holds, and wake the
// command loop so it re-evaluates.
func (m *Module) finalize() {
	c := m.ctx
	id := c.enter()

	if m.stdin != nil {
		m.stdin.Close()
		m.stdin = nil
	}
	m.running = false
	m.pid = 0
	m.cmd = nil

	if m.zombieFlag {
		c.tryFinalize(m)
	}

	c.runningCount--
	quiescent := c.eofReceived && c.runningCount == 0
	reaped := m.reaped

	c.leave(id)

	close(reaped)
	if quiescent {
		c.signalDone()
	}
	c.wakeLoop()
}

func (m *Module) logExit(waitErr error, log *zap.Logger) {
	if waitErr == nil {
		log.Info("module exited cleanly")
		return
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		status, ok := exitErr.ProcessState.Sys().(syscall.WaitStatus)
		if !ok {
			log.Warn("module exited abnormally", zap.Error(waitErr))
			return
		}
		log.Warn("module exited abnormally",
			zap.Int("exit_code", status.ExitStatus()),
			zap.Bool("signaled", status.Signaled()))

		if ce := log.Check(zap.DebugLevel, "exit diagnostics"); ce != nil {
			ce.Write(zap.String("dump", spew.Sdump(struct {
				Status syscall.WaitStatus
				Stderr []string
			}{status, m.tail.lines()})))
		}
		return
	}
	log.Error("wait failed", zap.Error(waitErr))
}

// kill sends SIGTERM to the child's process group and closes its stdin.
// Called with the dispatcher guard held; does not block on the child's
// actual exit (that's supervise's job).
func (m *Module) kill() {
	m.log.Info("sending SIGTERM", zap.Int("pid", m.pid))
	if err := syscall.Kill(-m.pid, syscall.SIGTERM); err != nil {
		m.log.Warn("SIGTERM failed", zap.Error(err))
	}
	if m.stdin != nil {
		m.stdin.Close()
		m.stdin = nil
	}
}

// write sends data to the module's stdin. It re-validates module state
// itself (rather than trusting a caller's earlier snapshot) since the
// actual write happens outside the dispatcher guard and state may have
// changed in between — see Context.Route and Context.Write.
func (m *Module) write(data []byte) {
	id := m.ctx.enter()
	running := m.running
	stdin := m.stdin
	m.ctx.leave(id)

	if !running {
		m.log.Warn("write dropped: module not running")
		return
	}
	if stdin == nil {
		m.log.Warn("write dropped: module stdin closed")
		return
	}
	if _, err := stdin.Write(data); err != nil {
		m.log.Warn("write failed", zap.Error(err))
	}
}

// IsRunning reports whether the module currently has a live child process.
func (m *Module) IsRunning() bool {
	id := m.ctx.enter()
	defer m.ctx.leave(id)
	return m.running
}

// ListenFlag reports the module's listen flag.
func (m *Module) ListenFlag() bool {
	id := m.ctx.enter()
	defer m.ctx.leave(id)
	return m.listenFlag
}

// ObeyFlag reports the module's obey flag.
func (m *Module) ObeyFlag() bool {
	id := m.ctx.enter()
	defer m.ctx.leave(id)
	return m.obeyFlag
}

// WritersCount reports how many modules currently list this one as their
// own listener.
func (m *Module) WritersCount() int {
	id := m.ctx.enter()
	defer m.ctx.leave(id)
	return m.writersCount
}

// Listeners returns the names of this module's listeners, in bind order.
func (m *Module) Listeners() []string {
	id := m.ctx.enter()
	defer m.ctx.leave(id)
	out := make([]string, len(m.listeners))
	for i, l := range m.listeners {
		out[i] = l.name
	}
	return out
}
