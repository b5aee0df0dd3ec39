// Package module implements the supervised process graph described in
// spec.md: named modules, each an external command; stdout fan-out
// bindings between them; and the lifecycle commands (define/undefine,
// run/kill/wait, bind/unbind, listen/ignore, obey/disobey, write, eof)
// that mutate that graph.
//
// Concurrency follows spec.md §5: "an implementation may use threads
// internally... as long as all callbacks into module/context state are
// serialized onto a single logical dispatcher." The dispatcher is the
// command loop goroutine (internal/shell's Run): it interprets commands
// and routes all module output, while per-child goroutines only read
// pipes, queue chunks, and reap. Context.guard fences the state those
// goroutines share; it is held for the duration of a read or mutation,
// never across blocking I/O — listener writes, the write command's stdin
// write, and Wait's exit-block all snapshot state under the guard and
// block with it released.
package module

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Interpreter receives one chunk of a module's stdout for re-interpretation
// as further commands — the mechanism behind the obey command. It is
// invoked from Route, i.e. on whichever goroutine is driving the command
// loop, never from a module's own forwarding goroutine.
type Interpreter func(data []byte)

// OutputChunk is one read of a module's stdout, queued for routing by the
// command loop. Forwarding goroutines produce these; Route consumes them.
type OutputChunk struct {
	m    *Module
	data []byte
}

// Context owns the name→module graph, the running-module count, the
// end-of-input flag, and the obey interpreter hook. It is adapted from
// the teacher's processmgr ProcessManager
// (internal/infrastructure/processmgr/process_manager.go,
// process_manager2.go), with the dual-phase preflight/onflight slot
// gating and restart-cooldown machinery dropped: this domain has no
// automatic respawn, only explicit run/kill/undefine transitions.
type Context struct {
	log *zap.Logger

	guard   *dispatchGuard
	callSeq atomic.Int64

	modules      map[string]*Module
	runningCount int
	eofReceived  bool

	interpreter Interpreter

	// Stdout is where listen-flagged modules' output is echoed.
	Stdout io.Writer
	// Stderr is where module stderr lines and command diagnostics go.
	Stderr io.Writer

	// output carries stdout chunks from forwarding goroutines to the
	// command loop. The bound gives the same backpressure a kernel pipe
	// gave the original: a producer whose output nobody is routing
	// eventually blocks its own forwarder, and only that forwarder.
	output chan OutputChunk

	wake chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// NewContext builds an empty Context. stdout/stderr are the sinks for
// listen-flagged module output and for stderr/diagnostic lines
// respectively (typically os.Stdout and os.Stderr).
func NewContext(log *zap.Logger, stdout, stderr io.Writer) *Context {
	return &Context{
		log:     log,
		guard:   newDispatchGuard(1),
		modules: make(map[string]*Module),
		Stdout:  stdout,
		Stderr:  stderr,
		output:  make(chan OutputChunk, 64),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// SetInterpreter installs the obey hook, ordinarily a shell's Feed method.
func (c *Context) SetInterpreter(i Interpreter) { c.interpreter = i }

// Logger exposes the context's logger to callers that need to emit a
// diagnostic outside the normal command-handler return path (the exit
// command, in particular, needs to flush it before os.Exit).
func (c *Context) Logger() *zap.Logger { return c.log }

// Done is closed once the loop's termination condition first holds:
// eofReceived && runningCount == 0 (spec.md §4.5).
func (c *Context) Done() <-chan struct{} { return c.done }

// Wake delivers a token whenever a module has been reaped, prompting the
// command loop to re-evaluate its termination condition and drain any
// output the dead module left queued.
func (c *Context) Wake() <-chan struct{} { return c.wake }

// Output is the queue of stdout chunks awaiting routing. The command loop
// receives from it and hands each chunk to Route.
func (c *Context) Output() <-chan OutputChunk { return c.output }

// PendingOutput reports whether any stdout chunk is still queued.
func (c *Context) PendingOutput() bool { return len(c.output) > 0 }

func (c *Context) signalDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Context) wakeLoop() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Context) enter() int64 {
	id := c.callSeq.Add(1)
	c.guard.Acquire(id)
	return id
}

func (c *Context) leave(id int64) { c.guard.Release(id) }

// RunningCount reports the number of modules with a live child process.
func (c *Context) RunningCount() int {
	id := c.enter()
	defer c.leave(id)
	return c.runningCount
}

// Quiescent reports whether the termination condition holds: the command
// source has been exhausted and no module is running.
func (c *Context) Quiescent() bool {
	id := c.enter()
	defer c.leave(id)
	return c.eofReceived && c.runningCount == 0
}

// Lookup finds a module by name.
func (c *Context) Lookup(name string) (*Module, bool) {
	id := c.enter()
	defer c.leave(id)
	m, ok := c.modules[name]
	return m, ok
}

// Define creates or replaces the module named name with the given command
// line. A pre-existing module of that name is killed and removed first —
// if it is still running at that moment, its teardown is deferred to its
// own reap (the zombie path), exactly as for Undefine.
func (c *Context) Define(name string, argv []string) string {
	id := c.enter()
	defer c.leave(id)

	if existing, ok := c.modules[name]; ok {
		c.log.Debug("redefining module, replacing existing instance", zap.String("module", name))
		if existing.running {
			existing.kill()
		}
		delete(c.modules, name)
		c.tryFinalize(existing)
	}

	c.modules[name] = newModule(c, name, argv)
	return ""
}

// Undefine removes a module from the graph. If it is running, it is
// killed first; its listener-edge teardown (both outgoing and, per the
// resolved open question in SPEC_FULL.md §0, incoming edges from every
// other module) happens immediately if it was not running, or is deferred
// to its reap if it was.
func (c *Context) Undefine(name string) string {
	id := c.enter()
	defer c.leave(id)

	m, ok := c.modules[name]
	if !ok {
		return "module not found"
	}
	if m.running {
		m.kill()
	}
	delete(c.modules, name)
	c.tryFinalize(m)
	return ""
}

// tryFinalize either defers a module's edge teardown (it is still
// running — mark it zombie, the reaper will call this again once it has
// exited) or performs it now: scrub every outgoing listener edge, then
// walk every other module in the graph and scrub any edge pointing at m.
// That second walk is the fix for the open question this design resolved
// explicitly in the doomed module's favor: a module leaving the graph
// must never be left dangling in another module's listener list.
func (c *Context) tryFinalize(m *Module) {
	if m.running {
		m.zombieFlag = true
		return
	}
	for _, l := range append([]*Module(nil), m.listeners...) {
		c.unbindLocked(m, l)
	}
	for _, other := range c.modules {
		if other != m {
			c.unbindLocked(other, m)
		}
	}
	m.listeners = nil
	m.listenFlag = false
	m.obeyFlag = false
}

// Run starts a module's child process. Spawn failure is reported back as
// a diagnostic string; the module remains defined but not running.
func (c *Context) Run(name string) string {
	id := c.enter()
	defer c.leave(id)

	m, ok := c.modules[name]
	if !ok {
		return "module not found"
	}
	if m.running {
		return "module already running"
	}
	if err := m.start(); err != nil {
		c.log.Warn("failed to start module", zap.String("module", name), zap.Error(err))
		return "failed to start: " + err.Error()
	}
	c.runningCount++
	return ""
}

// Kill sends SIGTERM to a running module's process group and closes its
// stdin. It does not block on the child's actual exit.
func (c *Context) Kill(name string) string {
	id := c.enter()
	defer c.leave(id)

	m, ok := c.modules[name]
	if !ok {
		return "module not found"
	}
	if !m.running {
		return "module not running"
	}
	m.kill()
	return ""
}

// Wait blocks until the named module's child has been reaped. Per spec.md
// §5 this is one of the few sanctioned suspension points: the caller —
// ordinarily the command loop itself — stays blocked here, so no further
// host command is dispatched until the awaited module exits. Output
// queued while blocked is still routed (the original's kernel pipes
// played this buffering role during waitpid; the exit handler flushed
// them before returning), so by the time Wait returns, everything the
// module wrote on the way out — obey-dispatched commands included — has
// taken effect.
func (c *Context) Wait(name string) string {
	id := c.enter()

	m, ok := c.modules[name]
	if !ok {
		c.leave(id)
		return "module not found"
	}
	if !m.running {
		c.leave(id)
		return "module not running"
	}
	reaped := m.reaped
	c.leave(id)

	for {
		select {
		case <-reaped:
			c.drainOutput()
			return ""
		case ev := <-c.output:
			c.Route(ev)
		}
	}
}

// EOF closes a running module's stdin. The module keeps running; its
// stdout/stderr continue to be forwarded until the child itself exits.
func (c *Context) EOF(name string) string {
	id := c.enter()
	defer c.leave(id)

	m, ok := c.modules[name]
	if !ok {
		return "module not found"
	}
	if !m.running {
		return "module not running"
	}
	if m.stdin != nil {
		m.stdin.Close()
		m.stdin = nil
	}
	return ""
}

// Write sends a line of tokens to a running module's stdin, joined by
// spaces with a trailing space before the final newline — this literal
// " \n" tail is intentional, not a formatting slip (SPEC_FULL.md §0,
// resolving the second open question by following the original source's
// behavior verbatim).
func (c *Context) Write(name string, tokens []string) string {
	id := c.enter()
	m, ok := c.modules[name]
	if !ok {
		c.leave(id)
		return "module not found"
	}
	if !m.running {
		c.leave(id)
		return "module not running"
	}
	c.leave(id)

	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t)
		b.WriteByte(' ')
	}
	b.WriteByte('\n')
	m.write([]byte(b.String()))
	return ""
}

// Bind makes inName a listener on outName's stdout.
func (c *Context) Bind(outName, inName string) string {
	id := c.enter()
	defer c.leave(id)

	out, ok1 := c.modules[outName]
	in, ok2 := c.modules[inName]
	if !ok1 || !ok2 {
		return "module not found"
	}
	for _, l := range out.listeners {
		if l == in {
			return "binding already exists"
		}
	}
	out.listeners = append(out.listeners, in)
	in.writersCount++
	return ""
}

// Unbind removes inName as a listener on outName's stdout.
func (c *Context) Unbind(outName, inName string) string {
	id := c.enter()
	defer c.leave(id)

	out, ok1 := c.modules[outName]
	in, ok2 := c.modules[inName]
	if !ok1 || !ok2 {
		return "module not found"
	}
	if !c.unbindLocked(out, in) {
		return "no such binding"
	}
	return ""
}

// unbindLocked removes in from out.listeners, if present, decrementing
// in.writersCount. Must be called with the guard held.
func (c *Context) unbindLocked(out, in *Module) bool {
	for i, l := range out.listeners {
		if l == in {
			out.listeners = append(out.listeners[:i], out.listeners[i+1:]...)
			in.writersCount--
			return true
		}
	}
	return false
}

// Listen sets a module's listen flag (its stdout is additionally echoed
// to the context's Stdout sink).
func (c *Context) Listen(name string) string { return c.setFlag(name, true, false) }

// Ignore clears a module's listen flag.
func (c *Context) Ignore(name string) string { return c.clearListen(name) }

// Obey sets a module's obey flag (its stdout is additionally fed, one
// read chunk at a time, through the context's interpreter hook).
func (c *Context) Obey(name string) string { return c.setFlag(name, false, true) }

// Disobey clears a module's obey flag.
func (c *Context) Disobey(name string) string { return c.clearObey(name) }

func (c *Context) setFlag(name string, listen, obey bool) string {
	id := c.enter()
	defer c.leave(id)
	m, ok := c.modules[name]
	if !ok {
		return "module not found"
	}
	if listen {
		m.listenFlag = true
	}
	if obey {
		m.obeyFlag = true
	}
	return ""
}

func (c *Context) clearListen(name string) string {
	id := c.enter()
	defer c.leave(id)
	m, ok := c.modules[name]
	if !ok {
		return "module not found"
	}
	m.listenFlag = false
	return ""
}

func (c *Context) clearObey(name string) string {
	id := c.enter()
	defer c.leave(id)
	m, ok := c.modules[name]
	if !ok {
		return "module not found"
	}
	m.obeyFlag = false
	return ""
}

// EOFReceived notifies the context that the command source has been
// exhausted. If no module is currently running, the termination signal
// fires immediately; otherwise it fires later, from whichever module's
// reap brings runningCount to zero.
func (c *Context) EOFReceived() {
	id := c.enter()
	c.eofReceived = true
	quiescent := c.runningCount == 0
	c.leave(id)
	if quiescent {
		c.signalDone()
	}
}

// Route delivers one queued chunk of a module's stdout to its listeners
// (in bind order), to the host's stdout if the listen flag is set, and to
// the interpreter hook (one call per chunk, not per byte) if the obey
// flag is set. Flags and listeners are read at routing time, not at read
// time: commands dispatched between a child's write and the loop picking
// the chunk up (a listen right after a run, say) apply to it, exactly as
// in the original's single-threaded loop.
//
// Route must only be called from the command loop (or whatever goroutine
// stands in for it): the obey path feeds the shared parser.
func (c *Context) Route(ev OutputChunk) {
	id := c.enter()
	m := ev.m
	listeners := append([]*Module(nil), m.listeners...)
	listenFlag := m.listenFlag
	obeyFlag := m.obeyFlag
	interp := c.interpreter
	c.leave(id)

	for _, l := range listeners {
		l.write(ev.data)
	}
	if listenFlag && c.Stdout != nil {
		c.Stdout.Write(ev.data)
	}
	if obeyFlag && interp != nil {
		interp(ev.data)
	}
}

// drainOutput routes every chunk already queued, without blocking for
// more.
func (c *Context) drainOutput() {
	for {
		select {
		case ev := <-c.output:
			c.Route(ev)
		default:
			return
		}
	}
}

// Shutdown kills every still-running module and waits for each to be
// reaped, discarding any output still queued — the loop that would have
// routed it has already exited. It is the context's own final teardown
// (as distinct from the exit command, which terminates the process
// immediately without waiting on anything).
func (c *Context) Shutdown() {
	id := c.enter()
	var reaped []chan struct{}
	for _, m := range c.modules {
		if m.running {
			m.kill()
			reaped = append(reaped, m.reaped)
		}
	}
	c.leave(id)

	for _, ch := range reaped {
		for done := false; !done; {
			select {
			case <-ch:
				done = true
			case <-c.output:
			}
		}
	}
}
