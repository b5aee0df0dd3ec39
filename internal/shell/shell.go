// Package shell wires internal/parser's byte-dispatch machine into the
// application-level command grammar described in spec.md §4.2: tokens
// delimited by whitespace, commands terminated by ';', '#' comments,
// shell-like quoting, and end-of-file notifying the module context.
package shell

import (
	"fmt"
	"io"

	"github.com/procshell/procshell/internal/commands"
	"github.com/procshell/procshell/internal/module"
	"github.com/procshell/procshell/internal/parser"
)

// Shell is the application command parser plus the command loop driving
// it: one instance of internal/parser configured with the shell grammar,
// a reference to the module context commands mutate, and a sink for
// diagnostic output.
//
// A single parser instance serves two byte sources: the host's own
// command stream, and the stdout of every obey-flagged module replayed
// back in. Both are interpreted by the one goroutine running Run — the
// single logical dispatcher of spec.md §5. Module output reaches that
// goroutine through the context's routing queue, whole read-chunks at a
// time, which is exactly the granularity spec.md §5 allows the
// interleaving to be non-deterministic at.
type Shell struct {
	p   *parser.Parser
	ctx *module.Context
	err io.Writer
}

type shellData struct {
	s *Shell
}

// New builds a Shell bound to ctx, writing command diagnostics to err
// (conventionally the host's standard error).
func New(ctx *module.Context, err io.Writer) *Shell {
	s := &Shell{ctx: ctx, err: err}
	s.p = parser.New(&shellData{s: s})

	tokenAppend := func(p *parser.Parser, c byte) { p.TokenAppend(c) }
	s.p.ConfigureDefault(tokenAppend)
	s.p.ConfigureNonASCII(tokenAppend)
	s.p.EnableDefaults()
	s.p.Configure(';', commandEnd)
	s.p.ConfigureAll(" \t\n", func(p *parser.Parser, c byte) { p.TokenCut() })

	return s
}

// Feed interprets one chunk of an obey-flagged module's stdout — this is
// the interpreter hook bound to a context via Context.SetInterpreter.
// The context invokes it from Route, on the loop goroutine; it must not
// be called concurrently with Run from anywhere else.
func (s *Shell) Feed(data []byte) {
	for _, c := range data {
		s.p.Feed(c)
	}
}

// Run is the command loop: it interprets the host's command stream from r
// interleaved with queued module output, and returns once the command
// source is exhausted, everything queued has been routed, and no module
// is left running. This mirrors the original's single main loop over
// {command input, module outputs, child exits}; the pipes are read by
// per-module goroutines, but everything they produce is routed here.
func (s *Shell) Run(r io.Reader) error {
	hostCh := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			buf := make([]byte, 4096)
			n, err := r.Read(buf)
			if n > 0 {
				hostCh <- buf[:n]
			}
			if err != nil {
				readErr <- err
				close(hostCh)
				return
			}
		}
	}()

	var srcErr error
	for {
		// Route everything already queued before reading more commands
		// or deciding the loop is done: output a module produced — or
		// died producing — always takes effect first.
		s.routePending()

		if s.ctx.Quiescent() && !s.ctx.PendingOutput() {
			return srcErr
		}

		select {
		case chunk, ok := <-hostCh:
			if !ok {
				hostCh = nil
				if err := <-readErr; err != io.EOF {
					srcErr = err
				}
				s.ctx.EOFReceived()
				continue
			}
			s.Feed(chunk)
		case ev := <-s.ctx.Output():
			s.ctx.Route(ev)
		case <-s.ctx.Wake():
		}
	}
}

func (s *Shell) routePending() {
	for {
		select {
		case ev := <-s.ctx.Output():
			s.ctx.Route(ev)
		default:
			return
		}
	}
}

func commandEnd(p *parser.Parser, c byte) {
	p.TokenCut()
	if p.TokenSize() == 0 {
		return
	}

	// Take the command off the token vector before dispatching it: a
	// handler such as wait may route obey output back into this same
	// parser, and those commands must start from an empty vector.
	tokens := append([]string(nil), p.Tokens()...)
	p.TokenClear()

	data := p.UserData.(*shellData)
	data.s.dispatch(tokens)
}

// dispatch implements spec.md §4.2's dispatch rule precisely: the handler
// is looked up by the token vector's RAW first token (before escape
// expansion — see SPEC_FULL.md §3), then every token is escape-expanded,
// and only then is the handler invoked.
func (s *Shell) dispatch(tokens []string) {
	name := tokens[0]
	handler, ok := commands.Lookup(name)

	expanded := make([]string, len(tokens))
	for i, t := range tokens {
		expanded[i] = expandEscapes(t)
	}

	if !ok {
		fmt.Fprintf(s.err, "%s: command not found.\n", name)
		return
	}

	if msg := handler(expanded, s.ctx); msg != "" {
		fmt.Fprintf(s.err, "%s: %s\n", name, msg)
	}
}
