// Package commands implements the imperative command language described
// in spec.md §4.3: one handler per verb, each checking its own arity and
// then delegating the actual graph mutation to internal/module.Context.
// It is grounded in the original mkapp_commands.c (mk_command_*), down to
// the literal usage and error strings, translated from "symbol name
// looked up via GModule" dispatch into an explicit Go map (see
// DESIGN.md's internal/commands entry: dynamic dispatch by name is
// replaced with a data-structure registry built at startup).
package commands

import (
	"strconv"

	"github.com/procshell/procshell/internal/module"
)

// Handler executes one command. tokens[0] is the command name itself;
// tokens have already been through escape expansion by the time a handler
// sees them. It returns a diagnostic string, or "" on success.
type Handler func(tokens []string, ctx *module.Context) string

var registry = map[string]Handler{
	"define":   cmdDefine,
	"undefine": cmdUndefine,
	"bind":     cmdBind,
	"unbind":   cmdUnbind,
	"run":      cmdRun,
	"kill":     cmdKill,
	"wait":     cmdWait,
	"listen":   cmdListen,
	"ignore":   cmdIgnore,
	"obey":     cmdObey,
	"disobey":  cmdDisobey,
	"eof":      cmdEOF,
	"write":    cmdWrite,
	"exit":     cmdExit,
}

// Lookup finds the handler for a command name. It is a plain map lookup,
// not a runtime symbol resolution — see the package doc comment.
func Lookup(name string) (Handler, bool) {
	h, ok := registry[name]
	return h, ok
}

func cmdDefine(tokens []string, ctx *module.Context) string {
	if len(tokens) < 3 {
		return "usage: define module command [arg...]"
	}
	return ctx.Define(tokens[1], tokens[2:])
}

func cmdUndefine(tokens []string, ctx *module.Context) string {
	if len(tokens) != 2 {
		return "usage: undefine module"
	}
	return ctx.Undefine(tokens[1])
}

func cmdBind(tokens []string, ctx *module.Context) string {
	if len(tokens) != 3 {
		return "usage: bind out_module in_module"
	}
	return ctx.Bind(tokens[1], tokens[2])
}

func cmdUnbind(tokens []string, ctx *module.Context) string {
	if len(tokens) != 3 {
		return "usage: unbind out_module in_module"
	}
	return ctx.Unbind(tokens[1], tokens[2])
}

func cmdRun(tokens []string, ctx *module.Context) string {
	if len(tokens) != 2 {
		return "usage: run module"
	}
	return ctx.Run(tokens[1])
}

func cmdKill(tokens []string, ctx *module.Context) string {
	if len(tokens) != 2 {
		return "usage: kill module"
	}
	return ctx.Kill(tokens[1])
}

func cmdWait(tokens []string, ctx *module.Context) string {
	if len(tokens) != 2 {
		return "usage: wait module"
	}
	return ctx.Wait(tokens[1])
}

func cmdListen(tokens []string, ctx *module.Context) string {
	if len(tokens) != 2 {
		return "usage: listen module"
	}
	return ctx.Listen(tokens[1])
}

func cmdIgnore(tokens []string, ctx *module.Context) string {
	if len(tokens) != 2 {
		return "usage: ignore module"
	}
	return ctx.Ignore(tokens[1])
}

func cmdObey(tokens []string, ctx *module.Context) string {
	if len(tokens) != 2 {
		return "usage: obey module"
	}
	return ctx.Obey(tokens[1])
}

func cmdDisobey(tokens []string, ctx *module.Context) string {
	if len(tokens) != 2 {
		return "usage: disobey module"
	}
	return ctx.Disobey(tokens[1])
}

func cmdEOF(tokens []string, ctx *module.Context) string {
	if len(tokens) != 2 {
		return "usage: eof module"
	}
	return ctx.EOF(tokens[1])
}

func cmdWrite(tokens []string, ctx *module.Context) string {
	if len(tokens) < 3 {
		return "usage: write module string"
	}
	return ctx.Write(tokens[1], tokens[2:])
}

// cmdExit terminates the whole process immediately, bypassing the normal
// context teardown (Context.Shutdown) entirely — modules that are still
// running are not awaited, per spec.md's "Immediate exit" scenario. The
// logger is flushed first since os.Exit skips deferred cleanup.
func cmdExit(tokens []string, ctx *module.Context) string {
	status := 0
	switch len(tokens) {
	case 1:
	case 2:
		v, err := strconv.ParseInt(tokens[1], 10, 32)
		if err != nil {
			return "usage: exit [status]"
		}
		status = int(v)
	default:
		return "usage: exit [status]"
	}

	ctx.Logger().Sync()
	osExit(status)
	return ""
}
