package module_test

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/procshell/procshell/internal/module"
)

func newTestContext(stdout, stderr *bytes.Buffer) *module.Context {
	return module.NewContext(zap.NewNop(), stdout, stderr)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDefineRunExit_BasicLifecycle(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)

	if got := ctx.Define("echoer", []string{"/bin/echo", "hello"}); got != "" {
		t.Fatalf("define: %q", got)
	}
	if got := ctx.Run("echoer"); got != "" {
		t.Fatalf("run: %q", got)
	}

	m, ok := ctx.Lookup("echoer")
	if !ok {
		t.Fatal("expected echoer to be defined")
	}
	waitFor(t, func() bool { return !m.IsRunning() }, "echoer never exited")

	if got := ctx.Wait("echoer"); got != "module not running" {
		t.Fatalf("wait after natural exit: got %q", got)
	}
}

func TestRun_AlreadyRunning(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)

	ctx.Define("sleeper", []string{"/bin/sleep", "1"})
	if got := ctx.Run("sleeper"); got != "" {
		t.Fatalf("run: %q", got)
	}
	defer ctx.Kill("sleeper")

	if got := ctx.Run("sleeper"); got != "module already running" {
		t.Fatalf("second run: got %q, want %q", got, "module already running")
	}
}

func TestKill_NotRunning(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)
	ctx.Define("m", []string{"/bin/true"})

	if got := ctx.Kill("m"); got != "module not running" {
		t.Fatalf("kill: got %q, want %q", got, "module not running")
	}
}

func TestWait_BlocksUntilExit(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)

	ctx.Define("sleeper", []string{"/bin/sleep", "0.2"})
	ctx.Run("sleeper")

	start := time.Now()
	if got := ctx.Wait("sleeper"); got != "" {
		t.Fatalf("wait: %q", got)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Fatal("wait returned suspiciously early")
	}
}

func TestPipeline_BindDeliversStdoutToListener(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)

	ctx.Define("producer", []string{"/bin/echo", "piped data"})
	ctx.Define("consumer", []string{"/bin/cat"})

	if got := ctx.Run("consumer"); got != "" {
		t.Fatalf("run consumer: %q", got)
	}
	if got := ctx.Bind("producer", "consumer"); got != "" {
		t.Fatalf("bind: %q", got)
	}
	if got := ctx.Listen("consumer"); got != "" {
		t.Fatalf("listen: %q", got)
	}
	if got := ctx.Run("producer"); got != "" {
		t.Fatalf("run producer: %q", got)
	}

	ctx.Wait("producer")
	ctx.EOF("consumer")
	ctx.Wait("consumer")

	if !strings.Contains(out.String(), "piped data") {
		t.Fatalf("expected consumer's listened output to contain piped data, got %q", out.String())
	}
}

func TestBind_DuplicateRejected(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)
	ctx.Define("a", []string{"/bin/true"})
	ctx.Define("b", []string{"/bin/true"})

	if got := ctx.Bind("a", "b"); got != "" {
		t.Fatalf("first bind: %q", got)
	}
	if got := ctx.Bind("a", "b"); got != "binding already exists" {
		t.Fatalf("duplicate bind: got %q, want %q", got, "binding already exists")
	}
}

func TestUnbind_RoundTrip_RestoresState(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)
	ctx.Define("a", []string{"/bin/true"})
	ctx.Define("b", []string{"/bin/true"})

	ctx.Bind("a", "b")
	b, _ := ctx.Lookup("b")
	if b.WritersCount() != 1 {
		t.Fatalf("writers count after bind: got %d, want 1", b.WritersCount())
	}

	if got := ctx.Unbind("a", "b"); got != "" {
		t.Fatalf("unbind: %q", got)
	}
	if b.WritersCount() != 0 {
		t.Fatalf("writers count after unbind: got %d, want 0", b.WritersCount())
	}
	if got := ctx.Unbind("a", "b"); got != "no such binding" {
		t.Fatalf("second unbind: got %q, want %q", got, "no such binding")
	}
}

func TestListenIgnore_RoundTrip(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)
	ctx.Define("a", []string{"/bin/true"})
	m, _ := ctx.Lookup("a")

	ctx.Listen("a")
	if !m.ListenFlag() {
		t.Fatal("expected listen flag set")
	}
	ctx.Ignore("a")
	if m.ListenFlag() {
		t.Fatal("expected listen flag cleared")
	}
	ctx.Listen("a")
	ctx.Ignore("a")
	if m.ListenFlag() {
		t.Fatal("expected listen flag false after listen;ignore;listen;ignore")
	}
}

func TestObeySelf_ModuleDrivesItsOwnCommands(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)

	var mu sync.Mutex
	var fed bytes.Buffer
	ctx.SetInterpreter(func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		fed.Write(data)
	})

	ctx.Define("self", []string{"/bin/printf", "run self\\n"})
	ctx.Obey("self")
	if got := ctx.Run("self"); got != "" {
		t.Fatalf("run: %q", got)
	}
	ctx.Wait("self")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(fed.String(), "run self")
	}, "expected self's own stdout to have been fed to the interpreter hook")
}

func TestDefine_ReplacesRunningModule_KillsIt(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)

	ctx.Define("m", []string{"/bin/sleep", "5"})
	ctx.Run("m")
	old, _ := ctx.Lookup("m")

	ctx.Define("m", []string{"/bin/echo", "replaced"})
	waitFor(t, func() bool { return !old.IsRunning() }, "old instance was not killed on redefine")

	fresh, _ := ctx.Lookup("m")
	if fresh == old {
		t.Fatal("expected a brand new module instance after redefine")
	}
}

func TestUndefine_WhileRunning_DeferredTeardownScrubsListenerEdges(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)

	ctx.Define("producer", []string{"/bin/sleep", "5"})
	ctx.Define("consumer", []string{"/bin/cat"})
	ctx.Run("producer")
	ctx.Run("consumer")
	ctx.Bind("producer", "consumer")

	consumer, _ := ctx.Lookup("consumer")
	if consumer.WritersCount() != 1 {
		t.Fatalf("expected writers count 1 before undefine, got %d", consumer.WritersCount())
	}

	if got := ctx.Undefine("producer"); got != "" {
		t.Fatalf("undefine: %q", got)
	}
	if _, ok := ctx.Lookup("producer"); ok {
		t.Fatal("expected producer to be gone from the graph immediately")
	}

	waitFor(t, func() bool { return consumer.WritersCount() == 0 }, "consumer's writers_count was never scrubbed once producer was reaped")

	ctx.Kill("consumer")
}

func TestUndefine_Unbound_ImmediateTeardown(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)
	ctx.Define("m", []string{"/bin/true"})

	if got := ctx.Undefine("m"); got != "" {
		t.Fatalf("undefine: %q", got)
	}
	if got := ctx.Undefine("m"); got != "module not found" {
		t.Fatalf("second undefine: got %q, want %q", got, "module not found")
	}
}

func TestWrite_JoinsTokensWithTrailingSpaceAndNewline(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)

	ctx.Define("cat", []string{"/bin/cat"})
	ctx.Run("cat")
	ctx.Listen("cat")

	if got := ctx.Write("cat", []string{"a", "b", "c"}); got != "" {
		t.Fatalf("write: %q", got)
	}
	ctx.EOF("cat")
	ctx.Wait("cat")

	if got := out.String(); got != "a b c \n" {
		t.Fatalf("got %q, want %q", got, "a b c \n")
	}
}

func TestWrite_AfterEOFAndExit_ReportsNotRunning(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)

	ctx.Define("cat", []string{"/bin/cat"})
	ctx.Run("cat")
	ctx.EOF("cat")
	ctx.Wait("cat")

	if got := ctx.Write("cat", []string{"too late"}); got != "module not running" {
		t.Fatalf("write to exited module: got %q, want %q", got, "module not running")
	}
}

func TestEOFReceived_SignalsDoneWhenNothingRunning(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)

	ctx.EOFReceived()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to fire immediately: no modules were running")
	}
}

func TestEOFReceived_WaitsForRunningModulesBeforeSignalingDone(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)

	ctx.Define("sleeper", []string{"/bin/sleep", "0.2"})
	ctx.Run("sleeper")
	ctx.EOFReceived()

	select {
	case <-ctx.Done():
		t.Fatal("Done fired while a module was still running")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done never fired once the running module exited")
	}
}

func TestShutdown_KillsAndReapsEveryRunningModule(t *testing.T) {
	var out, errBuf bytes.Buffer
	ctx := newTestContext(&out, &errBuf)

	ctx.Define("a", []string{"/bin/sleep", "5"})
	ctx.Define("b", []string{"/bin/sleep", "5"})
	ctx.Run("a")
	ctx.Run("b")

	done := make(chan struct{})
	go func() {
		ctx.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after killing running modules")
	}

	a, _ := ctx.Lookup("a")
	b, _ := ctx.Lookup("b")
	if a.IsRunning() || b.IsRunning() {
		t.Fatal("expected both modules stopped after Shutdown")
	}
}
