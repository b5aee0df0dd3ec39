package commands

import "os"

// osExit is a variable indirection over os.Exit so tests can observe an
// exit request without actually terminating the test binary.
var osExit = os.Exit

// SetOSExitForTest swaps the exit hook and returns a func that restores
// the previous one. For use by this package's external tests only.
func SetOSExitForTest(f func(int)) (restore func()) {
	prev := osExit
	osExit = f
	return func() { osExit = prev }
}
