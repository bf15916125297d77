package headless

// RPCMethod names a method of delve's RPCServer (service/rpc2)
type RPCMethod string

const (
	RPCCommand RPCMethod = "RPCServer.Command"
	RPCState   RPCMethod = "RPCServer.State"

	// Stack methods
	RPCStacktrace     RPCMethod = "RPCServer.Stacktrace"
	RPCListGoroutines RPCMethod = "RPCServer.ListGoroutines"

	// Execution methods
	RPCRestart RPCMethod = "RPCServer.Restart"
	RPCDetach  RPCMethod = "RPCServer.Detach"
)

// Breakpoint names delve gives the breakpoints it sets on runtime crashes
const (
	unrecoveredPanicBreakpoint = "unrecovered-panic"
	fatalThrowBreakpoint       = "runtime-fatal-throw"
)
