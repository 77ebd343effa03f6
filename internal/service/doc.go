// Package service supervises a server under test and the test runner
// exercising it.
//
// Overview
// The Supervisor launches a server through a ServerLauncher, optionally
// probes it over HTTP, runs a TestRunner against its base URL and kills the
// server exactly once on every path. The exit status of the runner becomes
// the result of Supervisor.Do.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - starts the process
//   - merges stdout and stderr into one pipe
//   - passes the output line by line to a callback (extra goroutine)
//   - exposes Wait, Done and a channel of Result values
//   - Kill and Close join every goroutine it started
//
// Data flow:
//
//	Supervisor          ProcessLauncher            Runner{server}
//	    |                     |                         |
//	    | Launch() ---------->| Start() --------------->| os/exec.Start + Wait() in goroutine
//	    |                     |<------- lines ----------| output goroutine
//	    |                     | readiness.Detector      |
//	    |<--- ServerHandle ---| (both markers seen)     |
//	    |                                               |
//	    | CommandTestRunner.Run(base url) ---> Runner{runner}
//	    |<----------- exit status ----------------------|
//	    | Kill() -------------------------------------->| SIGKILL to the group, joins goroutines
//
// Invariants:
//   - The test runner starts only after all readiness markers, in order.
//   - Startup is bounded by a deadline, an early exit of the server fails it.
//   - Server output keeps being drained until the server is killed.
//   - Kill is called once, also when the runner fails or can't be started.
//   - Children of a killed or exited process are killed with it.
//
// internal/service/supervisor_test.go is the best source about how to
// properly use the Supervisor struct.
package service
