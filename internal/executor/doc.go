// Package executor implements the per-run worker process. One executor is
// launched per run as an isolated job; it fetches the run record, resolves
// the runnable configuration, drives execution to completion while publishing
// result chunks and mirrored log lines, and commits the terminal status. It
// exits 0 only when the run ends completed.
package executor
