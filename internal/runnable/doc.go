// Package runnable holds the catalog of executable entities (agents and
// teams), the resolver that turns a type tag plus identifier into a full
// configuration, and the execution engine that drives a resolved runnable
// against input variables, yielding an ordered finite stream of chunks.
package runnable
