// Package run models a single execution request of an agent or team: its
// status state machine (pending through running to a terminal state), the
// persistent record stores, and the service that creates runs and submits
// them to the job launcher. Terminal transitions are committed atomically so
// a terminal status can never be overwritten by a stale writer.
package run
