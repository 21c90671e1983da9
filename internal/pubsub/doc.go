// Package pubsub defines the per-run broadcast channel used to relay result
// chunks and log lines from the executor to streaming clients. Delivery is
// best-effort and at-most-once: messages published while no subscriber is
// attached are lost, and there is no buffering or replay. Backends cover
// in-memory (tests), Redis (default production) and RabbitMQ deployments.
package pubsub
