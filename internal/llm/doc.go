// Package llm defines the minimal client interface the execution engine
// uses to talk to a language model provider, keeping provider adapters
// (internal/llm/openai) behind a single request/response shape.
package llm
