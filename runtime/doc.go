// Package runtime invokes named agents against queries and scoped session
// history. The LLM call itself is behind the Provider interface and treated
// as an external capability; this package owns prompt assembly, history
// truncation, and turn recording.
package runtime
