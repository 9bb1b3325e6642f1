// Package analysis provides the interface and error taxonomy for the
// external LLM call boundary. It abstracts the details of provider
// integration so the orchestration core only sees a boolean/latency outcome
// and a transient-vs-terminal classification per attempted call.
package analysis
