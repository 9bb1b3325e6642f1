// Package batch implements the write batcher: time/size-bounded batched
// persistence commits with chunked sub-commits and transient-failure retry.
package batch
