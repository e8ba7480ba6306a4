// Package observe provides observability primitives for the query cache.
//
// It is a pure instrumentation library: no caching, no scheduling, no I/O
// beyond exporter setup. The cache packages receive an Instrumentation and
// report evaluation passes, anteroom pressure and lookups through it.
package observe
