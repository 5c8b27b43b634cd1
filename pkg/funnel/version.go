// Package funnel exposes the public identity of the funnel toolchain.
package funnel

// Version is the semantic version of the funnel CLI and library.
const Version = "v0.1.0"
