// Package diagnostics reports host and process resource usage for the
// health endpoint.
//
// Host figures come from gopsutil and are best effort: a source that fails
// on the current platform leaves its fields zero. Process figures come from
// the Go runtime. Collect is cheap to call repeatedly; host readings are
// cached for a short interval.
package diagnostics
