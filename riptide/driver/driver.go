// Package driver names the storage backends a queue can run on.
package driver

// Driver selects the store implementation backing a queue.
type Driver string

const (
	// DriverRedis is the production backend: durable records, blocking
	// lane pops, multi-process consumers.
	DriverRedis Driver = "redis"

	// DriverMemory runs entirely in-process, for tests and single-node
	// embedding.
	DriverMemory Driver = "memory"

	// DriverCustom uses a caller-provided store.Store.
	DriverCustom Driver = "custom"
)
