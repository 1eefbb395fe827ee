// Package broker implements the in-process group broker.
//
// Registry is the group → member set shared with the Redis broker for local fan-out.
// Memory wraps it as a complete domain.Broker for single-instance deployments and tests.
package broker
