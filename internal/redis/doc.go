// Package redis implements the cluster-wide group broker on Redis Pub/Sub.
//
// Every group maps to one Redis channel. An instance subscribes to a channel while it
// has at least one local member of the group and fans received envelopes out locally.
// The client carries a metrics hook and a circuit breaker hook on every command.
package redis
