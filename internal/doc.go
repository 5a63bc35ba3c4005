// Package internal documents the eventlanes internals.
//
// The internal tree is organized by responsibility:
// - queue: dispatcher, lanes, barrier coordination and the effective cursor
// - handlers: payload types and the projection they are applied to
// - storage: the event log, properties, history and projection tables (Postgres)
// - jobs: River retention workers
// - audit, config, metrics, telemetry: shared infrastructure
//
// Code in internal/ is not meant for external import.
package internal
