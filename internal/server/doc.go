// Package server implements the HTTP API of the rolloutd execution engine.
//
// This package provides:
//   - Manual trigger and execution status endpoints per service
//   - Operator endpoints for termination and judgment decisions
//   - Audit ledger retrieval per execution
//   - Per-IP rate limiting to prevent abuse
//   - Structured logging of all HTTP requests
//
// The server integrates with other packages:
//   - internal/engine: pipeline execution state machine
//   - internal/trigger: artifact trigger dispatch and idempotency
//   - internal/store: SQLite-backed execution and stage state
//   - internal/ledger: append-only audit records
//
// Security features:
//   - Service name, actor and artifact id validation
//   - Payload size limits (1MB max)
//   - Rate limiting (global and per-trigger)
package server
