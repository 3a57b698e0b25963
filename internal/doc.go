// Package energyreport implements the TDM energy consumption reporting
// daemon.
//
// # Architecture
//
// The daemon is structured into several key packages:
//   - config: YAML configuration with environment expansion
//   - database: TimescaleDB sample source and SQLite request ledger
//   - energy: pulse-delta accumulation and calibration
//   - report: HTTP client for the remote report service
//   - scheduler: the periodic reporting cycle and its state machine
//   - grpc: health endpoint for liveness probing
//   - web: operator surface (metrics, ledger queries)
//   - models: shared data structures
//
// Key Properties
//
//   - Exactly-once requests:
//     Every reporting interval has exactly one ledger row; SENT is
//     terminal and a sent interval is never recomputed or resent.
//
//   - Crash-only operation:
//     All progress state lives in the ledger. The process can be
//     killed at any point and resumes from the persisted record
//     states, re-attempting only the step that did not complete.
//
//   - Reset-aware metering:
//     The pulse counter may reset to zero (device reboot); the
//     accumulator counts the post-reset value as consumption since
//     zero rather than discarding the interval.
package energyreport
