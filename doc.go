// Package ingest provides the telemetry ingestion layer for the SiteFlux
// device-monitoring platform: protocol adapters, signal validation, and
// dual-store persistence during the migration from the legacy relational
// store to the time-series store.
//
// # Architecture
//
// Data flows through four stages:
//
//	┌─────────────────────────────────────┐
//	│       Protocol Adapters             │  MQTT, HTTP polling,
//	│   (adapter, adapter/mqtt, ...)      │  NATS, WebSocket
//	└─────────────────────────────────────┘
//	           ↓ canonical data points
//	┌─────────────────────────────────────┐
//	│       Signal Validation             │  Per-category schemas,
//	│          (validator)                │  coercion, range checks
//	└─────────────────────────────────────┘
//	           ↓ validated signals
//	┌─────────────────────────────────────┐
//	│         Dual Write                  │  Time-series store first,
//	│         (dualwrite)                 │  isolated legacy write
//	└─────────────────────────────────────┘
//	           ↓ persisted records
//	┌─────────────────────────────────────┐
//	│   Verification and Monitoring       │  Consistency reports,
//	│     (verifier, monitor)             │  adapter health
//	└─────────────────────────────────────┘
//
// Every protocol adapter produces the same canonical record, a
// datapoint.DataPoint: one asset, one timestamp, a bag of signal values.
// The validator checks each signal against its category's definition and
// passes only the surviving signals to the dual-write adapter, which always
// writes the time-series store first and never lets a legacy-store failure
// block primary ingestion.
//
// Transient failures are retried with configurable backoff (retry), every
// failure is journaled (journal), and the monitor derives per-adapter
// health from lifecycle state and counters. The verifier compares the two
// stores record-by-record and reports a consistency rate per category.
//
// The ingestd binary (cmd/ingestd) wires these packages together from a
// YAML configuration file.
package ingest
