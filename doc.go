// Package fab defines the core interfaces, types, and helpers used across the fab codebase.
// It provides the lease lock surface, cache and commit-log abstractions, shared error codes,
// marshaling, and retry/jitter helpers. Concrete backends live in subpackages such as redis,
// cache (in-process), cassandra, postgres, sqlite and s3, while the batching engine itself
// lives in the batch subpackage with the form aggregate in form and rule plumbing in rules.
// It is designed to be extensible and modular, allowing for various storage and cache backends
// to be implemented while sharing a common interface.
// It is a foundational package that other components build upon.
package fab

// Timeout model
//
// fab operations (notably context saves) are bounded by two timers:
//  1. The caller-provided context deadline/cancellation which propagates across subsystems.
//  2. An operation-specific maximum duration (e.g., EngineOptions.MaxCommitTime) used for
//     internal safety limits and lease TTLs.
//
// The effective save duration is the earlier of the context deadline and MaxCommitTime.
// Leases use their own TTL so that a crashed holder frees the form even if its context
// was never canceled. If the expired-session sweep should run within the caller's budget,
// prefer setting ctx.Deadline >= MaxCommitTime plus a small slack.
