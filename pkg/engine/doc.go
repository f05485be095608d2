// Package engine orchestrates jobs against SRX appliances.
//
// # Jobs
//
// Every operation is a Job persisted through a JobStore. Status moves
// pending -> running -> success | failed | cancelled, or pending -> cancelled,
// and never changes once terminal. Handlers report the current phase and a
// partial result through a Run while they execute.
//
// # Handlers
//
//   - BackupTask saves the running configuration.
//   - HealthTask refreshes facts, storage, alarms and tunnels.
//   - ChangeOrchestrator applies set commands with commit confirmed and only
//     confirms after a fresh session proves the device is still reachable.
//   - UpgradeOrchestrator runs the ten upgrade phases, including the bounded
//     reconnection loop across the reboot.
//
// # Execution
//
// A Pool claims pending jobs and hands them to a Runner, which takes the
// per-device lease, applies the hard and soft time budgets and records the
// terminal status. Beat enqueues the nightly backups and periodic health
// checks.
//
// # Cancellation
//
// Operators may cancel a running job. The request is honored only at phase
// boundaries before the device is mutated (commit confirmed for changes,
// reboot for upgrades) and logged and ignored afterwards.
package engine
