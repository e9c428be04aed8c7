// Package harness implements the matched-trade correctness pipeline.
//
// A run walks six stages in strict order:
//   - connect: every account opens and authenticates its stream
//   - positions: starting snapshots are captured
//   - flags: venue feature flags are enabled per account
//   - ticker: one reference price is sampled, with a bounded wait
//   - trade: N synthetic trades are submitted as matched long/short pairs,
//     one round at a time, waiting for terminal fills per round
//   - checkTrades: observed position deltas are reconciled against the
//     role-signed sum of trade amounts as exact decimals
//
// Per-account work inside a stage fans out concurrently and fans back in
// before the next stage; the first stage error aborts the run.
package harness
