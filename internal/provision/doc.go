// Package provision downloads tool artifacts into a target directory, marks
// them executable, smoke-tests each one, and lists the result.
//
// Ownership boundary:
// - target directory sandbox
// - per-tool fetch, stage, chmod, rename sequence
// - smoke test classification (exit tolerated, signal is a crash)
// - run report, ledger records, metrics
//
// Work is strictly sequential; one tool finishes before the next starts.
package provision
