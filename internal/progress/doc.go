// Package progress observes pipeline phases: per-phase counters for the run
// summary and terminal reporters for interactive feedback.
//
// Reporters never influence control flow. Write failures disable a reporter
// and panics inside a reporter are recovered.
package progress
