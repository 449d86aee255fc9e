// Package tools provides host command execution shared by the process
// supervisor and the git content-repository backend.
//
// Ownership boundary:
// - command execution helpers
//
// - normalized exit/stdout/stderr results and failure formatting
package tools
