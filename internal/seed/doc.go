// Package seed owns seed identity and the sources that produce the seed set
// for one pipeline run.
//
// Random draws are not deduplicated. Two equal seeds in one run render to the
// same file names, so the later artifact overwrites the earlier one.
package seed
