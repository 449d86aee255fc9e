// Package publish drives an uploader over the local store in bounded,
// strictly sequential batches.
package publish
