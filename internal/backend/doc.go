// Package backend defines the uploader contract shared by every remote
// storage variant and the registry the pipeline selects them from.
//
// Variants live in subpackages: s3 (object store), pinata (content pinning)
// and gitrepo (content repository with a deferred push).
package backend
