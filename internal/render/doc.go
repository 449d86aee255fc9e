// Package render fetches artifacts from the local rendering service over its
// HTTP contract and persists them to the local store.
//
//	GET  {image_path}       image bytes for a seed at a scale
//	GET  {attributes_path}  JSON attribute record for a seed
//
// Paths are templates with {seed} and {scale} placeholders.
package render
