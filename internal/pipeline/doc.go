// Package pipeline wires one generation-and-publishing run: reclaim the
// render port, start the service, fetch every seed, publish the store to each
// configured backend, patch records with image locations, flush deferred
// backend work and stop the service.
package pipeline
