// Package supervisor owns the lifecycle of the local rendering service:
// reclaiming its port, launching it, waiting for readiness and stopping it.
//
// A Supervisor moves through an explicit state machine:
//
//	idle -> port_free -> starting -> ready -> stopped
//
// with failed reachable from starting. When no command is configured the
// service is treated as external: nothing is launched or killed and only
// readiness is awaited.
package supervisor
