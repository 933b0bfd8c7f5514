// Package events defines the event subjects published by the sandbox manager.
package events

// Session lifecycle subjects.
const (
	SessionCreated = "sandbox.session.created"
	SessionClosed  = "sandbox.session.closed"
	SessionReaped  = "sandbox.session.reaped"
)

// Provisioning subjects.
const (
	PortsAllocated     = "sandbox.ports.allocated"
	ProvisionDegraded  = "sandbox.provision.degraded"
	ProvisionCompleted = "sandbox.provision.completed"
)
