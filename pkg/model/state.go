package model

// BuildState is the lifecycle state of a build session.
type BuildState string

// Constants.

const (
	// PendingState constant.
	PendingState BuildState = "PENDING"
	// ProvisioningState constant.
	ProvisioningState BuildState = "PROVISIONING"
	// ScaffoldingState constant.
	ScaffoldingState BuildState = "SCAFFOLDING"
	// BuildingState constant.
	BuildingState BuildState = "BUILDING"
	// PreviewReadyState constant.
	PreviewReadyState BuildState = "PREVIEW_READY"
	// IdleState constant.
	IdleState BuildState = "IDLE"
	// FailedState constant.
	FailedState BuildState = "FAILED"
	// DestroyedState constant.
	DestroyedState BuildState = "DESTROYED"
)

// SandboxLiveStates are the states in which a session must hold a sandbox ref.
var SandboxLiveStates = map[BuildState]bool{
	ScaffoldingState:  true,
	BuildingState:     true,
	PreviewReadyState: true,
	IdleState:         true,
}

// TerminalStates are the states a session can never leave.
var TerminalStates = map[BuildState]bool{
	FailedState:    true,
	DestroyedState: true,
}

// BuildTransitions maps session states to their possible transitions. Destroyed is reachable
// from every live state because explicit termination must always win; Failed likewise.
var BuildTransitions = map[BuildState]map[BuildState]bool{
	PendingState: {
		ProvisioningState: true,
		FailedState:       true,
		DestroyedState:    true,
	},
	ProvisioningState: {
		ScaffoldingState: true,
		FailedState:      true,
		DestroyedState:   true,
	},
	ScaffoldingState: {
		BuildingState:  true,
		IdleState:      true,
		FailedState:    true,
		DestroyedState: true,
	},
	BuildingState: {
		PreviewReadyState: true,
		IdleState:         true,
		FailedState:       true,
		DestroyedState:    true,
	},
	PreviewReadyState: {
		BuildingState:  true,
		IdleState:      true,
		FailedState:    true,
		DestroyedState: true,
	},
	IdleState: {
		BuildingState:  true,
		FailedState:    true,
		DestroyedState: true,
	},
	FailedState:    {},
	DestroyedState: {},
}
