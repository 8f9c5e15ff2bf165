package agents

// Agent roles used by the analysis workflow.
const (
	RoleCoordinator = "coordinator"
	RolePlanner     = "planner"
	RoleSupervisor  = "supervisor"
	RoleCoder       = "coder"
	RoleValidator   = "validator"
	RoleReporter    = "reporter"
	RoleTracker     = "tracker"
)
