package domain

// TaskState is the lifecycle state of a task.
type TaskState string

// Task states.
const (
	TaskStatePending   TaskState = "pending"
	TaskStateAdmitted  TaskState = "admitted"
	TaskStateSubmitted TaskState = "submitted"
	TaskStatePolling   TaskState = "polling"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// AllTaskStates lists every state in lifecycle order.
var AllTaskStates = []TaskState{
	TaskStatePending,
	TaskStateAdmitted,
	TaskStateSubmitted,
	TaskStatePolling,
	TaskStateCompleted,
	TaskStateFailed,
	TaskStateCancelled,
}

// QuotaStates are the states that hold a concurrency slot.
var QuotaStates = []TaskState{TaskStateAdmitted, TaskStateSubmitted, TaskStatePolling}

// NonTerminalStates are the states a timeout can still apply to.
var NonTerminalStates = []TaskState{
	TaskStatePending,
	TaskStateAdmitted,
	TaskStateSubmitted,
	TaskStatePolling,
}

// transitions maps each source state to the states it may move to.
// polling -> polling is a metadata update and is handled separately.
var transitions = map[TaskState][]TaskState{
	TaskStatePending: {
		TaskStateAdmitted,
		TaskStateCancelled,
		TaskStateFailed, // deadline passed before admission
	},
	TaskStateAdmitted: {
		TaskStateSubmitted,
		TaskStatePending,
		TaskStateFailed,
		TaskStateCancelled,
	},
	TaskStateSubmitted: {
		TaskStatePolling,
		TaskStateCancelled,
		TaskStateFailed, // deadline passed before first poll
	},
	TaskStatePolling: {
		TaskStateCompleted,
		TaskStateFailed,
		TaskStateCancelled,
	},
}

// IsValid reports whether s is a known state.
func (s TaskState) IsValid() bool {
	switch s {
	case TaskStatePending, TaskStateAdmitted, TaskStateSubmitted, TaskStatePolling,
		TaskStateCompleted, TaskStateFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible from s.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCancelled
}

// CountsTowardQuota reports whether a task in s occupies a concurrency slot.
func (s TaskState) CountsTowardQuota() bool {
	return s == TaskStateAdmitted || s == TaskStateSubmitted || s == TaskStatePolling
}

// CanTransition reports whether the state machine allows from -> to.
// The polling self-loop is allowed as an in-place metadata update.
func CanTransition(from, to TaskState) bool {
	if from == TaskStatePolling && to == TaskStatePolling {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
