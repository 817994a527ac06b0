package updater

// State is one step of the update session state machine. Transitions only
// ever move forward; a later state must never begin before the previous one
// fully succeeded.
type State int

// Session states in pipeline order. Verified and RolledBack are terminal
// for a session.
const (
	StateIdle State = iota
	StateChecking
	StateUpdateAvailable
	StateDownloading
	StateVerifying
	StateBackingUp
	StateApplying
	StateVerified
	StateRolledBack
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateUpdateAvailable:
		return "update_available"
	case StateDownloading:
		return "downloading"
	case StateVerifying:
		return "verifying"
	case StateBackingUp:
		return "backing_up"
	case StateApplying:
		return "applying"
	case StateVerified:
		return "verified"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Outcome is the per-session result reported to the operator.
type Outcome string

// Session outcomes.
const (
	OutcomeUpToDate        Outcome = "up_to_date"
	OutcomeUpdateAvailable Outcome = "update_available"
	OutcomeVerified        Outcome = "verified"
	OutcomeRolledBack      Outcome = "rolled_back"
	OutcomeFailed          Outcome = "failed"
)
