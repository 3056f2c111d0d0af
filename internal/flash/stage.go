package flash

// Stage is one step of a flash session's lifecycle.
type Stage string

// Session stages.
const (
	StagePreparing  Stage = "PREPARING"
	StageBackingUp  Stage = "BACKING_UP"
	StageValidating Stage = "VALIDATING"
	StagePreChecks  Stage = "PRE_CHECKS"
	StageFlashing   Stage = "FLASHING"
	StageVerifying  Stage = "VERIFYING"
	StagePostChecks Stage = "POST_CHECKS"
	StageCompleted  Stage = "COMPLETED"
	StageFailed     Stage = "FAILED"
	StageRestoring  Stage = "RESTORING"
	StageRestored   Stage = "RESTORED"
)

// Progress reached on entering each happy-path stage.
var stageProgress = map[Stage]int{
	StagePreparing:  0,
	StageBackingUp:  20,
	StageValidating: 30,
	StagePreChecks:  40,
	StageFlashing:   50,
	StageVerifying:  70,
	StagePostChecks: 90,
	StageCompleted:  100,
	StageRestored:   100,
}

var transitions = map[Stage][]Stage{
	StagePreparing:  {StageBackingUp, StageFailed},
	StageBackingUp:  {StageValidating, StageFailed},
	StageValidating: {StageValidating, StagePreChecks, StageFailed},
	StagePreChecks:  {StageFlashing, StageFailed},
	StageFlashing:   {StageVerifying, StageFailed},
	StageVerifying:  {StagePostChecks, StageFailed},
	StagePostChecks: {StageCompleted, StageFailed},
	StageFailed:     {StageRestoring},
	StageRestoring:  {StageRestored, StageFailed},
}

// Stages whose work is done by an Engine operation. AdvanceStage cannot
// enter them directly.
var enteredBy = map[Stage]string{
	StageValidating: "Validate",
	StagePreChecks:  "RunPreChecks",
	StageFlashing:   "Flash",
	StageVerifying:  "Flash",
	StagePostChecks: "Flash",
}

// CanTransition reports whether the table allows from -> to. Guards on
// session state are checked separately.
func CanTransition(from, to Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageRestored
}

// Recovery reports whether s belongs to the failure path.
func (s Stage) Recovery() bool {
	return s == StageFailed || s == StageRestoring || s == StageRestored
}

// DefaultProgress is the progress recorded on entering s, or -1 for stages
// that keep the current progress.
func (s Stage) DefaultProgress() int {
	if p, ok := stageProgress[s]; ok {
		return p
	}
	return -1
}
