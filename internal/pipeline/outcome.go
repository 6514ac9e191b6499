package pipeline

// Outcome is the result of running one stage.
type Outcome int

const (
	// Continue lets the driver move on to the next stage.
	Continue Outcome = iota
	// Abort stops the main list. The finalization list still runs.
	Abort
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// Cause records what decided a stage outcome.
type Cause string

const (
	// CauseDone means the stage called Signal.Done in time.
	CauseDone Cause = "done"
	// CauseTimeout means the watchdog fired first.
	CauseTimeout Cause = "timeout"
	// CauseInterrupt means the stage short-circuited with ErrInterrupt.
	CauseInterrupt Cause = "interrupt"
	// CauseError means the stage returned an error or panicked.
	CauseError Cause = "error"
	// CauseCancelled means the request context ended while the stage was pending.
	CauseCancelled Cause = "cancelled"
)

// StageKind identifies the position of a stage in the hook chain.
type StageKind string

const (
	KindInit     StageKind = "init"
	KindEnter    StageKind = "enter"
	KindAction   StageKind = "action"
	KindExit     StageKind = "exit"
	KindFinalize StageKind = "finalize"
)

// Phase is the driver state for one request.
type Phase int

const (
	PhaseRunning Phase = iota
	PhaseFinalizing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}
