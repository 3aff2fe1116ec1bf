package processor

import "time"

// Phase names a timed step of the poll cycle.
type Phase string

const (
	PhasePoll          Phase = "POLL"
	PhaseLoad          Phase = "LOAD"
	PhaseGroup         Phase = "GROUP"
	PhasePersist       Phase = "PERSIST"
	PhasePersistCreate Phase = "PERSIST_CREATE"
	PhasePersistGet    Phase = "PERSIST_GET"
	PhasePersistDelete Phase = "PERSIST_DELETE"
	PhasePersistUpdate Phase = "PERSIST_UPDATE"
	PhaseSendAsync     Phase = "SEND_ASYNC"
	PhaseCommit        Phase = "COMMIT"
	PhaseProcess       Phase = "PROCESS"
)

// Phases lists every phase in cycle order.
var Phases = []Phase{
	PhasePoll, PhaseLoad, PhaseGroup,
	PhasePersist, PhasePersistCreate, PhasePersistGet, PhasePersistDelete, PhasePersistUpdate,
	PhaseSendAsync, PhaseCommit, PhaseProcess,
}

// Metrics receives measurements from the consumer processor. Implementations
// must be safe for concurrent use by several topics.
type Metrics interface {
	ObservePhase(topic string, phase Phase, elapsed time.Duration)
	ObservePollSize(topic string, records int)
	AddReplayed(topic string, n int)
	AddFailed(topic string, n int)
	AddConflicts(topic string, n int)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) ObservePhase(string, Phase, time.Duration) {}
func (NopMetrics) ObservePollSize(string, int)               {}
func (NopMetrics) AddReplayed(string, int)                   {}
func (NopMetrics) AddFailed(string, int)                     {}
func (NopMetrics) AddConflicts(string, int)                  {}
