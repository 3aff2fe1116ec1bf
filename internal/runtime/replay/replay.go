// Package replay decides whether an input was already processed and keeps the
// per-key replay log bounded.
package replay

import (
	"time"

	"github.com/drblury/eventmediator/internal/runtime/codec"
	"github.com/drblury/eventmediator/internal/runtime/event"
	idspkg "github.com/drblury/eventmediator/internal/runtime/ids"
	metadatapkg "github.com/drblury/eventmediator/internal/runtime/metadata"
)

const (
	DefaultMaxEntries   = 100
	DefaultMinRetention = 10 * time.Minute
)

// Config bounds the replay log of a single key.
type Config struct {
	// MaxEntries is the number of entries kept once MinRetention has passed.
	MaxEntries int
	// MinRetention keeps entries younger than this regardless of MaxEntries.
	MinRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.MinRetention < 0 {
		c.MinRetention = 0
	}
	return c
}

// Produced holds the asynchronous outputs created for one input during the
// current processing pass.
type Produced struct {
	InputEventID string
	Outputs      []*event.Message
}

// Service looks up and appends replay log entries.
type Service struct {
	cfg Config
	now func() time.Time
}

// New returns a replay service. Zero limits fall back to the defaults.
func New(cfg Config) *Service {
	return &Service{cfg: cfg.withDefaults(), now: time.Now}
}

// InputID returns the replay identity of a consumed record: the event_id
// header when the producer set one, otherwise a digest of topic, key and raw
// value. Bus offsets are not used because they change across rebalances.
func InputID(topic, key string, value []byte, headers metadatapkg.Metadata) string {
	if id := headers[event.HeaderEventID]; id != "" {
		return id
	}
	return idspkg.ContentID([]byte(topic), []byte(key), value)
}

// ReplayEvents returns the cached outputs for inputID and true when the input
// was already processed.
func (s *Service) ReplayEvents(inputID string, ms *codec.MediatorState) ([]*event.Message, bool) {
	if inputID == "" || ms == nil {
		return nil, false
	}
	for _, entry := range ms.OutputEvents {
		if entry.InputEventID == inputID {
			return entry.Outputs, true
		}
	}
	return nil, false
}

// OutputEvents appends produced to existing and prunes the oldest entries.
// Entries appended by this call are never pruned.
func (s *Service) OutputEvents(existing []codec.OutputEvent, produced []Produced) []codec.OutputEvent {
	now := s.now().UTC()
	log := make([]codec.OutputEvent, 0, len(existing)+len(produced))
	log = append(log, existing...)
	for _, p := range produced {
		log = append(log, codec.OutputEvent{
			InputEventID: p.InputEventID,
			Timestamp:    now,
			Outputs:      p.Outputs,
		})
	}

	prunable := len(existing)
	drop := 0
	for drop < prunable && len(log)-drop > s.cfg.MaxEntries {
		if now.Sub(log[drop].Timestamp) < s.cfg.MinRetention {
			break
		}
		drop++
	}
	return log[drop:]
}
