package session

import (
	"github.com/joescharf/apex/internal/events"
	"github.com/joescharf/apex/internal/models"
	"github.com/joescharf/apex/internal/reducer"
)

// Replay rebuilds a session by running recorded frames through r in order.
// Frames that do not parse, or that belong to another build, are skipped and
// counted.
func Replay(r *reducer.Reducer, buildID string, frames [][]byte) (*models.BuildSession, int) {
	if r == nil {
		r = reducer.New()
	}
	var s *models.BuildSession
	skipped := 0
	for _, raw := range frames {
		ev, err := events.Parse(raw)
		if err != nil {
			skipped++
			continue
		}
		if id := ev.EventHeader().BuildID; id != "" && id != buildID {
			skipped++
			continue
		}
		s = r.Apply(s, ev)
	}
	return s, skipped
}
