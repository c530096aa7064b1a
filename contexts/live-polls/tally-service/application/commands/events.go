package commands

import (
	"time"

	"pollcast/contexts/live-polls/tally-service/ports"
	"pollcast/internal/shared/events"
)

const (
	EventTypeVoteCast = "vote.cast"
	sourceService     = "tally-service"
)

type voteCastPayload struct {
	PollID   string    `json:"poll_id"`
	VoterID  string    `json:"voter_id"`
	OptionID string    `json:"option_id"`
	CastAt   time.Time `json:"cast_at"`
}

// Vote events are partitioned by poll so consumers see a poll's votes in
// commit order.
func newVoteCastEnvelope(eventID string, payload voteCastPayload) (ports.EventEnvelope, error) {
	return events.NewEnvelope(
		eventID,
		EventTypeVoteCast,
		sourceService,
		"poll_id",
		payload.PollID,
		payload.CastAt,
		payload,
	)
}
