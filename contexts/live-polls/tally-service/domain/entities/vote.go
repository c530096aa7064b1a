package entities

import "time"

// Vote is a voter's active choice for a poll. There is at most one active
// vote per (PollID, VoterID); a new choice replaces the previous one.
type Vote struct {
	PollID    string
	VoterID   string
	OptionID  string
	CastAt    time.Time
	UpdatedAt time.Time
}

// ApplyResult describes what the ledger did with a submitted vote.
type ApplyResult struct {
	PreviousOptionID string
	HadPrevious      bool
	Changed          bool
}

type OptionCount struct {
	OptionID  string
	VoteCount int
}

// Snapshot is a point-in-time copy of a poll tally. Counts follow the poll's
// option order and include options without votes. Version increases with
// every effective change of the poll tally.
type Snapshot struct {
	PollID  string
	Version uint64
	Counts  []OptionCount
	TakenAt time.Time
}

func (s Snapshot) Total() int {
	total := 0
	for _, item := range s.Counts {
		total += item.VoteCount
	}
	return total
}

func (s Snapshot) Count(optionID string) int {
	for _, item := range s.Counts {
		if item.OptionID == optionID {
			return item.VoteCount
		}
	}
	return 0
}

// Clone returns a snapshot that shares no memory with s.
func (s Snapshot) Clone() Snapshot {
	counts := make([]OptionCount, len(s.Counts))
	copy(counts, s.Counts)
	s.Counts = counts
	return s
}
