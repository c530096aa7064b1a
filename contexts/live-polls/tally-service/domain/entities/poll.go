package entities

import "time"

// Poll is the read-only view of a poll owned by the poll CRUD service.
type Poll struct {
	PollID    string
	CreatorID string
	Question  string
	Options   []Option
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Option carries a stable identifier that is independent of its display
// position.
type Option struct {
	OptionID string
	Caption  string
	Position int
}

func (p Poll) HasOption(optionID string) bool {
	for _, option := range p.Options {
		if option.OptionID == optionID {
			return true
		}
	}
	return false
}

func (p Poll) OptionIDs() []string {
	ids := make([]string, 0, len(p.Options))
	for _, option := range p.Options {
		ids = append(ids, option.OptionID)
	}
	return ids
}

// IsOpen reports whether votes are still accepted at now.
func (p Poll) IsOpen(now time.Time) bool {
	if p.ExpiresAt == nil {
		return true
	}
	return now.UTC().Before(p.ExpiresAt.UTC())
}
