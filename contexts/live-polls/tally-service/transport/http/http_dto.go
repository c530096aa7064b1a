package http

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SubmitVoteRequest struct {
	PollID   string `json:"poll_id"`
	OptionID string `json:"option_id"`
}

// VoteCount is one row of a tally; vote_update stream events carry the same
// rows.
type VoteCount struct {
	OptionID  string `json:"option_id"`
	VoteCount int    `json:"vote_count"`
}

type TallyResponse struct {
	PollID     string      `json:"poll_id"`
	Version    uint64      `json:"version"`
	TotalVotes int         `json:"total_votes"`
	Counts     []VoteCount `json:"counts"`
}

type SubmitVoteResponse struct {
	PollID           string      `json:"poll_id"`
	OptionID         string      `json:"option_id"`
	PreviousOptionID string      `json:"previous_option_id,omitempty"`
	Changed          bool        `json:"changed"`
	Version          uint64      `json:"version"`
	Counts           []VoteCount `json:"counts"`
}

type OptionResponse struct {
	OptionID string `json:"option_id"`
	Caption  string `json:"caption"`
	Position int    `json:"position"`
}

type PollResponse struct {
	PollID          string           `json:"poll_id"`
	CreatorID       string           `json:"creator_id"`
	Question        string           `json:"question"`
	Options         []OptionResponse `json:"options"`
	ExpiresAt       string           `json:"expires_at,omitempty"`
	CreatedAt       string           `json:"created_at"`
	Open            bool             `json:"open"`
	CurrentOptionID string           `json:"current_option_id,omitempty"`
}

type PollSummary struct {
	PollID      string `json:"poll_id"`
	Question    string `json:"question"`
	OptionCount int    `json:"option_count"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	Open        bool   `json:"open"`
}

type ListPollsResponse struct {
	Items []PollSummary `json:"items"`
}
