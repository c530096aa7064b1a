package errors

import "errors"

var (
	ErrInvalidVoteInput          = errors.New("invalid vote input")
	ErrUnauthorized              = errors.New("voter identity is required")
	ErrPollNotFound              = errors.New("poll not found")
	ErrInvalidOption             = errors.New("option does not belong to poll")
	ErrPollClosed                = errors.New("poll is closed for voting")
	ErrConcurrentUpdateConflict  = errors.New("concurrent update conflict")
	ErrStorageUnavailable        = errors.New("storage unavailable")
	ErrSubscriptionQuotaExceeded = errors.New("subscription quota exceeded")
	ErrBrokerClosed              = errors.New("subscription broker is closed")
	ErrStreamIdle                = errors.New("stream idle timeout")
)
