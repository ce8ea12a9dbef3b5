package domain

import "errors"

var (
	ErrMalformedMessage       = errors.New("malformed message")
	ErrUnexpectedMessage      = errors.New("unexpected message")
	ErrUnknownTarget          = errors.New("unknown target")
	ErrUnknownPeer            = errors.New("unknown peer")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrRankUnresolved         = errors.New("rank unresolved")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrAlreadyJoined          = errors.New("already joined")
	ErrRateLimited            = errors.New("rate limited")
	ErrInvalidMaxSize         = errors.New("invalid max size")
	ErrInvalidSessionCode     = errors.New("invalid session code")
	ErrDuplicateEndpoint      = errors.New("duplicate endpoint")
	ErrRoundOutOfOrder        = errors.New("round out of order")
	ErrExchangeComplete       = errors.New("exchange complete")
)
