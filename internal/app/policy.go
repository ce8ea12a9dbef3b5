package app

import (
	"errors"

	"github.com/dkeye/fedmesh/internal/domain"
)

// ErrBackpressure is returned by connections whose send queue is full.
var ErrBackpressure = errors.New("backpressure")

type SendFailureAction int

const (
	NoAction SendFailureAction = iota
	Disconnect
)

// Policy decides what the relay does with a member it failed to write to.
type Policy interface {
	OnSendFailure(ep domain.Endpoint, err error) SendFailureAction
}

// SimplePolicy disconnects members that stopped draining their queue.
type SimplePolicy struct{}

func (SimplePolicy) OnSendFailure(_ domain.Endpoint, err error) SendFailureAction {
	if errors.Is(err, ErrBackpressure) {
		return Disconnect
	}
	return NoAction
}

// JoinLimiter throttles join attempts per endpoint.
type JoinLimiter interface {
	Allow(ep domain.Endpoint) bool
}
