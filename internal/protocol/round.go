package protocol

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/dkeye/fedmesh/internal/domain"
)

// RoundMessage is sent over an open data channel, never through the relay.
type RoundMessage struct {
	Weights json.RawMessage `json:"weights"`
	Round   int             `json:"round"`
}

func ParseRound(data []byte) (RoundMessage, error) {
	var raw struct {
		Weights json.RawMessage `json:"weights"`
		Round   *int            `json:"round"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return RoundMessage{}, fmt.Errorf("%w: round: %v", domain.ErrMalformedMessage, err)
	}
	if raw.Round == nil || len(raw.Weights) == 0 {
		return RoundMessage{}, fmt.Errorf("%w: round message missing weights/round", domain.ErrMalformedMessage)
	}
	if *raw.Round < 0 {
		return RoundMessage{}, fmt.Errorf("%w: negative round %d", domain.ErrMalformedMessage, *raw.Round)
	}
	return RoundMessage{Weights: raw.Weights, Round: *raw.Round}, nil
}

func EncodeRound(m RoundMessage) ([]byte, error) {
	return json.Marshal(m)
}
