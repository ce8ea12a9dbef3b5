// Package protocol defines the messages exchanged through the relay and over
// the peer data channels.
//
// Handshake messages form a closed set: every document read from the relay
// socket decodes into exactly one of Join, SessionReady, Offer, Answer,
// Candidate or Error, or it is rejected with domain.ErrMalformedMessage.
// Variants are told apart the same way the wire does it: control messages
// carry an "action", descriptions carry "sdp", candidates carry "candidate".
package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/fedmesh/internal/domain"
)

const (
	ActionJoin  = "join_session"
	ActionStart = "start_session"
	ActionError = "error"
)

// Error codes sent back to a client whose join or message was rejected.
const (
	CodeCapacityExceeded = "capacity_exceeded"
	CodeAlreadyJoined    = "already_joined"
	CodeRateLimited      = "rate_limited"
	CodeBadRequest       = "bad_request"
)

// Message is one of the handshake variants.
type Message interface {
	isMessage()
}

type Join struct {
	SessionCode domain.SessionCode
	MaxUsers    int
}

type SessionReady struct {
	Peers []domain.Endpoint
}

// SDP is the session description as carried on the wire.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	switch s.Type {
	case "offer":
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: s.SDP}, nil
	case "answer":
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: s.SDP}, nil
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
}

type Offer struct {
	SDP    SDP
	Source domain.Endpoint
	Target domain.Endpoint
}

type Answer struct {
	SDP    SDP
	Source domain.Endpoint
	Target domain.Endpoint
}

// IceCandidate carries one trickled candidate. Source is optional on the
// wire; peers that omit it can only be matched when a single link exists.
type IceCandidate struct {
	Candidate Candidate
	Source    domain.Endpoint
	Target    domain.Endpoint
}

// Error is sent by the relay when it rejects a request.
type Error struct {
	Code    string
	Message string
}

func (Join) isMessage()         {}
func (SessionReady) isMessage() {}
func (Offer) isMessage()        {}
func (Answer) isMessage()       {}
func (IceCandidate) isMessage() {}
func (Error) isMessage()        {}

// Target returns the routing target of a relayed message.
func Target(m Message) (domain.Endpoint, bool) {
	switch v := m.(type) {
	case Offer:
		return v.Target, true
	case Answer:
		return v.Target, true
	case IceCandidate:
		return v.Target, true
	default:
		return domain.Endpoint{}, false
	}
}

type envelope struct {
	Action      string            `json:"action,omitempty"`
	SessionCode string            `json:"session_code,omitempty"`
	MaxUsers    *int              `json:"max_users,omitempty"`
	Peers       []domain.Endpoint `json:"peers,omitempty"`
	Code        string            `json:"code,omitempty"`
	Message     string            `json:"message,omitempty"`
	SDP         *SDP              `json:"sdp,omitempty"`
	Candidate   *Candidate        `json:"candidate,omitempty"`
	Source      *domain.Endpoint  `json:"source,omitempty"`
	Target      *domain.Endpoint  `json:"target,omitempty"`
}

// Parse decodes one handshake document. Every failure wraps
// domain.ErrMalformedMessage.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, malformed("decode: %v", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, malformed("unexpected trailing data")
	}

	switch {
	case env.Action != "":
		return parseControl(env)
	case env.SDP != nil:
		return parseDescription(env)
	case env.Candidate != nil:
		return parseCandidate(env)
	default:
		return nil, malformed("unrecognized message")
	}
}

func parseControl(env envelope) (Message, error) {
	if env.SDP != nil || env.Candidate != nil {
		return nil, malformed("%s message has unexpected fields", env.Action)
	}
	switch env.Action {
	case ActionJoin:
		if env.SessionCode == "" {
			return nil, malformed("join missing session_code")
		}
		if len(env.SessionCode) > domain.MaxSessionCodeLen {
			return nil, malformed("session_code too long")
		}
		if env.MaxUsers == nil {
			return nil, malformed("join missing max_users")
		}
		if *env.MaxUsers < 1 || *env.MaxUsers > domain.MaxSessionSize {
			return nil, malformed("join max_users=%d", *env.MaxUsers)
		}
		return Join{SessionCode: domain.SessionCode(env.SessionCode), MaxUsers: *env.MaxUsers}, nil
	case ActionStart:
		if len(env.Peers) == 0 {
			return nil, malformed("start_session missing peers")
		}
		return SessionReady{Peers: env.Peers}, nil
	case ActionError:
		if env.Code == "" {
			return nil, malformed("error missing code")
		}
		return Error{Code: env.Code, Message: env.Message}, nil
	default:
		return nil, malformed("unsupported action %q", env.Action)
	}
}

func parseDescription(env envelope) (Message, error) {
	if env.Candidate != nil {
		return nil, malformed("description message has unexpected candidate")
	}
	if env.Source == nil || env.Target == nil {
		return nil, malformed("%s missing source/target", env.SDP.Type)
	}
	if env.SDP.SDP == "" {
		return nil, malformed("%s has empty sdp", env.SDP.Type)
	}
	switch env.SDP.Type {
	case "offer":
		return Offer{SDP: *env.SDP, Source: *env.Source, Target: *env.Target}, nil
	case "answer":
		return Answer{SDP: *env.SDP, Source: *env.Source, Target: *env.Target}, nil
	default:
		return nil, malformed("unsupported sdp type %q", env.SDP.Type)
	}
}

func parseCandidate(env envelope) (Message, error) {
	if env.Target == nil {
		return nil, malformed("candidate missing target")
	}
	if err := env.Candidate.Validate(); err != nil {
		return nil, malformed("candidate: %v", err)
	}
	msg := IceCandidate{Candidate: *env.Candidate, Target: *env.Target}
	if env.Source != nil {
		msg.Source = *env.Source
	}
	return msg, nil
}

// Encode produces the wire form of m.
func Encode(m Message) ([]byte, error) {
	var env envelope
	switch v := m.(type) {
	case Join:
		maxUsers := v.MaxUsers
		env = envelope{Action: ActionJoin, SessionCode: string(v.SessionCode), MaxUsers: &maxUsers}
	case SessionReady:
		env = envelope{Action: ActionStart, Peers: v.Peers}
	case Error:
		env = envelope{Action: ActionError, Code: v.Code, Message: v.Message}
	case Offer:
		sdp, src, dst := v.SDP, v.Source, v.Target
		env = envelope{SDP: &sdp, Source: &src, Target: &dst}
	case Answer:
		sdp, src, dst := v.SDP, v.Source, v.Target
		env = envelope{SDP: &sdp, Source: &src, Target: &dst}
	case IceCandidate:
		cand, dst := v.Candidate, v.Target
		env = envelope{Candidate: &cand, Target: &dst}
		if !v.Source.IsZero() {
			src := v.Source
			env.Source = &src
		}
	default:
		return nil, fmt.Errorf("encode %T: %w", m, domain.ErrUnexpectedMessage)
	}
	return json.Marshal(env)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrMalformedMessage, fmt.Sprintf(format, args...))
}
