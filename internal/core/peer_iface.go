package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/fedmesh/internal/domain"
)

// PeerConnection is the capability that performs SDP negotiation, ICE and
// data transport with one remote peer.
type PeerConnection interface {
	// CreateOffer creates an offer and sets it as the local description.
	// The offering side also opens the data channel.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer to the remote offer already applied
	// and sets it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// Send writes one message on the data channel.
	Send(Frame) error
	Close() error

	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(webrtc.ICECandidate))
	// OnOpen fires once the data channel is usable.
	OnOpen(func())
	// OnMessage fires for every inbound data channel message.
	OnMessage(func(Frame))
	// OnClosed sets a callback for channel or connection teardown.
	OnClosed(func())
}

// PeerConnector creates one PeerConnection per remote endpoint.
type PeerConnector interface {
	NewPeerConnection(remote domain.Endpoint) (PeerConnection, error)
}
