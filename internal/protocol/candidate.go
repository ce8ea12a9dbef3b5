package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
)

// Candidate is an ICE candidate in its field-wise wire form.
type Candidate struct {
	Component      uint16  `json:"component"`
	Foundation     string  `json:"foundation"`
	Protocol       string  `json:"protocol"`
	Priority       uint32  `json:"priority"`
	IP             string  `json:"ip"`
	Port           uint16  `json:"port"`
	Type           string  `json:"type"`
	RelatedAddress string  `json:"relatedAddress,omitempty"`
	RelatedPort    uint16  `json:"relatedPort,omitempty"`
	SDPMid         *string `json:"sdpMid,omitempty"`
	SDPMLineIndex  *uint16 `json:"sdpMLineIndex,omitempty"`
}

func CandidateFromPion(c webrtc.ICECandidate) Candidate {
	js := c.ToJSON()
	return Candidate{
		Component:      c.Component,
		Foundation:     c.Foundation,
		Protocol:       c.Protocol.String(),
		Priority:       c.Priority,
		IP:             c.Address,
		Port:           c.Port,
		Type:           c.Typ.String(),
		RelatedAddress: c.RelatedAddress,
		RelatedPort:    c.RelatedPort,
		SDPMid:         js.SDPMid,
		SDPMLineIndex:  js.SDPMLineIndex,
	}
}

// Line renders the candidate as an SDP "candidate:" attribute value.
func (c Candidate) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, strings.ToLower(c.Protocol), c.Priority, c.IP, c.Port, c.Type)
	if c.RelatedAddress != "" {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedAddress, c.RelatedPort)
	}
	return b.String()
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Line(),
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

// Validate checks the required fields and that the assembled line parses as
// an ICE candidate.
func (c Candidate) Validate() error {
	if c.Foundation == "" || c.Protocol == "" || c.IP == "" || c.Type == "" {
		return errors.New("missing required candidate fields")
	}
	if c.Component == 0 {
		return errors.New("component must be positive")
	}
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(c.Line(), "candidate:")); err != nil {
		return fmt.Errorf("unmarshal candidate: %w", err)
	}
	return nil
}
