package protocol

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/fedmesh/internal/domain"
)

func TestCandidateLine(t *testing.T) {
	c := hostCandidate()
	assert.Equal(t, "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host", c.Line())

	c.Type = "srflx"
	c.IP = "203.0.113.9"
	c.RelatedAddress = "10.0.0.2"
	c.RelatedPort = 40000
	assert.Equal(t, "candidate:1 1 udp 2130706431 203.0.113.9 50000 typ srflx raddr 10.0.0.2 rport 40000", c.Line())
	require.NoError(t, c.Validate())
}

func TestCandidateValidate(t *testing.T) {
	require.NoError(t, hostCandidate().Validate())

	missing := hostCandidate()
	missing.Foundation = ""
	assert.Error(t, missing.Validate())

	noComponent := hostCandidate()
	noComponent.Component = 0
	assert.Error(t, noComponent.Validate())

	badProto := hostCandidate()
	badProto.Protocol = "sctp"
	assert.Error(t, badProto.Validate())
}

func TestCandidateFromPion(t *testing.T) {
	pc := webrtc.ICECandidate{
		Foundation: "42",
		Priority:   2130706431,
		Address:    "127.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       50000,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
		SDPMid:     "0",
	}
	c := CandidateFromPion(pc)
	assert.Equal(t, "udp", c.Protocol)
	assert.Equal(t, "host", c.Type)
	require.NotNil(t, c.SDPMid)
	assert.Equal(t, "0", *c.SDPMid)
	require.NoError(t, c.Validate())

	ci := c.ToPion()
	assert.Equal(t, "candidate:42 1 udp 2130706431 127.0.0.1 50000 typ host", ci.Candidate)
	assert.Equal(t, c.SDPMid, ci.SDPMid)
}

func TestParseRoundMessage(t *testing.T) {
	data, err := EncodeRound(RoundMessage{Weights: []byte(`{"fc.bias":[0.1,0.2]}`), Round: 3})
	require.NoError(t, err)
	msg, err := ParseRound(data)
	require.NoError(t, err)
	assert.Equal(t, 3, msg.Round)
	assert.JSONEq(t, `{"fc.bias":[0.1,0.2]}`, string(msg.Weights))

	for _, bad := range []string{`{"round":1}`, `{"weights":{}}`, `{"weights":{},"round":-1}`, `[]`} {
		_, err := ParseRound([]byte(bad))
		assert.ErrorIs(t, err, domain.ErrMalformedMessage, bad)
	}
}
