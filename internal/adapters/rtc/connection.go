// Package rtc implements core.PeerConnection on top of pion/webrtc. Each
// connection carries a single ordered data channel used for the round
// exchange.
package rtc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/fedmesh/internal/core"
	"github.com/dkeye/fedmesh/internal/domain"
)

// ChannelLabel names the data channel opened by the offering side.
const ChannelLabel = "weights"

var ErrChannelNotOpen = errors.New("data channel not open")

type Config struct {
	ICEServers []string
	// IncludeLoopback gathers 127.0.0.1 candidates, needed when every peer
	// runs on one machine.
	IncludeLoopback bool
	// DrainTimeout bounds how long Close waits for queued channel data.
	DrainTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ICEServers:   []string{"stun:stun.l.google.com:19302"},
		DrainTimeout: time.Second,
	}
}

// Connector creates pion peer connections sharing one API instance.
type Connector struct {
	api   *webrtc.API
	cfg   webrtc.Configuration
	drain time.Duration
}

func NewConnector(cfg Config) *Connector {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return &Connector{
		api:   webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		cfg:   webrtc.Configuration{ICEServers: servers},
		drain: cfg.DrainTimeout,
	}
}

func (c *Connector) NewPeerConnection(remote domain.Endpoint) (core.PeerConnection, error) {
	pc, err := c.api.NewPeerConnection(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newWebRTCConnection(pc, remote, c.drain), nil
}

type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger
	drain  time.Duration

	mu        sync.RWMutex
	dc        *webrtc.DataChannel
	onICE     func(webrtc.ICECandidate)
	onOpen    func()
	onMessage func(core.Frame)
	onClosed  func()

	closedOnce sync.Once
}

func newWebRTCConnection(pc *webrtc.PeerConnection, remote domain.Endpoint, drain time.Duration) *WebRTCConnection {
	c := &WebRTCConnection{
		pc:     pc,
		logger: log.With().Str("module", "webrtc").Str("peer", remote.String()).Logger(),
		drain:  drain,
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			c.logger.Debug().Msg("ICE gathering complete")
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(*cand)
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.fireClosed()
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			c.logger.Warn().Str("label", dc.Label()).Msg("unexpected data channel")
			return
		}
		c.bindChannel(dc)
	})

	return c
}

func (c *WebRTCConnection) bindChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.logger.Debug().Str("label", dc.Label()).Msg("data channel open")
		c.mu.RLock()
		fn := c.onOpen
		c.mu.RUnlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.RLock()
		fn := c.onMessage
		c.mu.RUnlock()
		if fn != nil {
			fn(core.Frame(msg.Data))
		}
	})
	dc.OnClose(c.fireClosed)
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.RLock()
	hasChannel := c.dc != nil
	c.mu.RUnlock()
	if !hasChannel {
		ordered := true
		dc, err := c.pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("create data channel: %w", err)
		}
		c.bindChannel(dc)
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *WebRTCConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// Send writes f as a text message; round payloads are JSON documents.
func (c *WebRTCConnection) Send(f core.Frame) error {
	c.mu.RLock()
	dc := c.dc
	c.mu.RUnlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.SendText(string(f))
}

// Close waits up to the drain timeout for queued channel data, then closes
// the peer connection.
func (c *WebRTCConnection) Close() error {
	c.mu.RLock()
	dc := c.dc
	c.mu.RUnlock()
	if dc != nil && c.drain > 0 {
		deadline := time.Now().Add(c.drain)
		for dc.ReadyState() == webrtc.DataChannelStateOpen && dc.BufferedAmount() > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}

	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	c.fireClosed()
	return nil
}

func (c *WebRTCConnection) fireClosed() {
	c.closedOnce.Do(func() {
		c.mu.RLock()
		fn := c.onClosed
		c.mu.RUnlock()
		if fn != nil {
			fn()
		}
	})
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidate)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnMessage(fn func(core.Frame)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnClosed fires once, on channel close, connection failure or Close.
func (c *WebRTCConnection) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}
