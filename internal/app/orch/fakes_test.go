package orch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/fedmesh/internal/app"
	"github.com/dkeye/fedmesh/internal/core"
	"github.com/dkeye/fedmesh/internal/domain"
	"github.com/dkeye/fedmesh/internal/protocol"
)

var errNoRemoteDescription = errors.New("remote description not set")

// fakeNet pairs fake peer connections by (owner, remote) and opens both
// ends once the offerer has applied the answer.
type fakeNet struct {
	mu        sync.Mutex
	pcs       map[[2]domain.Endpoint]*fakePC
	earlyAdds int
	quietICE  bool
}

func newFakeNet() *fakeNet {
	return &fakeNet{pcs: make(map[[2]domain.Endpoint]*fakePC)}
}

func (n *fakeNet) connector(self domain.Endpoint) core.PeerConnector {
	return fakeConnector{net: n, self: self}
}

func (n *fakeNet) pc(owner, remote domain.Endpoint) *fakePC {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pcs[[2]domain.Endpoint{owner, remote}]
}

func (n *fakeNet) open(a, b domain.Endpoint) {
	pa, pb := n.pc(a, b), n.pc(b, a)
	if pa == nil || pb == nil {
		return
	}
	pa.setOpen()
	pb.setOpen()
}

type fakeConnector struct {
	net  *fakeNet
	self domain.Endpoint
}

func (c fakeConnector) NewPeerConnection(remote domain.Endpoint) (core.PeerConnection, error) {
	pc := &fakePC{
		net:    c.net,
		self:   c.self,
		remote: remote,
		inbox:  make(chan core.Frame, 64),
		done:   make(chan struct{}),
	}
	c.net.mu.Lock()
	c.net.pcs[[2]domain.Endpoint{c.self, remote}] = pc
	c.net.mu.Unlock()
	return pc, nil
}

type fakePC struct {
	net          *fakeNet
	self, remote domain.Endpoint

	mu         sync.Mutex
	local      *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	opened     bool
	closed     bool
	onICE      func(webrtc.ICECandidate)
	onOpen     func()
	onMessage  func(core.Frame)
	onClosed   func()

	inbox chan core.Frame
	done  chan struct{}
}

func (p *fakePC) localCandidate() webrtc.ICECandidate {
	return webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "127.0.0.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       uint16(p.self.Port),
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	}
}

// gather emits one local candidate asynchronously, like ICE gathering
// started by SetLocalDescription.
func (p *fakePC) gather() {
	if p.net.quietICE {
		return
	}
	p.mu.Lock()
	fn := p.onICE
	p.mu.Unlock()
	if fn != nil {
		go fn(p.localCandidate())
	}
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer from " + p.self.String()}
	p.mu.Lock()
	p.local = &desc
	p.mu.Unlock()
	p.gather()
	return desc, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.remoteDesc == nil || p.remoteDesc.Type != webrtc.SDPTypeOffer {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, errNoRemoteDescription
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer from " + p.self.String()}
	p.local = &desc
	p.mu.Unlock()
	p.gather()
	return desc, nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remoteDesc = &desc
	p.mu.Unlock()
	if desc.Type == webrtc.SDPTypeAnswer {
		go p.net.open(p.self, p.remote)
	}
	return nil
}

func (p *fakePC) AddICECandidate(ci webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteDesc == nil {
		p.net.mu.Lock()
		p.net.earlyAdds++
		p.net.mu.Unlock()
		return errNoRemoteDescription
	}
	p.candidates = append(p.candidates, ci)
	return nil
}

func (p *fakePC) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *fakePC) setOpen() {
	p.mu.Lock()
	if p.opened || p.closed {
		p.mu.Unlock()
		return
	}
	p.opened = true
	fn := p.onOpen
	p.mu.Unlock()

	go p.dispatch()
	if fn != nil {
		go fn()
	}
}

func (p *fakePC) dispatch() {
	for {
		select {
		case f := <-p.inbox:
			p.mu.Lock()
			fn := p.onMessage
			p.mu.Unlock()
			if fn != nil {
				fn(f)
			}
		case <-p.done:
			return
		}
	}
}

func (p *fakePC) Send(f core.Frame) error {
	p.mu.Lock()
	open := p.opened && !p.closed
	p.mu.Unlock()
	peer := p.net.pc(p.remote, p.self)
	if !open || peer == nil {
		return fmt.Errorf("channel to %s not open", p.remote)
	}
	peer.inbox <- append(core.Frame(nil), f...)
	return nil
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	fn := p.onClosed
	p.mu.Unlock()
	close(p.done)
	if fn != nil {
		fn()
	}
	return nil
}

func (p *fakePC) OnICECandidate(fn func(webrtc.ICECandidate)) { p.mu.Lock(); p.onICE = fn; p.mu.Unlock() }
func (p *fakePC) OnOpen(fn func())                            { p.mu.Lock(); p.onOpen = fn; p.mu.Unlock() }
func (p *fakePC) OnMessage(fn func(core.Frame))               { p.mu.Lock(); p.onMessage = fn; p.mu.Unlock() }
func (p *fakePC) OnClosed(fn func())                          { p.mu.Lock(); p.onClosed = fn; p.mu.Unlock() }

// recorder captures every message an orchestrator sends.
type recorder struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (r *recorder) Send(_ context.Context, m protocol.Message) error {
	r.mu.Lock()
	r.sent = append(r.sent, m)
	r.mu.Unlock()
	return nil
}

func (r *recorder) messages() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.sent...)
}

func (r *recorder) offers() []protocol.Offer {
	var out []protocol.Offer
	for _, m := range r.messages() {
		if o, ok := m.(protocol.Offer); ok {
			out = append(out, o)
		}
	}
	return out
}

// logBuffer collects log output written from timer goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *logBuffer) logger() *zerolog.Logger {
	l := zerolog.New(b)
	return &l
}

type constTrainer struct{}

func (constTrainer) Train(_ context.Context, round int, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"step":%d}`, round)), nil
}

// memPeer is one client wired to an in-process relay: its outbound
// messages go through app.Relay and inbound frames are handled in order
// by a single goroutine, like the WebSocket read loop.
type memPeer struct {
	self  domain.Endpoint
	orch  *Orchestrator
	inbox chan core.Frame
	relay *app.Relay
	log   *recorder

	errMu sync.Mutex
	errs  []error
}

func (p *memPeer) Send(ctx context.Context, m protocol.Message) error {
	p.log.Send(ctx, m)
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return p.relay.OnMessage(ctx, p.self, data)
}

func (p *memPeer) run(ctx context.Context, t *testing.T) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-p.inbox:
			msg, err := protocol.Parse(f)
			if err != nil {
				t.Errorf("%s: relay sent malformed frame: %v", p.self, err)
				continue
			}
			if err := p.orch.HandleMessage(ctx, msg); err != nil {
				p.errMu.Lock()
				p.errs = append(p.errs, err)
				p.errMu.Unlock()
			}
		}
	}
}

func (p *memPeer) handleErrors() []error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return append([]error(nil), p.errs...)
}

// memConn is the relay-side half of a memPeer.
type memConn struct {
	inbox chan core.Frame
}

func (c memConn) Send(ctx context.Context, f core.Frame) error {
	select {
	case c.inbox <- append(core.Frame(nil), f...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c memConn) TrySend(f core.Frame) error {
	select {
	case c.inbox <- append(core.Frame(nil), f...):
		return nil
	default:
		return app.ErrBackpressure
	}
}

func (memConn) Close() {}
