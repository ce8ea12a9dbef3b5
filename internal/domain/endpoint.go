// Package domain contains entities without transport logic: endpoints,
// sessions and the error taxonomy shared by the relay and the peers.
package domain

import (
	"bytes"
	"fmt"
	"net"
	"strconv"

	"github.com/goccy/go-json"
)

// Endpoint is the address identity of a client as observed by the relay.
type Endpoint struct {
	Host string
	Port int
}

// ParseEndpoint accepts "host:port" as produced by net.Addr.String and
// http.Request.RemoteAddr.
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: invalid port", addr)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// EndpointFromAddr converts a socket address into an Endpoint.
func EndpointFromAddr(addr net.Addr) (Endpoint, error) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return Endpoint{Host: tcp.IP.String(), Port: tcp.Port}, nil
	}
	return ParseEndpoint(addr.String())
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) IsZero() bool { return e.Host == "" && e.Port == 0 }

// MarshalJSON encodes the endpoint as a [host, port] pair.
func (e Endpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Host, e.Port})
}

// UnmarshalJSON decodes a [host, port, ...] tuple. Trailing elements (IPv6
// flowinfo and scope id) are ignored.
func (e *Endpoint) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return fmt.Errorf("endpoint: null")
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	if len(parts) < 2 {
		return fmt.Errorf("endpoint: want [host, port], got %d elements", len(parts))
	}
	var host string
	if err := json.Unmarshal(parts[0], &host); err != nil {
		return fmt.Errorf("endpoint host: %w", err)
	}
	var port int
	if err := json.Unmarshal(parts[1], &port); err != nil {
		return fmt.Errorf("endpoint port: %w", err)
	}
	if host == "" || port < 0 || port > 65535 {
		return fmt.Errorf("endpoint: invalid [%q, %d]", host, port)
	}
	e.Host = host
	e.Port = port
	return nil
}
