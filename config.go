// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ice

import (
	"net"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3"

	"github.com/peermesh/ice/internal/dnsquery"
	"github.com/peermesh/ice/internal/turnc"
)

// ServerSpec names a STUN or TURN server. Host may be a DNS name, an IP
// literal, or a comma-separated list; Port 0 means the protocol default.
type ServerSpec struct {
	Host string
	Port int
}

// TURNServer is a relay server plus its long-term credentials.
type TURNServer struct {
	ServerSpec
	Username string
	Password string
}

// SocketConfig configures an ICE socket.
type SocketConfig struct {
	STUNServers []ServerSpec
	TURNServers []TURNServer

	// Port, when non-zero, is the shared local port bound on every
	// interface; zero binds ephemeral ports.
	Port int

	// ForceTURNTransport restricts the relay trial list.
	ForceTURNTransport turnc.Transport
	// RestrictRelayDestinations silently drops relayed sends outside the
	// set (a filter miss still reports success).
	RestrictRelayDestinations []net.IP
	// ChannelRange constrains TURN channel numbers; zero means the RFC
	// default range.
	ChannelRange [2]uint16
	// Software is advertised on TURN requests when set.
	Software string

	// Resolver is shared across components; one is created when nil.
	Resolver      *dnsquery.Monitor
	Net           transport.Net
	LoggerFactory logging.LoggerFactory
}

// Role is the ICE negotiation role.
type Role int

// Negotiation roles; the controlling side nominates.
const (
	Controlling Role = iota
	Controlled
)

func (r Role) String() string {
	if r == Controlling {
		return "controlling"
	}

	return "controlled"
}

// Default session timing.
const (
	defaultKeepAliveInterval       = 15 * time.Second
	defaultActivationTickInterval  = 20 * time.Millisecond
	defaultKeepAliveRequestTimeout = 7 * time.Second
)

// SessionConfig configures one per-peer session.
type SessionConfig struct {
	Role Role

	// LocalUfrag and LocalPwd are generated when empty; they never mutate
	// after creation.
	LocalUfrag string
	LocalPwd   string

	RemoteUfrag      string
	RemotePwd        string
	RemoteCandidates []Candidate

	// FoundationSession couples this session's frozen-pair ordering to an
	// earlier session on the same socket.
	FoundationSession *Session

	// KeepAliveInterval is how often a Binding indication keeps the
	// nominated pair warm; zero means the default (15 s).
	KeepAliveInterval time.Duration
	// ExpectingDataWithin, when set, probes the nominated pair if nothing
	// was received in the window; a probe timeout evicts the nomination.
	ExpectingDataWithin time.Duration
	// KeepAliveRequestTimeout is stored on the session (default 7 s) but is
	// not applied: the liveness probe runs on the ICE retransmission schedule
	// and times out when that schedule is exhausted.
	KeepAliveRequestTimeout time.Duration
	// BackgroundingTimeout, when set, closes the session after total
	// inactivity.
	BackgroundingTimeout time.Duration
}
