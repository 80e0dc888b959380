// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v2"
)

func TestLifetimeRoundTrip(t *testing.T) {
	m := new(stun.Message)
	l := Lifetime{Duration: 600 * time.Second}
	if err := m.Build(stun.TransactionID, l); err != nil {
		t.Fatal(err)
	}
	decoded := new(stun.Message)
	if _, err := decoded.Write(m.Raw); err != nil {
		t.Fatal(err)
	}
	var got Lifetime
	if err := got.GetFrom(decoded); err != nil {
		t.Fatal(err)
	}
	if got.Duration != l.Duration {
		t.Errorf("got %v, want %v", got.Duration, l.Duration)
	}
}

func TestPeerAddressRoundTrip(t *testing.T) {
	m := new(stun.Message)
	a := PeerAddress{IP: net.ParseIP("203.0.113.5").To4(), Port: 49152}
	if err := m.Build(stun.TransactionID, stun.NewType(stun.MethodSend, stun.ClassIndication), a); err != nil {
		t.Fatal(err)
	}
	var got PeerAddress
	if err := got.GetFrom(m); err != nil {
		t.Fatal(err)
	}
	if !got.IP.Equal(a.IP) || got.Port != a.Port {
		t.Errorf("got %v, want %v", got, a)
	}
}

func TestChannelNumberRange(t *testing.T) {
	for n, valid := range map[ChannelNumber]bool{
		MinChannelNumber:     true,
		MaxChannelNumber:     true,
		MinChannelNumber - 1: false,
		MaxChannelNumber + 1: false,
	} {
		if n.Valid() != valid {
			t.Errorf("Valid(%#x) = %v, want %v", uint16(n), n.Valid(), valid)
		}
	}
}

func TestICEAttributes(t *testing.T) {
	m, err := stun.Build(
		stun.TransactionID,
		stun.BindingRequest,
		Priority(0x7E0001FE),
		Controlling(0xB000000000000000),
		UseCandidate{},
	)
	if err != nil {
		t.Fatal(err)
	}

	decoded := new(stun.Message)
	if _, err = decoded.Write(m.Raw); err != nil {
		t.Fatal(err)
	}

	var p Priority
	if err = p.GetFrom(decoded); err != nil {
		t.Fatal(err)
	}
	if p != 0x7E0001FE {
		t.Errorf("priority = %#x", uint32(p))
	}

	var c Controlling
	if err = c.GetFrom(decoded); err != nil {
		t.Fatal(err)
	}
	if c != 0xB000000000000000 {
		t.Errorf("tie-breaker = %#x", uint64(c))
	}

	if !(UseCandidate{}).IsSet(decoded) {
		t.Error("USE-CANDIDATE missing")
	}

	var notThere Controlled
	if err = notThere.GetFrom(decoded); err == nil {
		t.Error("ICE-CONTROLLED should be absent")
	}
}

func TestRequestedTransportRoundTrip(t *testing.T) {
	m := new(stun.Message)
	r := RequestedTransport{Protocol: ProtoUDP}
	if err := m.Build(stun.TransactionID, stun.NewType(stun.MethodAllocate, stun.ClassRequest), r); err != nil {
		t.Fatal(err)
	}
	var got RequestedTransport
	if err := got.GetFrom(m); err != nil {
		t.Fatal(err)
	}
	if got.Protocol != ProtoUDP {
		t.Errorf("got %s, want UDP", got.Protocol)
	}
}
