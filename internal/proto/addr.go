// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"net"

	"github.com/pion/stun/v2"
)

// PeerAddress is the XOR-PEER-ADDRESS attribute, the peer the relay sends
// to or received from.
type PeerAddress struct {
	IP   net.IP
	Port int
}

// AddTo adds XOR-PEER-ADDRESS to message.
func (a PeerAddress) AddTo(m *stun.Message) error {
	x := stun.XORMappedAddress{IP: a.IP, Port: a.Port}

	return x.AddToAs(m, stun.AttrXORPeerAddress)
}

// GetFrom decodes XOR-PEER-ADDRESS from message.
func (a *PeerAddress) GetFrom(m *stun.Message) error {
	x := stun.XORMappedAddress{}
	if err := x.GetFromAs(m, stun.AttrXORPeerAddress); err != nil {
		return err
	}
	a.IP = x.IP
	a.Port = x.Port

	return nil
}

func (a PeerAddress) String() string {
	return (&net.UDPAddr{IP: a.IP, Port: a.Port}).String()
}

// RelayedAddress is the XOR-RELAYED-ADDRESS attribute, the transport
// address the server allocated for this client.
type RelayedAddress struct {
	IP   net.IP
	Port int
}

// AddTo adds XOR-RELAYED-ADDRESS to message.
func (a RelayedAddress) AddTo(m *stun.Message) error {
	x := stun.XORMappedAddress{IP: a.IP, Port: a.Port}

	return x.AddToAs(m, stun.AttrXORRelayedAddress)
}

// GetFrom decodes XOR-RELAYED-ADDRESS from message.
func (a *RelayedAddress) GetFrom(m *stun.Message) error {
	x := stun.XORMappedAddress{}
	if err := x.GetFromAs(m, stun.AttrXORRelayedAddress); err != nil {
		return err
	}
	a.IP = x.IP
	a.Port = x.Port

	return nil
}

func (a RelayedAddress) String() string {
	return (&net.UDPAddr{IP: a.IP, Port: a.Port}).String()
}

// AddrToPeerAddress converts a UDP or TCP net.Addr into a PeerAddress.
func AddrToPeerAddress(addr net.Addr) PeerAddress {
	var peer PeerAddress
	switch a := addr.(type) {
	case *net.UDPAddr:
		peer.IP = a.IP
		peer.Port = a.Port
	case *net.TCPAddr:
		peer.IP = a.IP
		peer.Port = a.Port
	}

	return peer
}
