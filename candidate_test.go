// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ice

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCandidatePriority(t *testing.T) {
	host := NewCandidate(CandidateHost, net.ParseIP("10.0.0.1"), 4000, nil, 0, 65535)
	assert.Equal(t, uint32(0x7EFFFFFF), host.Priority)

	relay := NewCandidate(CandidateRelayed, net.ParseIP("203.0.113.1"), 5000,
		net.ParseIP("10.0.0.1"), 4000, 65535)
	assert.Less(t, relay.Priority, host.Priority, "relayed candidates rank below host")

	srflx := NewCandidate(CandidateServerReflexive, net.ParseIP("198.51.100.1"), 4000,
		net.ParseIP("10.0.0.1"), 4000, 65535)
	assert.Less(t, srflx.Priority, host.Priority)
	assert.Greater(t, srflx.Priority, relay.Priority)
}

func TestCandidateBase(t *testing.T) {
	srflx := NewCandidate(CandidateServerReflexive, net.ParseIP("198.51.100.1"), 4000,
		net.ParseIP("10.0.0.1"), 4321, 65535)
	assert.True(t, srflx.baseIP().Equal(net.ParseIP("10.0.0.1")),
		"reflexive candidates send from their base")

	host := NewCandidate(CandidateHost, net.ParseIP("10.0.0.1"), 4000, nil, 0, 65535)
	assert.True(t, host.baseIP().Equal(host.IP))
}

func TestFoundationGrouping(t *testing.T) {
	a := NewCandidate(CandidateHost, net.ParseIP("10.0.0.1"), 4000, nil, 0, 65535)
	b := NewCandidate(CandidateHost, net.ParseIP("10.0.0.1"), 4001, nil, 0, 65535)
	c := NewCandidate(CandidateHost, net.ParseIP("10.0.0.2"), 4000, nil, 0, 65535)

	assert.Equal(t, a.Foundation, b.Foundation, "same type and base share a foundation")
	assert.NotEqual(t, a.Foundation, c.Foundation)
}

func TestCandidatesCRC(t *testing.T) {
	a := NewCandidate(CandidateHost, net.ParseIP("10.0.0.1"), 4000, nil, 0, 65535)
	b := NewCandidate(CandidateHost, net.ParseIP("10.0.0.2"), 4000, nil, 0, 65535)

	crc1 := candidatesCRC([]*Candidate{a, b})
	crc2 := candidatesCRC([]*Candidate{b, a})
	assert.Equal(t, crc1, crc2, "the CRC is order independent")

	crc3 := candidatesCRC([]*Candidate{a})
	assert.NotEqual(t, crc1, crc3)
}
