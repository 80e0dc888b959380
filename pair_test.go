// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ice

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostCandidate(ip string, port int, pref uint16) *Candidate {
	return NewCandidate(CandidateHost, net.ParseIP(ip), port, nil, 0, pref)
}

func TestPairPriorityFormula(t *testing.T) {
	// Local host priority 0x7E0001FE, remote host 0x7E0001FF; the remote
	// is controlling, so G=0x7E0001FF, D=0x7E0001FE and the tie bit set.
	local := &Candidate{Type: CandidateHost, IP: net.ParseIP("10.0.0.1"), Port: 4000, Priority: 0x7E0001FE}
	remote := &Candidate{Type: CandidateHost, IP: net.ParseIP("10.0.0.2"), Port: 4000, Priority: 0x7E0001FF}
	pair := &candidatePair{local: local, remote: remote}

	want := uint64(1<<32)*0x7E0001FE + 2*0x7E0001FF + 1
	assert.Equal(t, want, pair.priority(Controlled))

	// Seen from the controlling side, G and D swap and the tie bit drops.
	want = uint64(1<<32)*0x7E0001FE + 2*0x7E0001FF
	assert.Equal(t, want, pair.priority(Controlling))
}

func TestPairSortDeterministic(t *testing.T) {
	mk := func() []*candidatePair {
		return []*candidatePair{
			{local: hostCandidate("10.0.0.1", 1, 100), remote: &Candidate{IP: net.ParseIP("10.9.0.1"), Port: 1, Priority: 50}},
			{local: hostCandidate("10.0.0.1", 2, 200), remote: &Candidate{IP: net.ParseIP("10.9.0.2"), Port: 2, Priority: 90}},
			{local: hostCandidate("10.0.0.1", 3, 150), remote: &Candidate{IP: net.ParseIP("10.9.0.3"), Port: 3, Priority: 70}},
		}
	}

	a, b := mk(), mk()
	sortPairs(a, Controlling)
	sortPairs(b, Controlling)
	for i := range a {
		assert.Equal(t, a[i].remote.Port, b[i].remote.Port, "two sorts of the same input must agree")
	}
	for i := 1; i < len(a); i++ {
		assert.GreaterOrEqual(t, a[i-1].priority(Controlling), a[i].priority(Controlling))
	}
}

func TestBuildPairListPrunes(t *testing.T) {
	host := hostCandidate("10.0.0.1", 4000, 65535)
	srflx := NewCandidate(CandidateServerReflexive, net.ParseIP("198.51.100.1"), 4000,
		net.ParseIP("10.0.0.1"), 4000, 65535)
	relay := NewCandidate(CandidateRelayed, net.ParseIP("203.0.113.1"), 5000,
		net.ParseIP("10.0.0.1"), 4000, 65535)

	remote := &Candidate{Type: CandidateHost, IP: net.ParseIP("192.0.2.10"), Port: 6000, Priority: 0x7E0001FF}

	pairs := buildPairList([]*Candidate{host, srflx, relay}, []*Candidate{remote}, Controlling)

	for _, pair := range pairs {
		assert.NotEqual(t, CandidateServerReflexive, pair.local.Type,
			"server-reflexive locals cannot send and must be pruned")
	}

	// The host and relayed paths are distinct vias and both survive, the
	// host ranked first.
	require.Len(t, pairs, 2)
	assert.Equal(t, CandidateHost, pairs[0].local.Type)
	assert.Equal(t, CandidateRelayed, pairs[1].local.Type)

	// A second host candidate on the same via IP dedupes down to one.
	dup := hostCandidate("10.0.0.1", 4001, 60000)
	pairs = buildPairList([]*Candidate{host, dup}, []*Candidate{remote}, Controlling)
	require.Len(t, pairs, 1)
	assert.Equal(t, 4000, pairs[0].local.Port)
}

func TestBuildPairListCap(t *testing.T) {
	locals := []*Candidate{hostCandidate("10.0.0.1", 4000, 65535)}
	var remotes []*Candidate
	for i := 0; i < 150; i++ {
		remotes = append(remotes, &Candidate{
			Type: CandidateHost, IP: net.ParseIP("192.0.2.1"), Port: 1000 + i, Priority: uint32(1000 + i),
		})
	}
	pairs := buildPairList(locals, remotes, Controlling)
	assert.Len(t, pairs, maxCandidatePairs)
}

func TestPairReset(t *testing.T) {
	pair := &candidatePair{
		local:            hostCandidate("10.0.0.1", 4000, 65535),
		remote:           &Candidate{IP: net.ParseIP("192.0.2.1"), Port: 1},
		receivedRequest:  true,
		receivedResponse: true,
		nominating:       true,
	}
	pair.reset()
	assert.False(t, pair.receivedRequest)
	assert.False(t, pair.receivedResponse)
	assert.False(t, pair.nominating)
	assert.False(t, pair.failed)
}
