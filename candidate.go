// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package ice implements interactive connectivity establishment between
// two endpoints separated by NATs: local candidate gathering over STUN and
// TURN, per-peer connectivity-check sessions, and relayed fallback paths,
// all behind one send/receive surface.
package ice

import (
	"fmt"
	"hash/crc32"
	"net"
	"sort"
)

// CandidateType is the provenance of a candidate address.
type CandidateType int

// Candidate types in decreasing type preference.
const (
	CandidateHost CandidateType = iota
	CandidatePeerReflexive
	CandidateServerReflexive
	CandidateRelayed
)

// TypePreference returns the RFC 5245 recommended type preference.
func (t CandidateType) TypePreference() uint32 {
	switch t {
	case CandidateHost:
		return 126
	case CandidatePeerReflexive:
		return 110
	case CandidateServerReflexive:
		return 100
	case CandidateRelayed:
		return 0
	default:
		return 0
	}
}

func (t CandidateType) String() string {
	switch t {
	case CandidateHost:
		return "host"
	case CandidatePeerReflexive:
		return "prflx"
	case CandidateServerReflexive:
		return "srflx"
	case CandidateRelayed:
		return "relay"
	default:
		return "unknown"
	}
}

// defaultComponentID is the RTP component; this stack multiplexes
// everything over component 1.
const defaultComponentID = 1

// Candidate is one transport address a peer can be reached at (or reach us
// at), plus its provenance. RelatedIP/RelatedPort name the local base
// address for reflexive and relayed candidates; the base decides which
// local socket sends for this candidate.
type Candidate struct {
	Type            CandidateType
	IP              net.IP
	Port            int
	RelatedIP       net.IP
	RelatedPort     int
	Priority        uint32
	Foundation      string
	LocalPreference uint16
	ComponentID     uint16
}

// computePriority implements RFC 5245 §4.1.2.1:
// (2^24)·type + (2^8)·local + (256 − component).
func computePriority(typePref uint32, localPref uint16, componentID uint16) uint32 {
	return (1<<24)*typePref + (1<<8)*uint32(localPref) + (256 - uint32(componentID))
}

// NewCandidate fills priority and foundation for a gathered candidate.
func NewCandidate(
	candidateType CandidateType,
	ip net.IP,
	port int,
	relatedIP net.IP,
	relatedPort int,
	localPref uint16,
) *Candidate {
	c := &Candidate{
		Type:            candidateType,
		IP:              ip,
		Port:            port,
		RelatedIP:       relatedIP,
		RelatedPort:     relatedPort,
		LocalPreference: localPref,
		ComponentID:     defaultComponentID,
	}
	c.Priority = computePriority(candidateType.TypePreference(), localPref, c.ComponentID)
	c.Foundation = computeFoundation(candidateType, c.baseIP())

	return c
}

// baseIP is the address packets for this candidate leave from.
func (c *Candidate) baseIP() net.IP {
	if c.RelatedIP != nil {
		return c.RelatedIP
	}

	return c.IP
}

// computeFoundation groups candidates sharing type and base address.
func computeFoundation(candidateType CandidateType, base net.IP) string {
	sum := crc32.ChecksumIEEE([]byte(candidateType.String() + "/" + base.String() + "/udp"))

	return fmt.Sprintf("%08x", sum)
}

// Addr returns the candidate's transport address.
func (c *Candidate) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: c.IP, Port: c.Port}
}

func (c *Candidate) String() string {
	return fmt.Sprintf("%s %s:%d prio=%d foundation=%s", c.Type, c.IP, c.Port, c.Priority, c.Foundation)
}

// key identifies a candidate inside route tables and CRC computation.
func (c *Candidate) key() string {
	return fmt.Sprintf("%s/%s:%d", c.Type, c.IP, c.Port)
}

func (c *Candidate) addrEqual(addr *net.UDPAddr) bool {
	return c.IP.Equal(addr.IP) && c.Port == addr.Port
}

// candidatesCRC computes the version checksum over the canonically sorted
// candidate set, so subscribers can cheaply detect set changes.
func candidatesCRC(candidates []*Candidate) uint32 {
	keys := make([]string, 0, len(candidates))
	for _, c := range candidates {
		keys = append(keys, fmt.Sprintf("%s prio=%d", c.key(), c.Priority))
	}
	sort.Strings(keys)

	h := crc32.NewIEEE()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{0})
	}

	return h.Sum32()
}
