// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ice

import (
	"fmt"
	"sort"

	"github.com/peermesh/ice/internal/stunreq"
)

// maxCandidatePairs bounds the check list, per RFC 5245 §5.7.3.
const maxCandidatePairs = 100

// candidatePair is one probeable local/remote pairing and its check state.
type candidatePair struct {
	local  *Candidate
	remote *Candidate

	receivedRequest  bool
	receivedResponse bool
	failed           bool
	nominating       bool
	inFlight         *stunreq.Requester
}

// pairPriority implements RFC 5245 §5.7.2:
// (2^32)·MIN(G,D) + 2·MAX(G,D) + (G>D ? 1 : 0), with G the controlling
// side's candidate priority and D the controlled side's.
func pairPriority(controllingPrio, controlledPrio uint32) uint64 {
	g, d := uint64(controllingPrio), uint64(controlledPrio)
	minP, maxP := g, d
	if d < g {
		minP, maxP = d, g
	}
	var tie uint64
	if g > d {
		tie = 1
	}

	return (1<<32)*minP + 2*maxP + tie
}

// priority computes this pair's priority for the given local role.
func (p *candidatePair) priority(role Role) uint64 {
	if role == Controlling {
		return pairPriority(p.local.Priority, p.remote.Priority)
	}

	return pairPriority(p.remote.Priority, p.local.Priority)
}

// succeeded reports whether the pair has seen traffic in both directions.
func (p *candidatePair) succeeded() bool {
	return p.receivedRequest && p.receivedResponse
}

// reset clears all check progress, as on a role switch.
func (p *candidatePair) reset() {
	p.receivedRequest = false
	p.receivedResponse = false
	p.failed = false
	p.nominating = false
	if p.inFlight != nil {
		p.inFlight.Cancel()
		p.inFlight = nil
	}
}

func (p *candidatePair) String() string {
	return fmt.Sprintf("%s -> %s:%d(%s)", p.local, p.remote.IP, p.remote.Port, p.remote.Type)
}

// buildPairList forms, prunes and orders the check list:
//   - server-reflexive local candidates are dropped (their base sends),
//   - one pair per (local candidate IP, remote address), keeping the best local,
//   - sorted by pair priority descending, capped at maxCandidatePairs.
func buildPairList(locals, remotes []*Candidate, role Role) []*candidatePair {
	var pairs []*candidatePair
	for _, local := range locals {
		if local.Type == CandidateServerReflexive {
			continue
		}
		for _, remote := range remotes {
			pairs = append(pairs, &candidatePair{local: local, remote: remote})
		}
	}

	sortPairs(pairs, role)

	type dedupeKey struct {
		viaIP  string
		remote string
	}
	seen := map[dedupeKey]bool{}
	var out []*candidatePair
	for _, pair := range pairs {
		key := dedupeKey{
			viaIP:  pair.local.IP.String(),
			remote: pair.remote.Addr().String(),
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, pair)
		if len(out) == maxCandidatePairs {
			break
		}
	}

	return out
}

// sortPairs orders by priority descending; the formula itself breaks ties
// deterministically, so equal priorities keep their insertion order.
func sortPairs(pairs []*candidatePair, role Role) {
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].priority(role) > pairs[j].priority(role)
	})
}
