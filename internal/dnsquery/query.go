// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dnsquery

import (
	"errors"
	"fmt"
	"sync"

	"github.com/miekg/dns"
)

// ErrQueryCancelled is reported by queries cancelled before completion.
var ErrQueryCancelled = errors.New("dns query cancelled")

// Fallback selects which address families an SRV lookup may fall back to
// when the SRV RRset is missing or empty.
type Fallback int

// Fallback flags. Combine FallbackA|FallbackAAAA for an A-or-AAAA fallback.
const (
	FallbackNone Fallback = 0
	FallbackA    Fallback = 1 << iota
	FallbackAAAA
)

// SRVDefaults supplies the synthetic record fields used when an SRV lookup
// falls back to a plain address lookup.
type SRVDefaults struct {
	Port     uint16
	Priority uint16
	Weight   uint16
}

// Query is a lazy single-shot lookup. It completes exactly once; results
// are immutable afterwards.
type Query struct {
	mu          sync.Mutex
	done        chan struct{}
	completed   bool
	cancelled   bool
	onCompleted func(*Query)

	aResult    *Result
	aaaaResult *Result
	srvResult  *SRVResult
	err        error

	subs []*Query
}

func newQuery(onCompleted func(*Query)) *Query {
	return &Query{
		done:        make(chan struct{}),
		onCompleted: onCompleted,
	}
}

// Done is closed when the query has completed or been cancelled.
func (q *Query) Done() <-chan struct{} { return q.done }

// IsComplete reports whether an outcome has been recorded. The flag
// latches; sub-query state is never re-inspected after completion.
func (q *Query) IsComplete() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.completed
}

// A returns the IPv4 result, if any.
func (q *Query) A() *Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.aResult
}

// AAAA returns the IPv6 result, if any.
func (q *Query) AAAA() *Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.aaaaResult
}

// SRV returns the SRV aggregate, if any.
func (q *Query) SRV() *SRVResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.srvResult
}

// Err returns the terminal error, if any.
func (q *Query) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.err
}

// Cancel abandons the query. The completion callback will not fire; any
// sub-queries are cancelled as well. Cancelling a completed query is a
// no-op.
func (q *Query) Cancel() {
	q.mu.Lock()
	if q.completed {
		q.mu.Unlock()

		return
	}
	q.completed = true
	q.cancelled = true
	q.err = ErrQueryCancelled
	subs := q.subs
	q.subs = nil
	close(q.done)
	q.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

// complete records the outcome set by fill and fires the callback.
func (q *Query) complete(fill func(*Query)) {
	q.mu.Lock()
	if q.completed {
		q.mu.Unlock()

		return
	}
	if fill != nil {
		fill(q)
	}
	q.completed = true
	cb := q.onCompleted
	q.subs = nil
	close(q.done)
	q.mu.Unlock()

	if cb != nil {
		cb(q)
	}
}

func (q *Query) addSub(sub *Query) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.completed {
		return false
	}
	q.subs = append(q.subs, sub)

	return true
}

// LookupA resolves name (or a comma-separated list of names) to IPv4
// addresses. IP-literal input completes synchronously.
func (m *Monitor) LookupA(name string, onCompleted func(*Query)) *Query {
	return m.lookupAddress(name, dns.TypeA, onCompleted)
}

// LookupAAAA resolves name to IPv6 addresses.
func (m *Monitor) LookupAAAA(name string, onCompleted func(*Query)) *Query {
	return m.lookupAddress(name, dns.TypeAAAA, onCompleted)
}

func (m *Monitor) lookupAddress(name string, qtype uint16, onCompleted func(*Query)) *Query {
	q := newQuery(onCompleted)

	if ips := parseLiterals(name); ips != nil {
		q.complete(func(q *Query) {
			res := &Result{Name: name, TTL: literalTTL}
			if qtype == dns.TypeA {
				res.IPs = v4Only(ips)
				q.aResult = res
			} else {
				res.IPs = v6Only(ips)
				q.aaaaResult = res
			}
		})

		return q
	}

	parts := splitList(name)
	if len(parts) == 0 {
		q.complete(func(q *Query) { q.err = ErrNameNotFound })

		return q
	}

	var mu sync.Mutex
	pending := len(parts)
	merged := &Result{Name: name}
	var firstErr error
	gotAny := false
	first := true

	for _, part := range parts {
		part := part
		finishOne := func(out outcome) {
			mu.Lock()
			if out.err != nil {
				if firstErr == nil {
					firstErr = out.err
				}
			} else {
				gotAny = true
				merged.IPs = append(merged.IPs, out.ips...)
				if first || out.ttl < merged.TTL {
					merged.TTL = out.ttl
					first = false
				}
			}
			pending--
			last := pending == 0
			mu.Unlock()

			if !last {
				return
			}
			q.complete(func(q *Query) {
				if !gotAny && firstErr != nil {
					q.err = firstErr

					return
				}
				if qtype == dns.TypeA {
					q.aResult = merged
				} else {
					q.aaaaResult = merged
				}
			})
		}

		if ip := parseLiterals(part); ip != nil {
			out := outcome{ips: ip, ttl: literalTTL}
			if qtype == dns.TypeA {
				out.ips = v4Only(ip)
			} else {
				out.ips = v6Only(ip)
			}
			finishOne(out)

			continue
		}
		m.lookup(part, qtype, finishOne)
	}

	return q
}

// LookupAOrAAAA issues A and AAAA in parallel and completes when both
// have terminated, exposing whichever families succeeded.
func (m *Monitor) LookupAOrAAAA(name string, onCompleted func(*Query)) *Query {
	q := newQuery(onCompleted)

	var mu sync.Mutex
	pending := 2
	var aRes, aaaaRes *Result
	var aErr, aaaaErr error

	finish := func() {
		q.complete(func(q *Query) {
			q.aResult = aRes
			q.aaaaResult = aaaaRes
			if aRes == nil && aaaaRes == nil {
				if aErr != nil {
					q.err = aErr
				} else {
					q.err = aaaaErr
				}
			}
		})
	}

	subA := m.LookupA(name, func(sub *Query) {
		mu.Lock()
		aRes, aErr = sub.A(), sub.Err()
		pending--
		last := pending == 0
		mu.Unlock()
		if last {
			finish()
		}
	})
	subAAAA := m.LookupAAAA(name, func(sub *Query) {
		mu.Lock()
		aaaaRes, aaaaErr = sub.AAAA(), sub.Err()
		pending--
		last := pending == 0
		mu.Unlock()
		if last {
			finish()
		}
	})
	q.addSub(subA)
	q.addSub(subAAAA)

	return q
}

// LookupSRV resolves "_service._proto.name", expanding every record's
// target to addresses before the aggregate completes.
func (m *Monitor) LookupSRV(service, proto, name string, onCompleted func(*Query)) *Query {
	return m.LookupSRVWithFallback(service, proto, name, SRVDefaults{}, FallbackNone, onCompleted)
}

// LookupSRVWithFallback resolves an SRV RRset and, when it is missing or
// empty and fallback flags are set, falls back to an address lookup on
// name itself, synthesizing a single record from defaults.
func (m *Monitor) LookupSRVWithFallback( //nolint:gocognit,cyclop
	service, proto, name string,
	defaults SRVDefaults,
	fallback Fallback,
	onCompleted func(*Query),
) *Query {
	q := newQuery(onCompleted)

	// IP-literal input never touches the resolver.
	if ips := parseLiterals(name); ips != nil {
		q.complete(func(q *Query) {
			q.srvResult = &SRVResult{
				Name:     name,
				Service:  service,
				Protocol: proto,
				TTL:      literalTTL,
				Records: []*SRVRecord{{
					Name:     name,
					Port:     defaults.Port,
					Priority: defaults.Priority,
					Weight:   defaults.Weight,
					A:        v4Only(ips),
					AAAA:     v6Only(ips),
				}},
			}
		})

		return q
	}

	parts := splitList(name)
	if len(parts) > 1 {
		return m.lookupSRVList(q, service, proto, parts, defaults, fallback)
	}

	fqdn := fmt.Sprintf("_%s._%s.%s", service, proto, name)
	m.lookup(fqdn, dns.TypeSRV, func(out outcome) {
		if out.err != nil || len(out.srvs) == 0 {
			m.srvFallback(q, service, proto, name, defaults, fallback, out.err)

			return
		}
		m.expandSRV(q, service, proto, name, out, fallback)
	})

	return q
}

// srvFallback completes q from a plain address lookup on the bare name.
func (m *Monitor) srvFallback(
	q *Query,
	service, proto, name string,
	defaults SRVDefaults,
	fallback Fallback,
	srvErr error,
) {
	if fallback == FallbackNone {
		q.complete(func(q *Query) {
			if srvErr != nil {
				q.err = srvErr

				return
			}
			q.srvResult = &SRVResult{Name: name, Service: service, Protocol: proto}
		})

		return
	}

	deliver := func(sub *Query) {
		a, aaaa := sub.A(), sub.AAAA()
		q.complete(func(q *Query) {
			if a == nil && aaaa == nil {
				q.err = sub.Err()

				return
			}
			rec := &SRVRecord{
				Name:     name,
				Port:     defaults.Port,
				Priority: defaults.Priority,
				Weight:   defaults.Weight,
			}
			ttl := uint32(0)
			if a != nil {
				rec.A = a.IPs
				ttl = a.TTL
			}
			if aaaa != nil {
				rec.AAAA = aaaa.IPs
				if aaaa.TTL < ttl || a == nil {
					ttl = aaaa.TTL
				}
			}
			q.srvResult = &SRVResult{
				Name:     name,
				Service:  service,
				Protocol: proto,
				TTL:      ttl,
				Records:  []*SRVRecord{rec},
			}
		})
	}

	var sub *Query
	switch {
	case fallback&FallbackA != 0 && fallback&FallbackAAAA != 0:
		sub = m.LookupAOrAAAA(name, deliver)
	case fallback&FallbackAAAA != 0:
		sub = m.LookupAAAA(name, deliver)
	default:
		sub = m.LookupA(name, deliver)
	}
	q.addSub(sub)
}

// expandSRV resolves every record target, then sorts and completes.
func (m *Monitor) expandSRV(q *Query, service, proto, name string, out outcome, fallback Fallback) {
	records := out.srvs

	var mu sync.Mutex
	pending := 0
	launch := make([]func(), 0, len(records))

	finishOne := func() {
		mu.Lock()
		pending--
		last := pending == 0
		mu.Unlock()
		if !last {
			return
		}
		q.complete(func(q *Query) {
			q.srvResult = &SRVResult{
				Name:     name,
				Service:  service,
				Protocol: proto,
				TTL:      out.ttl,
				Records:  sortSRVRecords(records, m.rand),
			}
		})
	}

	for _, rec := range records {
		rec := rec
		if ips := parseLiterals(rec.Name); ips != nil {
			rec.A = v4Only(ips)
			rec.AAAA = v6Only(ips)

			continue
		}
		pending++
		launch = append(launch, func() {
			family := fallback
			if family == FallbackNone {
				family = FallbackA | FallbackAAAA
			}
			var sub *Query
			deliver := func(s *Query) {
				// A target that fails to resolve stays in the aggregate
				// with no addresses; other records are unaffected.
				if a := s.A(); a != nil {
					rec.A = a.IPs
				}
				if aaaa := s.AAAA(); aaaa != nil {
					rec.AAAA = aaaa.IPs
				}
				finishOne()
			}
			switch {
			case family&FallbackA != 0 && family&FallbackAAAA != 0:
				sub = m.LookupAOrAAAA(rec.Name, deliver)
			case family&FallbackAAAA != 0:
				sub = m.LookupAAAA(rec.Name, deliver)
			default:
				sub = m.LookupA(rec.Name, deliver)
			}
			q.addSub(sub)
		})
	}

	if pending == 0 {
		q.complete(func(q *Query) {
			q.srvResult = &SRVResult{
				Name:     name,
				Service:  service,
				Protocol: proto,
				TTL:      out.ttl,
				Records:  sortSRVRecords(records, m.rand),
			}
		})

		return
	}
	for _, fn := range launch {
		fn()
	}
}

// lookupSRVList runs an SRV-with-fallback per list element, concatenates
// the records and re-sorts the union.
func (m *Monitor) lookupSRVList(
	q *Query,
	service, proto string,
	parts []string,
	defaults SRVDefaults,
	fallback Fallback,
) *Query {
	var mu sync.Mutex
	pending := len(parts)
	var records []*SRVRecord
	var ttl uint32
	first := true
	var firstErr error
	gotAny := false

	for _, part := range parts {
		sub := m.LookupSRVWithFallback(service, proto, part, defaults, fallback, func(s *Query) {
			mu.Lock()
			if res := s.SRV(); res != nil {
				gotAny = true
				records = append(records, res.Records...)
				if first || res.TTL < ttl {
					ttl = res.TTL
					first = false
				}
			} else if firstErr == nil {
				firstErr = s.Err()
			}
			pending--
			last := pending == 0
			mu.Unlock()
			if !last {
				return
			}
			q.complete(func(q *Query) {
				if !gotAny && firstErr != nil {
					q.err = firstErr

					return
				}
				q.srvResult = &SRVResult{
					Service:  service,
					Protocol: proto,
					TTL:      ttl,
					Records:  sortSRVRecords(records, m.rand),
				}
			})
		})
		q.addSub(sub)
	}

	return q
}
