// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package dnsquery implements the asynchronous DNS resolver the stack
// feeds on: a single background monitor multiplexing A/AAAA/SRV lookups
// with caching, plus composite queries (A-or-AAAA, SRV with fallback,
// comma-separated lists, instant IP-literal results).
package dnsquery

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pion/logging"
	"github.com/pion/randutil"
)

const (
	// transientRetryInterval is how long a SERVFAIL-class failure waits
	// before the lookup is re-queued.
	transientRetryInterval = 15 * time.Second
	// negativeCacheTTL is how long NXDOMAIN/FORMERR outcomes are cached.
	negativeCacheTTL = 2 * time.Minute
	// literalTTL is the TTL reported for IP-literal instant results.
	literalTTL = 3600

	defaultExchangeTimeout = 5 * time.Second
)

// ErrNameNotFound is the hard lookup failure (NXDOMAIN, FORMERR).
var ErrNameNotFound = errors.New("name not found")

// ErrMonitorClosed is delivered to lookups outstanding at Close.
var ErrMonitorClosed = errors.New("dns monitor closed")

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	// Servers lists resolver addresses as "ip:port". When empty the
	// system resolv.conf is used.
	Servers       []string
	Timeout       time.Duration
	LoggerFactory logging.LoggerFactory

	// Exchange overrides the wire exchange, for tests.
	Exchange func(m *dns.Msg) (*dns.Msg, error)
}

type cacheKey struct {
	name  string
	qtype uint16
}

// outcome is the terminal result of one (name, qtype) resolution.
type outcome struct {
	ips  []net.IP
	srvs []*SRVRecord
	ttl  uint32
	err  error
}

type cacheEntry struct {
	outcome
	expires time.Time
}

// Monitor is the process-wide resolver handle. All lookups from the stack
// funnel through one Monitor so results are shared by (name, type).
type Monitor struct {
	mu       sync.Mutex
	cache    map[cacheKey]*cacheEntry
	inflight map[cacheKey][]func(outcome)
	closed   bool
	closeCh  chan struct{}

	servers  []string
	exchange func(m *dns.Msg) (*dns.Msg, error)
	udp      *dns.Client
	tcp      *dns.Client
	rand     randutil.MathRandomGenerator
	log      logging.LeveledLogger
}

// NewMonitor creates a Monitor. It fails only if no resolver address can
// be determined.
func NewMonitor(config *MonitorConfig) (*Monitor, error) {
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultExchangeTimeout
	}

	m := &Monitor{
		cache:    map[cacheKey]*cacheEntry{},
		inflight: map[cacheKey][]func(outcome){},
		closeCh:  make(chan struct{}),
		servers:  config.Servers,
		udp:      &dns.Client{Timeout: timeout},
		tcp:      &dns.Client{Net: "tcp", Timeout: timeout},
		rand:     randutil.NewMathRandomGenerator(),
		log:      loggerFactory.NewLogger("dnsq"),
	}

	if config.Exchange != nil {
		m.exchange = config.Exchange
	} else {
		if len(m.servers) == 0 {
			conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
			if err != nil {
				return nil, err
			}
			for _, s := range conf.Servers {
				m.servers = append(m.servers, net.JoinHostPort(s, conf.Port))
			}
		}
		if len(m.servers) == 0 {
			return nil, errors.New("no DNS servers configured") //nolint // construction-time error
		}
		m.exchange = m.wireExchange
	}

	return m, nil
}

// Close cancels every outstanding lookup with ErrMonitorClosed.
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return
	}
	m.closed = true
	close(m.closeCh)
	pending := m.inflight
	m.inflight = map[cacheKey][]func(outcome){}
	m.mu.Unlock()

	for _, waiters := range pending {
		for _, w := range waiters {
			w(outcome{err: ErrMonitorClosed})
		}
	}
}

// wireExchange asks each configured server in turn, retrying a truncated
// UDP answer over TCP against the same server.
func (m *Monitor) wireExchange(query *dns.Msg) (*dns.Msg, error) {
	var lastErr error
	for _, server := range m.servers {
		resp, _, err := m.udp.Exchange(query, server)
		if err == nil && resp.Truncated {
			resp, _, err = m.tcp.Exchange(query, server)
		}
		if err != nil {
			lastErr = err

			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

// lookup starts (or joins) the resolution of one (name, qtype) and calls
// deliver exactly once with the terminal outcome.
func (m *Monitor) lookup(name string, qtype uint16, deliver func(outcome)) {
	key := cacheKey{name: dns.Fqdn(name), qtype: qtype}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		deliver(outcome{err: ErrMonitorClosed})

		return
	}
	if entry, ok := m.cache[key]; ok && time.Now().Before(entry.expires) {
		m.mu.Unlock()
		deliver(entry.outcome)

		return
	}
	if waiters, ok := m.inflight[key]; ok {
		m.inflight[key] = append(waiters, deliver)
		m.mu.Unlock()

		return
	}
	m.inflight[key] = []func(outcome){deliver}
	m.mu.Unlock()

	go m.resolveLoop(key)
}

// resolveLoop drives one key to a terminal outcome, re-queueing on
// transient failures.
func (m *Monitor) resolveLoop(key cacheKey) {
	for {
		out, transient := m.resolveOnce(key)
		if !transient {
			m.settle(key, out)

			return
		}

		m.log.Debugf("Transient failure resolving %s (type %d), retrying in %s",
			key.name, key.qtype, transientRetryInterval)
		select {
		case <-m.closeCh:
			m.settle(key, outcome{err: ErrMonitorClosed})

			return
		case <-time.After(transientRetryInterval):
		}
	}
}

func (m *Monitor) settle(key cacheKey, out outcome) {
	expiry := time.Duration(out.ttl) * time.Second
	if out.err != nil {
		expiry = negativeCacheTTL
	}

	m.mu.Lock()
	waiters := m.inflight[key]
	delete(m.inflight, key)
	if !m.closed && !errors.Is(out.err, ErrMonitorClosed) {
		m.cache[key] = &cacheEntry{outcome: out, expires: time.Now().Add(expiry)}
	}
	m.mu.Unlock()

	for _, w := range waiters {
		w(out)
	}
}

// resolveOnce performs a single wire exchange. The second return reports
// whether the failure is transient.
func (m *Monitor) resolveOnce(key cacheKey) (outcome, bool) {
	query := new(dns.Msg)
	query.SetQuestion(key.name, key.qtype)
	query.RecursionDesired = true

	resp, err := m.exchange(query)
	if err != nil {
		return outcome{}, true
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
		return parseAnswers(key, resp), false
	case dns.RcodeServerFailure:
		return outcome{}, true
	default:
		// NXDOMAIN, FORMERR and the rest are authoritative failures.
		return outcome{err: ErrNameNotFound}, false
	}
}

func parseAnswers(key cacheKey, resp *dns.Msg) outcome {
	out := outcome{}
	first := true
	for _, rr := range resp.Answer {
		ttl := rr.Header().Ttl
		if first || ttl < out.ttl {
			out.ttl = ttl
		}
		switch record := rr.(type) {
		case *dns.A:
			if key.qtype == dns.TypeA {
				out.ips = append(out.ips, record.A)
				first = false
			}
		case *dns.AAAA:
			if key.qtype == dns.TypeAAAA {
				out.ips = append(out.ips, record.AAAA)
				first = false
			}
		case *dns.SRV:
			if key.qtype == dns.TypeSRV {
				out.srvs = append(out.srvs, &SRVRecord{
					Name:     unFqdn(record.Target),
					Port:     record.Port,
					Priority: record.Priority,
					Weight:   record.Weight,
				})
				first = false
			}
		}
	}
	if first {
		out.ttl = 0
	}

	return out
}

func unFqdn(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}

	return s
}
