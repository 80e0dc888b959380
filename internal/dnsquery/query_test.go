// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package dnsquery

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, exchange func(m *dns.Msg) (*dns.Msg, error)) *Monitor {
	t.Helper()
	m, err := NewMonitor(&MonitorConfig{
		LoggerFactory: logging.NewDefaultLoggerFactory(),
		Exchange:      exchange,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return m
}

func aAnswer(q *dns.Msg, ttl uint32, ips ...string) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(q)
	for _, ip := range ips {
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl,
			},
			A: net.ParseIP(ip).To4(),
		})
	}

	return resp
}

func emptyAnswer(q *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(q)

	return resp
}

func waitDone(t *testing.T, q *Query) {
	t.Helper()
	select {
	case <-q.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("query never completed")
	}
}

func TestLiteralInputIsSynchronous(t *testing.T) {
	m := newTestMonitor(t, func(q *dns.Msg) (*dns.Msg, error) {
		t.Fatal("resolver must not be consulted for literals")

		return nil, nil
	})

	q := m.LookupA("192.0.2.1, 192.0.2.2", nil)
	assert.True(t, q.IsComplete(), "literal lookups complete before returning")
	res := q.A()
	require.NotNil(t, res)
	assert.Equal(t, uint32(3600), res.TTL)
	require.Len(t, res.IPs, 2)
	assert.True(t, res.IPs[0].Equal(net.ParseIP("192.0.2.1")))
	assert.True(t, res.IPs[1].Equal(net.ParseIP("192.0.2.2")))
}

func TestLiteralFamilySplit(t *testing.T) {
	m := newTestMonitor(t, func(*dns.Msg) (*dns.Msg, error) {
		t.Fatal("resolver must not be consulted for literals")

		return nil, nil
	})

	q := m.LookupAAAA("192.0.2.1,2001:db8::1", nil)
	res := q.AAAA()
	require.NotNil(t, res)
	require.Len(t, res.IPs, 1)
	assert.True(t, res.IPs[0].Equal(net.ParseIP("2001:db8::1")))
}

func TestLookupAListMerge(t *testing.T) {
	m := newTestMonitor(t, func(q *dns.Msg) (*dns.Msg, error) {
		switch q.Question[0].Name {
		case "one.example.":
			return aAnswer(q, 300, "192.0.2.10"), nil
		case "two.example.":
			return aAnswer(q, 120, "192.0.2.20"), nil
		default:
			resp := emptyAnswer(q)
			resp.Rcode = dns.RcodeNameError

			return resp, nil
		}
	})

	done := make(chan *Query, 1)
	q := m.LookupA("one.example,two.example", func(q *Query) { done <- q })
	waitDone(t, q)
	<-done

	res := q.A()
	require.NotNil(t, res)
	assert.Len(t, res.IPs, 2)
	assert.Equal(t, uint32(120), res.TTL, "aggregate TTL is the minimum")
}

func TestHardFailure(t *testing.T) {
	m := newTestMonitor(t, func(q *dns.Msg) (*dns.Msg, error) {
		resp := emptyAnswer(q)
		resp.Rcode = dns.RcodeNameError

		return resp, nil
	})

	q := m.LookupA("missing.example", nil)
	waitDone(t, q)
	assert.ErrorIs(t, q.Err(), ErrNameNotFound)
	assert.Nil(t, q.A())
}

func TestSRVFallbackSynthesis(t *testing.T) {
	// SRV comes back empty; fallback-to-A with defaults 3478/100/10.
	m := newTestMonitor(t, func(q *dns.Msg) (*dns.Msg, error) {
		if q.Question[0].Qtype == dns.TypeSRV {
			return emptyAnswer(q), nil
		}

		return aAnswer(q, 300, "192.0.2.5"), nil
	})

	q := m.LookupSRVWithFallback("turn", "udp", "example",
		SRVDefaults{Port: 3478, Priority: 100, Weight: 10}, FallbackA, nil)
	waitDone(t, q)

	res := q.SRV()
	require.NotNil(t, res)
	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.Equal(t, "example", rec.Name)
	assert.Equal(t, uint16(3478), rec.Port)
	assert.Equal(t, uint16(100), rec.Priority)
	assert.Equal(t, uint16(10), rec.Weight)
	require.Len(t, rec.A, 1)
	assert.True(t, rec.A[0].Equal(net.ParseIP("192.0.2.5")))
}

func TestSRVExpansion(t *testing.T) {
	m := newTestMonitor(t, func(q *dns.Msg) (*dns.Msg, error) {
		switch {
		case q.Question[0].Qtype == dns.TypeSRV:
			resp := emptyAnswer(q)
			resp.Answer = append(resp.Answer,
				&dns.SRV{
					Hdr:      dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60},
					Priority: 20, Weight: 0, Port: 3478, Target: "b.example.",
				},
				&dns.SRV{
					Hdr:      dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60},
					Priority: 10, Weight: 0, Port: 3479, Target: "a.example.",
				},
			)

			return resp, nil
		case q.Question[0].Qtype == dns.TypeA && q.Question[0].Name == "a.example.":
			return aAnswer(q, 60, "192.0.2.1"), nil
		case q.Question[0].Qtype == dns.TypeA && q.Question[0].Name == "b.example.":
			return aAnswer(q, 60, "192.0.2.2"), nil
		default:
			return emptyAnswer(q), nil
		}
	})

	q := m.LookupSRV("turn", "udp", "example", nil)
	waitDone(t, q)

	res := q.SRV()
	require.NotNil(t, res)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "a.example", res.Records[0].Name, "priority 10 sorts first")
	assert.Equal(t, uint16(3479), res.Records[0].Port)
	require.Len(t, res.Records[0].A, 1)
	assert.True(t, res.Records[0].A[0].Equal(net.ParseIP("192.0.2.1")))
	require.Len(t, res.Records[1].A, 1)
	assert.True(t, res.Records[1].A[0].Equal(net.ParseIP("192.0.2.2")))
}

func TestSRVLiteralTarget(t *testing.T) {
	m := newTestMonitor(t, func(q *dns.Msg) (*dns.Msg, error) {
		require.Equal(t, dns.TypeSRV, q.Question[0].Qtype, "literal target needs no address lookup")
		resp := emptyAnswer(q)
		resp.Answer = append(resp.Answer, &dns.SRV{
			Hdr:      dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60},
			Priority: 10, Weight: 0, Port: 3478, Target: "198.51.100.7.",
		})

		return resp, nil
	})

	q := m.LookupSRV("turn", "udp", "example", nil)
	waitDone(t, q)

	res := q.SRV()
	require.NotNil(t, res)
	require.Len(t, res.Records, 1)
	require.Len(t, res.Records[0].A, 1)
	assert.True(t, res.Records[0].A[0].Equal(net.ParseIP("198.51.100.7")))
}

func TestQueryCancel(t *testing.T) {
	block := make(chan struct{})
	m := newTestMonitor(t, func(q *dns.Msg) (*dns.Msg, error) {
		<-block

		return emptyAnswer(q), nil
	})
	defer close(block)

	calledBack := false
	q := m.LookupA("slow.example", func(*Query) { calledBack = true })
	q.Cancel()
	waitDone(t, q)
	assert.ErrorIs(t, q.Err(), ErrQueryCancelled)
	assert.False(t, calledBack, "cancelled queries do not call back")

	// Second cancel is a no-op.
	q.Cancel()
}

func TestResultCaching(t *testing.T) {
	var nQueries int
	m := newTestMonitor(t, func(q *dns.Msg) (*dns.Msg, error) {
		nQueries++

		return aAnswer(q, 300, "192.0.2.9"), nil
	})

	q1 := m.LookupA("cached.example", nil)
	waitDone(t, q1)
	q2 := m.LookupA("cached.example", nil)
	waitDone(t, q2)

	assert.Equal(t, 1, nQueries, "second lookup should be served from cache")
	require.NotNil(t, q2.A())
	assert.True(t, q2.A().IPs[0].Equal(net.ParseIP("192.0.2.9")))
}
