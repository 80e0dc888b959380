// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnc

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/pion/logging"
	"github.com/pion/stun/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peermesh/ice/internal/dnsquery"
	"github.com/peermesh/ice/internal/proto"
)

type outPacket struct {
	payload []byte
	server  *net.UDPAddr
}

type relayedPacket struct {
	payload []byte
	from    *net.UDPAddr
}

type stateEvent struct {
	state  State
	reason error
}

type testDelegate struct {
	outCh   chan outPacket
	stateCh chan stateEvent
	relayCh chan relayedPacket
}

func newTestDelegate() *testDelegate {
	return &testDelegate{
		outCh:   make(chan outPacket, 32),
		stateCh: make(chan stateEvent, 8),
		relayCh: make(chan relayedPacket, 8),
	}
}

func (d *testDelegate) WriteToServer(payload []byte, server *net.UDPAddr) error {
	d.outCh <- outPacket{payload: append([]byte{}, payload...), server: server}

	return nil
}

func (d *testDelegate) OnRelayedPacket(payload []byte, from *net.UDPAddr) {
	d.relayCh <- relayedPacket{payload: append([]byte{}, payload...), from: from}
}

func (d *testDelegate) OnStateChange(state State, reason error) {
	d.stateCh <- stateEvent{state: state, reason: reason}
}

func (d *testDelegate) OnWriteReady() {}

func (d *testDelegate) nextOut(t *testing.T) outPacket {
	t.Helper()
	select {
	case p := <-d.outCh:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound packet")

		return outPacket{}
	}
}

func (d *testDelegate) nextSTUN(t *testing.T) *stun.Message {
	t.Helper()
	p := d.nextOut(t)
	msg := &stun.Message{Raw: p.payload}
	require.NoError(t, msg.Decode())

	return msg
}

func (d *testDelegate) waitState(t *testing.T, want State) stateEvent {
	t.Helper()
	for {
		select {
		case ev := <-d.stateCh:
			if ev.state == want {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("state %s never reached", want)
		}
	}
}

func testResolver(t *testing.T) *dnsquery.Monitor {
	t.Helper()
	m, err := dnsquery.NewMonitor(&dnsquery.MonitorConfig{
		LoggerFactory: logging.NewDefaultLoggerFactory(),
		Exchange: func(q *dns.Msg) (*dns.Msg, error) {
			resp := new(dns.Msg)
			resp.SetReply(q)
			resp.Rcode = dns.RcodeNameError

			return resp, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return m
}

var testServerAddr = &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 3478} //nolint:gochecknoglobals

func newTestClient(t *testing.T, config Config) (*Client, *testDelegate) {
	t.Helper()
	delegate := newTestDelegate()
	if config.Server.Host == "" {
		config.Server = ServerSpec{Host: "192.0.2.1"}
	}
	config.ForceTransport = TransportUDP
	config.Resolver = testResolver(t)
	config.LoggerFactory = logging.NewDefaultLoggerFactory()

	c, err := New(&config, delegate)
	require.NoError(t, err)

	return c, delegate
}

// reply injects a server response built from setters for the given request.
func reply(t *testing.T, c *Client, req *stun.Message, setters ...stun.Setter) {
	t.Helper()
	all := append([]stun.Setter{&stun.Message{TransactionID: req.TransactionID}}, setters...)
	msg, err := stun.Build(all...)
	require.NoError(t, err)
	assert.True(t, c.HandlePacket(msg.Raw, testServerAddr))
}

func readyClient(t *testing.T, config Config) (*Client, *testDelegate) {
	t.Helper()
	c, delegate := newTestClient(t, config)
	c.Start()

	alloc := delegate.nextSTUN(t)
	require.Equal(t, stun.MethodAllocate, alloc.Type.Method)
	reply(t, c, alloc,
		stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse),
		proto.RelayedAddress{IP: net.ParseIP("198.51.100.7"), Port: 49123},
		&stun.XORMappedAddress{IP: net.ParseIP("203.0.113.99"), Port: 7001},
		proto.Lifetime{Duration: 600 * time.Second},
	)
	delegate.waitState(t, StateReady)
	t.Cleanup(func() { c.shutdown(ErrUserRequestedShutdown) })

	return c, delegate
}

func TestAllocateWithAuth(t *testing.T) {
	c, delegate := newTestClient(t, Config{Username: "u", Password: "p"})
	c.Start()

	// First Allocate goes out unauthenticated.
	first := delegate.nextSTUN(t)
	require.Equal(t, stun.MethodAllocate, first.Type.Method)
	var username stun.Username
	assert.Error(t, username.GetFrom(first), "first allocate must not carry USERNAME")

	reply(t, c, first,
		stun.NewType(stun.MethodAllocate, stun.ClassErrorResponse),
		stun.ErrorCodeAttribute{Code: stun.CodeUnauthorized},
		stun.NewRealm("r"),
		stun.NewNonce("n"),
	)

	// Retry carries USERNAME/REALM/NONCE and a valid long-term integrity.
	second := delegate.nextSTUN(t)
	require.Equal(t, stun.MethodAllocate, second.Type.Method)
	require.NoError(t, username.GetFrom(second))
	assert.Equal(t, "u", username.String())
	var realm stun.Realm
	require.NoError(t, realm.GetFrom(second))
	assert.Equal(t, "r", realm.String())
	var nonce stun.Nonce
	require.NoError(t, nonce.GetFrom(second))
	assert.Equal(t, "n", nonce.String())
	integrity := stun.NewLongTermIntegrity("u", "r", "p")
	assert.NoError(t, integrity.Check(second))

	reply(t, c, second,
		stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse),
		proto.RelayedAddress{IP: net.ParseIP("198.51.100.7"), Port: 49123},
		proto.Lifetime{Duration: 600 * time.Second},
		integrity,
	)

	delegate.waitState(t, StateReady)
	assert.Equal(t, "198.51.100.7:49123", c.RelayedAddr().String())
	assert.Equal(t, 600*time.Second, c.Lifetime())
	assert.True(t, c.IsUDP())
	assert.InDelta(t, float64(540*time.Second), float64(c.refreshInterval()), float64(2*time.Second),
		"refresh should fire about 60 s before expiry")

	c.shutdown(ErrUserRequestedShutdown)
}

func TestAbortAfterSecondUnauthorized(t *testing.T) {
	c, delegate := newTestClient(t, Config{Username: "u", Password: "bad"})
	c.Start()

	first := delegate.nextSTUN(t)
	reply(t, c, first,
		stun.NewType(stun.MethodAllocate, stun.ClassErrorResponse),
		stun.ErrorCodeAttribute{Code: stun.CodeUnauthorized},
		stun.NewRealm("r"),
		stun.NewNonce("n"),
	)

	second := delegate.nextSTUN(t)
	reply(t, c, second,
		stun.NewType(stun.MethodAllocate, stun.ClassErrorResponse),
		stun.ErrorCodeAttribute{Code: stun.CodeUnauthorized},
		stun.NewRealm("r"),
		stun.NewNonce("n2"),
	)

	ev := delegate.waitState(t, StateShutdown)
	assert.ErrorIs(t, ev.reason, ErrFailedToConnectToAnyServer)
}

func TestChannelBindRace(t *testing.T) {
	c, delegate := readyClient(t, Config{})
	peer := &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 9000}

	ok := c.Send(peer, []byte("X"), true)
	assert.True(t, ok)

	// One CreatePermission and one ChannelBind go out, in either order.
	var createPerm, chanBind *stun.Message
	for i := 0; i < 2; i++ {
		msg := delegate.nextSTUN(t)
		switch msg.Type.Method {
		case stun.MethodCreatePermission:
			createPerm = msg
		case stun.MethodChannelBind:
			chanBind = msg
		default:
			t.Fatalf("unexpected outbound %s", msg.Type)
		}
	}
	require.NotNil(t, createPerm)
	require.NotNil(t, chanBind)

	var chNum proto.ChannelNumber
	require.NoError(t, chNum.GetFrom(chanBind))
	assert.True(t, chNum.Valid())

	// Until both succeed, the queued payload drains as a Send indication.
	reply(t, c, createPerm, stun.NewType(stun.MethodCreatePermission, stun.ClassSuccessResponse))
	ind := delegate.nextSTUN(t)
	assert.Equal(t, stun.MethodSend, ind.Type.Method)
	assert.Equal(t, stun.ClassIndication, ind.Type.Class)
	var data proto.Data
	require.NoError(t, data.GetFrom(ind))
	assert.Equal(t, []byte("X"), []byte(data))

	reply(t, c, chanBind, stun.NewType(stun.MethodChannelBind, stun.ClassSuccessResponse))

	// Give the bind result a moment to land, then the next send must ride
	// the channel.
	require.Eventually(t, func() bool {
		ch, ok := c.chanMap.findByNumber(chNum)

		return ok && ch.bound
	}, time.Second, 10*time.Millisecond)

	assert.True(t, c.Send(peer, []byte("X2"), true))
	framed := delegate.nextOut(t)
	require.True(t, proto.IsChannelData(framed.payload))
	chData := &proto.ChannelData{Raw: framed.payload}
	require.NoError(t, chData.Decode())
	assert.Equal(t, chNum, chData.Number)
	assert.Equal(t, []byte("X2"), chData.Data)
}

func TestSendWithoutChannel(t *testing.T) {
	c, delegate := readyClient(t, Config{DisableChannels: true})
	peer := &net.UDPAddr{IP: net.ParseIP("203.0.113.6"), Port: 9001}

	assert.True(t, c.Send(peer, []byte("hello"), true))

	createPerm := delegate.nextSTUN(t)
	require.Equal(t, stun.MethodCreatePermission, createPerm.Type.Method)
	var peerAttr proto.PeerAddress
	require.NoError(t, peerAttr.GetFrom(createPerm))
	assert.True(t, peerAttr.IP.Equal(peer.IP))

	reply(t, c, createPerm, stun.NewType(stun.MethodCreatePermission, stun.ClassSuccessResponse))

	ind := delegate.nextSTUN(t)
	assert.Equal(t, stun.MethodSend, ind.Type.Method)
}

func TestRestrictedDestinationDropsSilently(t *testing.T) {
	c, delegate := readyClient(t, Config{
		RestrictedIPs: []net.IP{net.ParseIP("198.51.100.99")},
	})
	peer := &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 9002}

	assert.True(t, c.Send(peer, []byte("nope"), false), "filter miss succeeds silently")
	select {
	case p := <-delegate.outCh:
		t.Fatalf("unexpected outbound packet: %d bytes", len(p.payload))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDataIndicationUnwrap(t *testing.T) {
	c, delegate := readyClient(t, Config{})
	peer := &net.UDPAddr{IP: net.ParseIP("203.0.113.8"), Port: 9003}

	msg, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodData, stun.ClassIndication),
		proto.Data("payload"),
		proto.AddrToPeerAddress(peer),
	)
	require.NoError(t, err)
	assert.True(t, c.HandlePacket(msg.Raw, testServerAddr))

	select {
	case p := <-delegate.relayCh:
		assert.Equal(t, []byte("payload"), p.payload)
		assert.True(t, p.from.IP.Equal(peer.IP))
		assert.Equal(t, peer.Port, p.from.Port)
	case <-time.After(time.Second):
		t.Fatal("DATA indication never unwrapped")
	}
}

func TestInboundChannelData(t *testing.T) {
	c, delegate := readyClient(t, Config{})
	peer := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 9004}

	// Bind a channel first.
	require.True(t, c.Send(peer, []byte("warmup"), true))
	var chanBind *stun.Message
	for i := 0; i < 2; i++ {
		msg := delegate.nextSTUN(t)
		if msg.Type.Method == stun.MethodChannelBind {
			chanBind = msg
		} else {
			reply(t, c, msg, stun.NewType(msg.Type.Method, stun.ClassSuccessResponse))
		}
	}
	require.NotNil(t, chanBind)
	var chNum proto.ChannelNumber
	require.NoError(t, chNum.GetFrom(chanBind))
	reply(t, c, chanBind, stun.NewType(stun.MethodChannelBind, stun.ClassSuccessResponse))

	// Drain the queued warmup indication.
	for len(delegate.outCh) > 0 {
		<-delegate.outCh
	}

	chData := &proto.ChannelData{Number: chNum, Data: []byte("inbound")}
	require.NoError(t, chData.Encode())
	require.Eventually(t, func() bool {
		return c.HandlePacket(chData.Raw, testServerAddr)
	}, time.Second, 10*time.Millisecond)

	select {
	case p := <-delegate.relayCh:
		assert.Equal(t, []byte("inbound"), p.payload)
		assert.True(t, p.from.IP.Equal(peer.IP))
	case <-time.After(time.Second):
		t.Fatal("channel data never surfaced")
	}
}

func TestChannelDataOutsideConfiguredRangeRejected(t *testing.T) {
	c, delegate := readyClient(t, Config{ChannelRange: [2]uint16{0x4000, 0x4010}})

	// 0x4020 is a valid RFC 5766 channel number but sits outside the
	// configured range; the frame must not be accepted as channel data.
	frame := &proto.ChannelData{Number: 0x4020, Data: []byte("bogus")}
	require.NoError(t, frame.Encode())
	assert.False(t, c.HandlePacket(frame.Raw, testServerAddr))

	select {
	case p := <-delegate.relayCh:
		t.Fatalf("out-of-range frame surfaced as relayed data: %q", p.payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPacketFromUnknownSourceIgnored(t *testing.T) {
	c, _ := readyClient(t, Config{})
	other := &net.UDPAddr{IP: net.ParseIP("198.18.0.1"), Port: 1111}
	msg, err := stun.Build(stun.TransactionID, stun.BindingSuccess)
	require.NoError(t, err)
	assert.False(t, c.HandlePacket(msg.Raw, other))
}
