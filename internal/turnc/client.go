// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package turnc implements the TURN client: server selection over DNS,
// allocation with long-term credentials, refresh, permissions, channel
// bindings and Send/Data relaying over UDP or framed TCP.
package turnc

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v2"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"

	"github.com/peermesh/ice/internal/dnsquery"
	"github.com/peermesh/ice/internal/proto"
	"github.com/peermesh/ice/internal/stunreq"
)

// Transport restricts which relayed-connection transports are tried.
type Transport int

// Transport policies.
const (
	TransportAuto Transport = iota
	TransportUDP
	TransportTCP
)

// State is the allocation lifecycle.
type State int

// Allocation states.
const (
	StatePending State = iota
	StateReady
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting-down"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Delegate is the owner of the client, typically the ICE socket. Calls are
// made without internal locks held.
type Delegate interface {
	// WriteToServer sends one datagram to the server over the owner's UDP
	// socket. Only used while the client runs on UDP transport.
	WriteToServer(payload []byte, server *net.UDPAddr) error
	// OnRelayedPacket delivers data relayed from a peer, unwrapped.
	OnRelayedPacket(payload []byte, from *net.UDPAddr)
	// OnStateChange reports lifecycle transitions; reason is set for
	// Shutdown.
	OnStateChange(state State, reason error)
	// OnWriteReady fires after a transient send-queue overflow drains.
	OnWriteReady()
}

// ServerSpec names the TURN server. Host may be a DNS name, an IP literal,
// or a comma-separated list of either.
type ServerSpec struct {
	Host string
	Port int
}

// Config is the client configuration bag.
type Config struct {
	Server   ServerSpec
	Username string
	Password string
	Software string

	ForceTransport Transport
	// ChannelRange constrains channel numbers; zero means the RFC default.
	ChannelRange [2]uint16
	// DisableChannels keeps all traffic on Send indications.
	DisableChannels bool
	// RestrictedIPs, when non-empty, silently drops relayed sends to any
	// peer outside the set.
	RestrictedIPs []net.IP
	// RequestedLifetime defaults to proto.DefaultLifetime.
	RequestedLifetime time.Duration

	Resolver      *dnsquery.Monitor
	Net           transport.Net
	LoggerFactory logging.LoggerFactory
}

const (
	defaultTURNPort         = 3478
	serverActivationSpacing = 4 * time.Second
	activationTickInterval  = time.Second
	minRefreshInterval      = 15 * time.Second
	refreshHeadroom         = 60 * time.Second
	natKeepAliveWindow      = 20 * time.Second
	shutdownDeallocTimeout  = 5 * time.Second
)

type serverEntry struct {
	addr          *net.UDPAddr
	protocol      proto.Protocol
	activateAfter time.Time
	started       bool
	failed        bool
	triedAuth     bool
	staleRetried  bool
	realm         string
	nonce         string
	tcp           *tcpConn
	alloc         *stunreq.Requester
}

func (e *serverEntry) key() string {
	return e.protocol.String() + "/" + e.addr.String()
}

// Client is one TURN allocation in the making (or made).
type Client struct {
	config   Config
	delegate Delegate
	net      transport.Net
	resolver *dnsquery.Monitor
	reqMgr   *stunreq.Manager
	log      logging.LeveledLogger

	mutex          sync.Mutex
	state          State
	shutdownReason error
	closeCh        chan struct{}

	dnsUDP *dnsquery.Query
	dnsTCP *dnsquery.Query

	servers       []*serverEntry
	activateTimer *PeriodicTimer
	active        *serverEntry

	relayedAddr   *net.UDPAddr
	reflectedAddr *net.UDPAddr

	integrity  stun.MessageIntegrity
	realm      string
	nonce      string
	lifetime   time.Duration
	lastSentAt time.Time

	refreshTimer   *time.Timer
	permMap        *permissionMap
	permTimer      *PeriodicTimer
	permBatchLimit int
	permInFlight   bool
	chanMap        *channelMap
	chanTimer      *PeriodicTimer
}

// New creates a client. Call Start to begin server selection; the delegate
// hears OnStateChange(StateReady) once an allocation exists.
func New(config *Config, delegate Delegate) (*Client, error) {
	if config.Server.Host == "" {
		return nil, errors.New("no TURN server host") //nolint // construction-time error
	}
	if config.Resolver == nil {
		return nil, errors.New("no DNS resolver") //nolint // construction-time error
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	netIf := config.Net
	if netIf == nil {
		n, err := stdnet.NewNet()
		if err != nil {
			return nil, err
		}
		netIf = n
	}

	chanMin, chanMax := proto.MinChannelNumber, proto.MaxChannelNumber
	if config.ChannelRange != [2]uint16{} {
		chanMin = proto.ChannelNumber(config.ChannelRange[0])
		chanMax = proto.ChannelNumber(config.ChannelRange[1])
	}

	lifetime := config.RequestedLifetime
	if lifetime == 0 {
		lifetime = proto.DefaultLifetime
	}

	c := &Client{
		config:   *config,
		delegate: delegate,
		net:      netIf,
		resolver: config.Resolver,
		reqMgr:   stunreq.NewManager(loggerFactory),
		log:      loggerFactory.NewLogger("turnc"),
		state:    StatePending,
		closeCh:  make(chan struct{}),
		lifetime: lifetime,
		permMap:  newPermissionMap(),
		chanMap:  newChannelMap(chanMin, chanMax),
	}
	c.activateTimer = NewPeriodicTimer(0, c.onActivateTick, activationTickInterval)
	c.permTimer = NewPeriodicTimer(1, func(int) { c.requestPermissions() }, permRefreshInterval)
	c.chanTimer = NewPeriodicTimer(2, c.onChannelSweep, 30*time.Second)

	return c, nil
}

// Start resolves the server and begins walking the trial list.
func (c *Client) Start() {
	port := c.config.Server.Port
	if port == 0 {
		port = defaultTURNPort
	}
	defaults := dnsquery.SRVDefaults{Port: uint16(port), Priority: 100, Weight: 10}

	var mu sync.Mutex
	pending := 2
	var udpRes, tcpRes *dnsquery.SRVResult
	finish := func() {
		mu.Lock()
		pending--
		last := pending == 0
		mu.Unlock()
		if last {
			c.buildServerList(udpRes, tcpRes)
		}
	}

	// Literal hosts complete synchronously, so the queries must not be
	// consulted from the completion path; results travel by argument.
	qUDP := c.resolver.LookupSRVWithFallback("turn", "udp", c.config.Server.Host,
		defaults, dnsquery.FallbackA|dnsquery.FallbackAAAA, func(q *dnsquery.Query) {
			mu.Lock()
			udpRes = q.SRV()
			mu.Unlock()
			finish()
		})
	qTCP := c.resolver.LookupSRVWithFallback("turn", "tcp", c.config.Server.Host,
		defaults, dnsquery.FallbackA|dnsquery.FallbackAAAA, func(q *dnsquery.Query) {
			mu.Lock()
			tcpRes = q.SRV()
			mu.Unlock()
			finish()
		})

	c.mutex.Lock()
	c.dnsUDP = qUDP
	c.dnsTCP = qTCP
	c.mutex.Unlock()
}

// buildServerList interleaves the resolved UDP and TCP servers, spacing
// activation times 4 s apart, and starts the activation ticker.
func (c *Client) buildServerList(udpRes, tcpRes *dnsquery.SRVResult) {
	c.mutex.Lock()
	if c.state != StatePending {
		c.mutex.Unlock()

		return
	}

	udpServers := expandSRV(udpRes)
	tcpServers := expandSRV(tcpRes)
	switch c.config.ForceTransport {
	case TransportUDP:
		tcpServers = nil
	case TransportTCP:
		udpServers = nil
	case TransportAuto:
	}

	seen := map[string]bool{}
	now := time.Now()
	k := 0
	add := func(addr *net.UDPAddr, protocol proto.Protocol) {
		entry := &serverEntry{addr: addr, protocol: protocol}
		if seen[entry.key()] {
			return
		}
		seen[entry.key()] = true
		entry.activateAfter = now.Add(time.Duration(k) * serverActivationSpacing)
		k++
		c.servers = append(c.servers, entry)
	}
	for i := 0; i < len(udpServers) || i < len(tcpServers); i++ {
		if i < len(udpServers) {
			add(udpServers[i], proto.ProtoUDP)
		}
		if i < len(tcpServers) {
			add(tcpServers[i], proto.ProtoTCP)
		}
	}
	empty := len(c.servers) == 0
	c.mutex.Unlock()

	if empty {
		c.shutdown(ErrDNSLookupFailure)

		return
	}

	c.activateTimer.Start()
	c.onActivateTick(0)
}

func expandSRV(res *dnsquery.SRVResult) []*net.UDPAddr {
	if res == nil {
		return nil
	}
	var out []*net.UDPAddr
	for _, rec := range res.Records {
		for _, ip := range rec.A {
			out = append(out, &net.UDPAddr{IP: ip, Port: int(rec.Port)})
		}
		for _, ip := range rec.AAAA {
			out = append(out, &net.UDPAddr{IP: ip, Port: int(rec.Port)})
		}
	}

	return out
}

// onActivateTick starts every due, not-yet-started server trial.
func (c *Client) onActivateTick(int) {
	now := time.Now()

	c.mutex.Lock()
	if c.state != StatePending {
		c.mutex.Unlock()

		return
	}
	var due []*serverEntry
	for _, entry := range c.servers {
		if !entry.started && !entry.failed && !entry.activateAfter.After(now) {
			entry.started = true
			due = append(due, entry)
		}
	}
	c.mutex.Unlock()

	for _, entry := range due {
		go c.startTrial(entry)
	}
}

func (c *Client) startTrial(entry *serverEntry) {
	c.log.Debugf("Trying %s server %s", entry.protocol, entry.addr)

	if entry.protocol == proto.ProtoTCP {
		conn, err := c.net.Dial("tcp", entry.addr.String())
		if err != nil {
			c.log.Debugf("TCP connect to %s failed: %v", entry.addr, err)
			c.entryFailed(entry)

			return
		}
		c.mutex.Lock()
		if c.state != StatePending {
			c.mutex.Unlock()
			_ = conn.Close()

			return
		}
		entry.tcp = newTCPConn(conn, entry.addr, c)
		c.mutex.Unlock()
	}

	c.sendAllocate(entry)
}

// writeFor returns the requester write path for one server entry.
func (c *Client) writeFor(entry *serverEntry) stunreq.WriteFunc {
	if entry.protocol == proto.ProtoTCP {
		return func(p []byte, _ net.Addr) error {
			c.noteSent()

			return entry.tcp.write(p)
		}
	}

	return func(p []byte, dest net.Addr) error {
		udp, ok := dest.(*net.UDPAddr)
		if !ok {
			return errNotReady
		}
		c.noteSent()

		return c.delegate.WriteToServer(p, udp)
	}
}

func (c *Client) sendAllocate(entry *serverEntry) {
	setters := []stun.Setter{
		stun.TransactionID,
		stun.NewType(stun.MethodAllocate, stun.ClassRequest),
		proto.RequestedTransport{Protocol: proto.ProtoUDP},
		proto.Lifetime{Duration: c.lifetime},
	}
	if c.config.Software != "" {
		setters = append(setters, stun.NewSoftware(c.config.Software))
	}
	if entry.realm != "" {
		setters = append(setters,
			stun.NewUsername(c.config.Username),
			stun.NewRealm(entry.realm),
			stun.NewNonce(entry.nonce),
			stun.NewLongTermIntegrity(c.config.Username, entry.realm, c.config.Password),
		)
	}
	setters = append(setters, stun.Fingerprint)

	msg, err := stun.Build(setters...)
	if err != nil {
		c.entryFailed(entry)

		return
	}

	req, err := c.reqMgr.Start(msg, entry.addr, stunreq.ProfileSTUN, c.writeFor(entry),
		func(res stunreq.Result) { c.handleAllocateResult(entry, res) })
	if err != nil {
		c.entryFailed(entry)

		return
	}
	c.mutex.Lock()
	entry.alloc = req
	c.mutex.Unlock()
}

func (c *Client) handleAllocateResult(entry *serverEntry, res stunreq.Result) { //nolint:gocognit,cyclop
	switch res.Outcome {
	case stunreq.OutcomeCancelled:
		return
	case stunreq.OutcomeTimeout:
		c.log.Debugf("Allocate to %s timed out", entry.addr)
		c.entryFailed(entry)

		return
	case stunreq.OutcomeResponse:
	}

	msg := res.Msg
	if msg.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(msg); err != nil {
			c.entryFailed(entry)

			return
		}
		switch code.Code {
		case stun.CodeUnauthorized:
			if entry.triedAuth {
				// Authenticated and still rejected with the same
				// username; nothing more to try against this server.
				c.log.Warnf("Server %s rejected credentials", entry.addr)
				c.entryFailed(entry)

				return
			}
			if c.config.Username == "" {
				c.log.Warnf("Server %s demands auth: %v", entry.addr, errMissingCredentials)
				c.entryFailed(entry)

				return
			}
			var realm stun.Realm
			var nonce stun.Nonce
			if realm.GetFrom(msg) != nil || nonce.GetFrom(msg) != nil {
				c.entryFailed(entry)

				return
			}
			entry.triedAuth = true
			entry.realm = realm.String()
			entry.nonce = nonce.String()
			c.sendAllocate(entry)
		case stun.CodeStaleNonce:
			if entry.staleRetried {
				c.log.Warnf("Server %s: %v", entry.addr, errStaleNonceExceeded)
				c.entryFailed(entry)

				return
			}
			var nonce stun.Nonce
			if nonce.GetFrom(msg) != nil {
				c.entryFailed(entry)

				return
			}
			entry.staleRetried = true
			entry.nonce = nonce.String()
			c.sendAllocate(entry)
		default:
			c.log.Debugf("Allocate to %s failed: %s", entry.addr, code)
			c.entryFailed(entry)
		}

		return
	}

	// Success. An authenticated allocation must carry a valid integrity;
	// a forged success is discarded like any off-path packet.
	if entry.realm != "" {
		integrity := stun.NewLongTermIntegrity(c.config.Username, entry.realm, c.config.Password)
		if err := integrity.Check(msg); err != nil && !errors.Is(err, stun.ErrFingerprintBeforeIntegrity) {
			c.log.Warnf("Allocate response from %s failed integrity check", entry.addr)
			c.entryFailed(entry)

			return
		}
	}

	var serverSoftware stun.Software
	if err := serverSoftware.GetFrom(msg); err == nil {
		c.log.Infof("Server %s software: %s", entry.addr, serverSoftware)
	}

	var relayed proto.RelayedAddress
	if err := relayed.GetFrom(msg); err != nil {
		c.entryFailed(entry)

		return
	}
	var reflected stun.XORMappedAddress
	_ = reflected.GetFrom(msg)
	var lifetime proto.Lifetime
	if err := lifetime.GetFrom(msg); err != nil {
		lifetime.Duration = c.lifetime
	}

	c.becomeReady(entry, relayed, reflected, lifetime.Duration)
}

func (c *Client) becomeReady(
	entry *serverEntry,
	relayed proto.RelayedAddress,
	reflected stun.XORMappedAddress,
	lifetime time.Duration,
) {
	c.mutex.Lock()
	if c.state != StatePending {
		c.mutex.Unlock()

		return
	}
	c.state = StateReady
	c.active = entry
	c.relayedAddr = &net.UDPAddr{IP: relayed.IP, Port: relayed.Port}
	if reflected.IP != nil {
		c.reflectedAddr = &net.UDPAddr{IP: reflected.IP, Port: reflected.Port}
	}
	c.lifetime = lifetime
	c.realm = entry.realm
	c.nonce = entry.nonce
	if entry.realm != "" {
		c.integrity = stun.NewLongTermIntegrity(c.config.Username, entry.realm, c.config.Password)
	}

	// Losers are discarded along with their sockets and requesters.
	var discard []*serverEntry
	for _, other := range c.servers {
		if other != entry {
			discard = append(discard, other)
		}
	}
	c.mutex.Unlock()

	c.activateTimer.Stop()
	for _, other := range discard {
		if other.alloc != nil {
			other.alloc.Cancel()
		}
		if other.tcp != nil {
			other.tcp.close()
		}
	}

	c.log.Infof("Allocation ready on %s server %s: relayed=%s lifetime=%s",
		entry.protocol, entry.addr, c.relayedAddr, lifetime)

	c.scheduleRefresh()
	c.permTimer.Start()
	c.chanTimer.Start()
	c.delegate.OnStateChange(StateReady, nil)
}

// entryFailed marks a trial dead and shuts the client down once nothing is
// left to try.
func (c *Client) entryFailed(entry *serverEntry) {
	c.mutex.Lock()
	entry.failed = true
	if entry.tcp != nil {
		entry.tcp.close()
		entry.tcp = nil
	}
	exhausted := c.state == StatePending
	for _, e := range c.servers {
		if !e.failed {
			exhausted = false

			break
		}
	}
	hasServers := len(c.servers) > 0
	c.mutex.Unlock()

	if exhausted && hasServers {
		c.shutdown(ErrFailedToConnectToAnyServer)
	}
}

// --- Refresh ---------------------------------------------------------------

// refreshInterval computes the next refresh delay from the granted
// lifetime, clamped to the NAT keep-alive window when the socket has been
// quiet.
func (c *Client) refreshInterval() time.Duration {
	interval := c.lifetime - refreshHeadroom
	if half := c.lifetime / 2; half > interval {
		interval = half
	}
	if interval < minRefreshInterval {
		interval = minRefreshInterval
	}
	if time.Since(c.lastSentAt) > natKeepAliveWindow && interval > natKeepAliveWindow {
		interval = natKeepAliveWindow
	}

	return interval
}

func (c *Client) scheduleRefresh() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.state != StateReady {
		return
	}
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.refreshTimer = time.AfterFunc(c.refreshInterval(), func() {
		c.mutex.Lock()
		lifetime := c.lifetime
		c.mutex.Unlock()
		c.sendRefresh(lifetime, false)
	})
}

func (c *Client) authSetters() []stun.Setter {
	if c.realm == "" {
		return nil
	}

	return []stun.Setter{
		stun.NewUsername(c.config.Username),
		stun.NewRealm(c.realm),
		stun.NewNonce(c.nonce),
		c.integrity,
	}
}

func (c *Client) sendRefresh(lifetime time.Duration, retried bool) {
	c.mutex.Lock()
	active := c.active
	c.mutex.Unlock()
	if active == nil {
		return
	}

	setters := []stun.Setter{
		stun.TransactionID,
		stun.NewType(stun.MethodRefresh, stun.ClassRequest),
		proto.Lifetime{Duration: lifetime},
	}
	setters = append(setters, c.authSetters()...)
	setters = append(setters, stun.Fingerprint)

	msg, err := stun.Build(setters...)
	if err != nil {
		return
	}
	_, err = c.reqMgr.Start(msg, active.addr, stunreq.ProfileSTUN, c.writeFor(active),
		func(res stunreq.Result) { c.handleRefreshResult(res, lifetime, retried) })
	if err != nil {
		c.log.Warnf("Refresh start failed: %v", err)
	}
}

func (c *Client) handleRefreshResult(res stunreq.Result, lifetime time.Duration, retried bool) {
	switch res.Outcome {
	case stunreq.OutcomeCancelled:
		return
	case stunreq.OutcomeTimeout:
		c.shutdown(ErrRefreshTimeout)

		return
	case stunreq.OutcomeResponse:
	}

	msg := res.Msg
	if msg.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(msg); err == nil && code.Code == stun.CodeStaleNonce && !retried {
			var nonce stun.Nonce
			if nonce.GetFrom(msg) == nil {
				c.mutex.Lock()
				c.nonce = nonce.String()
				c.mutex.Unlock()
				c.sendRefresh(lifetime, true)

				return
			}
		}
		c.shutdown(ErrRefreshTimeout)

		return
	}

	var granted proto.Lifetime
	if err := granted.GetFrom(msg); err == nil {
		c.mutex.Lock()
		c.lifetime = granted.Duration
		c.mutex.Unlock()
	}
	c.scheduleRefresh()
}

// EnsureAliveFor refreshes the allocation now when its granted lifetime is
// shorter than d. The time elapsed since the last refresh is not tracked, so
// an allocation granted at least d is not refreshed here however close it is
// to expiry. Used by the owner's wakeup path.
func (c *Client) EnsureAliveFor(d time.Duration) {
	c.mutex.Lock()
	state := c.state
	lifetime := c.lifetime
	c.mutex.Unlock()
	if state != StateReady {
		return
	}
	if lifetime < d {
		c.sendRefresh(lifetime, false)
	}
}

// --- Permissions -----------------------------------------------------------

// requestPermissions batches one CreatePermission for every tracked peer,
// honoring the capacity the server last reported.
func (c *Client) requestPermissions() {
	c.mutex.Lock()
	if c.state != StateReady || c.permInFlight {
		c.mutex.Unlock()

		return
	}
	active := c.active
	limit := c.permBatchLimit
	c.mutex.Unlock()
	if active == nil {
		return
	}

	ips := c.permMap.addrs(limit)
	if len(ips) == 0 {
		return
	}

	setters := []stun.Setter{
		stun.TransactionID,
		stun.NewType(stun.MethodCreatePermission, stun.ClassRequest),
	}
	for _, ip := range ips {
		setters = append(setters, proto.PeerAddress{IP: ip})
	}
	setters = append(setters, c.authSetters()...)
	setters = append(setters, stun.Fingerprint)

	msg, err := stun.Build(setters...)
	if err != nil {
		return
	}

	c.mutex.Lock()
	c.permInFlight = true
	c.mutex.Unlock()
	_, err = c.reqMgr.Start(msg, active.addr, stunreq.ProfileSTUN, c.writeFor(active),
		func(res stunreq.Result) { c.handlePermissionResult(ips, res) })
	if err != nil {
		c.mutex.Lock()
		c.permInFlight = false
		c.mutex.Unlock()
	}
}

func (c *Client) handlePermissionResult(ips []net.IP, res stunreq.Result) {
	c.mutex.Lock()
	c.permInFlight = false
	c.mutex.Unlock()

	if res.Outcome != stunreq.OutcomeResponse {
		return
	}
	msg := res.Msg

	if msg.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(msg); err != nil {
			return
		}
		switch code.Code {
		case stun.CodeInsufficientCapacity:
			// Learn the server's capacity and retry with a smaller batch.
			limit := len(ips) / 2
			if limit < 1 {
				limit = 1
			}
			c.mutex.Lock()
			c.permBatchLimit = limit
			c.mutex.Unlock()
			c.requestPermissions()
		case stun.CodeStaleNonce:
			var nonce stun.Nonce
			if nonce.GetFrom(msg) == nil {
				c.mutex.Lock()
				c.nonce = nonce.String()
				c.mutex.Unlock()
				c.requestPermissions()
			}
		default:
			c.log.Warnf("CreatePermission failed: %s", code)
		}

		return
	}

	flush := c.permMap.markInstalled(ips)
	for _, p := range flush {
		if err := c.writeToActive(p); err != nil {
			c.log.Debugf("Flushing queued packet failed: %v", err)
		}
	}
}

// --- Channels --------------------------------------------------------------

func (c *Client) startChannelBind(ch *channel, retried bool) {
	c.mutex.Lock()
	if c.state != StateReady || c.active == nil {
		c.mutex.Unlock()

		return
	}
	active := c.active
	if ch.bindInFly {
		c.mutex.Unlock()

		return
	}
	ch.bindInFly = true
	c.mutex.Unlock()

	setters := []stun.Setter{
		stun.TransactionID,
		stun.NewType(stun.MethodChannelBind, stun.ClassRequest),
		proto.AddrToPeerAddress(ch.peer),
		ch.number,
	}
	setters = append(setters, c.authSetters()...)
	setters = append(setters, stun.Fingerprint)

	msg, err := stun.Build(setters...)
	if err != nil {
		c.mutex.Lock()
		ch.bindInFly = false
		c.mutex.Unlock()

		return
	}
	_, err = c.reqMgr.Start(msg, active.addr, stunreq.ProfileSTUN, c.writeFor(active),
		func(res stunreq.Result) { c.handleChannelBindResult(ch, res, retried) })
	if err != nil {
		c.mutex.Lock()
		ch.bindInFly = false
		c.mutex.Unlock()
	}
}

func (c *Client) handleChannelBindResult(ch *channel, res stunreq.Result, retried bool) {
	c.mutex.Lock()
	ch.bindInFly = false
	c.mutex.Unlock()

	if res.Outcome != stunreq.OutcomeResponse {
		if res.Outcome == stunreq.OutcomeTimeout {
			c.chanMap.delete(ch)
		}

		return
	}
	msg := res.Msg
	if msg.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(msg); err == nil && code.Code == stun.CodeStaleNonce && !retried {
			var nonce stun.Nonce
			if nonce.GetFrom(msg) == nil {
				c.mutex.Lock()
				c.nonce = nonce.String()
				c.mutex.Unlock()
				c.startChannelBind(ch, true)

				return
			}
		}
		c.chanMap.delete(ch)

		return
	}

	c.mutex.Lock()
	ch.bound = true
	ch.boundAt = time.Now()
	c.mutex.Unlock()
	c.log.Debugf("Channel %#x bound to %s", uint16(ch.number), ch.peer)
}

func (c *Client) onChannelSweep(int) {
	for _, ch := range c.chanMap.sweep(time.Now()) {
		c.mutex.Lock()
		ch.bound = false
		c.mutex.Unlock()
		c.startChannelBind(ch, false)
	}
}

// --- Send path -------------------------------------------------------------

// Send relays payload to peer. It reports false when the client is not
// ready or the packet could not be encoded or written (a full TCP send queue
// included); a restricted-destination miss drops silently and reports true.
func (c *Client) Send(peer *net.UDPAddr, payload []byte, preferChannel bool) bool { //nolint:gocognit,cyclop
	c.mutex.Lock()
	ready := c.state == StateReady
	c.mutex.Unlock()
	if !ready {
		return false
	}

	if len(c.config.RestrictedIPs) > 0 && !containsIP(c.config.RestrictedIPs, peer.IP) {
		// A filter miss succeeds silently.
		return true
	}

	if _, existed := c.permMap.findOrCreate(peer.IP); !existed {
		go c.requestPermissions()
	}

	if preferChannel && !c.config.DisableChannels {
		ch, err := c.chanMap.findOrCreate(peer)
		if err == nil {
			c.mutex.Lock()
			bound := ch.bound
			ch.lastSentAt = time.Now()
			c.mutex.Unlock()
			if bound {
				chData := &proto.ChannelData{Number: ch.number, Data: payload}
				if err := chData.Encode(); err != nil {
					return false
				}

				return c.writeToActive(chData.Raw) == nil
			}
			c.startChannelBind(ch, false)
		} else {
			c.log.Warnf("Channel allocation for %s failed: %v", peer, err)
		}
	}

	// Until (and unless) a channel is bound, data rides a Send indication.
	msg, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodSend, stun.ClassIndication),
		proto.Data(payload),
		proto.AddrToPeerAddress(peer),
		stun.Fingerprint,
	)
	if err != nil {
		return false
	}

	if c.permMap.queue(peer.IP, msg.Raw) {
		// Queued behind the pending CreatePermission.
		return true
	}

	if err := c.writeToActive(msg.Raw); err != nil {
		if errors.Is(err, errWriteQueueFull) {
			return false
		}

		return false
	}

	return true
}

func (c *Client) writeToActive(p []byte) error {
	c.mutex.Lock()
	active := c.active
	c.mutex.Unlock()
	if active == nil {
		return errNotReady
	}
	c.noteSent()
	if active.protocol == proto.ProtoTCP {
		return active.tcp.write(p)
	}

	return c.delegate.WriteToServer(p, active.addr)
}

func (c *Client) noteSent() {
	c.mutex.Lock()
	c.lastSentAt = time.Now()
	c.mutex.Unlock()
}

func containsIP(set []net.IP, ip net.IP) bool {
	for _, member := range set {
		if member.Equal(ip) {
			return true
		}
	}

	return false
}

// --- Inbound ---------------------------------------------------------------

// HandlePacket classifies a datagram the owner read from its UDP socket.
// It reports whether the packet belonged to this client.
func (c *Client) HandlePacket(payload []byte, from *net.UDPAddr) bool {
	if !c.isServerAddr(from) {
		return false
	}

	if len(payload) >= proto.ChannelDataHeaderSize &&
		c.chanMap.inRange(proto.ChannelNumber(binary.BigEndian.Uint16(payload[:2]))) {
		chData := &proto.ChannelData{Raw: payload}
		if err := chData.Decode(); err != nil {
			return false
		}
		c.handleInboundChannelData(chData.Number, chData.Data)

		return true
	}

	if stun.IsMessage(payload) {
		raw := make([]byte, len(payload))
		copy(raw, payload)
		msg := &stun.Message{Raw: raw}
		if err := msg.Decode(); err != nil {
			return false
		}
		c.handleInboundSTUN(msg, from)

		return true
	}

	return false
}

// HandleSTUN consumes an already-decoded STUN message from the server.
func (c *Client) HandleSTUN(msg *stun.Message, from *net.UDPAddr) bool {
	if !c.isServerAddr(from) {
		return false
	}
	c.handleInboundSTUN(msg, from)

	return true
}

func (c *Client) isServerAddr(addr *net.UDPAddr) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.active != nil {
		return c.active.addr.IP.Equal(addr.IP) && c.active.addr.Port == addr.Port
	}
	for _, entry := range c.servers {
		if entry.started && !entry.failed &&
			entry.addr.IP.Equal(addr.IP) && entry.addr.Port == addr.Port {
			return true
		}
	}

	return false
}

func (c *Client) handleInboundSTUN(msg *stun.Message, from *net.UDPAddr) {
	if c.reqMgr.Handle(msg, from) {
		return
	}

	if msg.Type.Method == stun.MethodData && msg.Type.Class == stun.ClassIndication {
		var data proto.Data
		var peer proto.PeerAddress
		if err := data.GetFrom(msg); err != nil {
			return
		}
		if err := peer.GetFrom(msg); err != nil {
			return
		}
		c.delegate.OnRelayedPacket(data, &net.UDPAddr{IP: peer.IP, Port: peer.Port})

		return
	}

	c.log.Debugf("Unhandled STUN %s from server %s", msg.Type, from)
}

func (c *Client) handleInboundChannelData(number proto.ChannelNumber, data []byte) {
	ch, ok := c.chanMap.findByNumber(number)
	if !ok {
		c.log.Debugf("Data on unknown channel %#x", uint16(number))

		return
	}
	c.delegate.OnRelayedPacket(data, ch.peer)
}

func (c *Client) notifyWriteReady() {
	c.delegate.OnWriteReady()
}

// onTransportDead reacts to a dying TCP connection: a pending trial just
// fails; the active server tears the allocation down.
func (c *Client) onTransportDead(t *tcpConn, reason error) {
	c.mutex.Lock()
	var owner *serverEntry
	for _, entry := range c.servers {
		if entry.tcp == t {
			owner = entry

			break
		}
	}
	isActive := owner != nil && owner == c.active
	state := c.state
	c.mutex.Unlock()

	if owner == nil || state == StateShutdown || state == StateShuttingDown {
		return
	}
	if isActive {
		c.shutdown(reason)

		return
	}
	c.entryFailed(owner)
}

// --- Accessors -------------------------------------------------------------

// State returns the allocation state.
func (c *Client) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.state
}

// RelayedAddr returns the allocated relay address once Ready.
func (c *Client) RelayedAddr() *net.UDPAddr {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.relayedAddr
}

// ReflectedAddr returns the server-reflexive address observed by the
// server, when one was reported.
func (c *Client) ReflectedAddr() *net.UDPAddr {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.reflectedAddr
}

// ActiveServerAddr returns the chosen server, nil before Ready.
func (c *Client) ActiveServerAddr() *net.UDPAddr {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.active == nil {
		return nil
	}

	return c.active.addr
}

// IsUDP reports whether the active server connection is UDP.
func (c *Client) IsUDP() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.active != nil && c.active.protocol == proto.ProtoUDP
}

// Lifetime returns the currently granted allocation lifetime.
func (c *Client) Lifetime() time.Duration {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.lifetime
}

// LastActivity returns the time of the last outbound packet.
func (c *Client) LastActivity() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.lastSentAt
}

// --- Shutdown --------------------------------------------------------------

// Shutdown deallocates gracefully: a Refresh with lifetime zero is sent
// and awaited (bounded) before the client reports StateShutdown.
func (c *Client) Shutdown() {
	c.shutdown(ErrUserRequestedShutdown)
}

func (c *Client) shutdown(reason error) {
	c.mutex.Lock()
	if c.state == StateShutdown || c.state == StateShuttingDown {
		c.mutex.Unlock()

		return
	}
	prev := c.state
	c.state = StateShuttingDown
	c.shutdownReason = reason
	active := c.active
	graceful := prev == StateReady && errors.Is(reason, ErrUserRequestedShutdown)
	c.mutex.Unlock()

	c.activateTimer.Stop()
	c.permTimer.Stop()
	c.chanTimer.Stop()
	c.mutex.Lock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.mutex.Unlock()

	c.delegate.OnStateChange(StateShuttingDown, reason)

	if !graceful || active == nil {
		c.reqMgr.CancelAll()
		c.finishShutdown()

		return
	}

	// Deallocate: Refresh(lifetime=0), then wait for its outcome with a
	// one-second ticker bounding the wait.
	done := make(chan struct{})
	setters := []stun.Setter{
		stun.TransactionID,
		stun.NewType(stun.MethodRefresh, stun.ClassRequest),
		proto.Lifetime{},
	}
	setters = append(setters, c.authSetters()...)
	setters = append(setters, stun.Fingerprint)
	msg, err := stun.Build(setters...)
	if err != nil {
		c.finishShutdown()

		return
	}
	_, err = c.reqMgr.Start(msg, active.addr, stunreq.ProfileSTUN, c.writeFor(active),
		func(stunreq.Result) { close(done) })
	if err != nil {
		c.finishShutdown()

		return
	}

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		deadline := time.Now().Add(shutdownDeallocTimeout)
		for {
			select {
			case <-done:
				c.reqMgr.CancelAll()
				c.finishShutdown()

				return
			case <-ticker.C:
				if time.Now().After(deadline) {
					c.reqMgr.CancelAll()
					c.finishShutdown()

					return
				}
			case <-c.closeCh:
				return
			}
		}
	}()
}

func (c *Client) finishShutdown() {
	c.mutex.Lock()
	if c.state == StateShutdown {
		c.mutex.Unlock()

		return
	}
	c.state = StateShutdown
	reason := c.shutdownReason
	servers := c.servers
	c.servers = nil
	dnsUDP, dnsTCP := c.dnsUDP, c.dnsTCP
	close(c.closeCh)
	c.mutex.Unlock()

	if dnsUDP != nil {
		dnsUDP.Cancel()
	}
	if dnsTCP != nil {
		dnsTCP.Cancel()
	}
	for _, entry := range servers {
		if entry.alloc != nil {
			entry.alloc.Cancel()
		}
		if entry.tcp != nil {
			entry.tcp.close()
		}
	}

	c.delegate.OnStateChange(StateShutdown, reason)
}
