// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ice

import (
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v2"
	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"

	"github.com/peermesh/ice/internal/dnsquery"
	"github.com/peermesh/ice/internal/stunreq"
	"github.com/peermesh/ice/internal/turnc"
)

// SocketState is the socket lifecycle.
type SocketState int

// Socket states.
const (
	SocketPending SocketState = iota
	SocketReady
	SocketShutdown
)

func (s SocketState) String() string {
	switch s {
	case SocketPending:
		return "pending"
	case SocketReady:
		return "ready"
	case SocketShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

const (
	defaultSTUNPort   = 3478
	readBufferSize    = 65536
	topLocalPref      = 65535
	localPrefInterval = 8192
)

// localSocket is one bound UDP socket plus its host candidate.
type localSocket struct {
	conn      transport.UDPConn
	addr      *net.UDPAddr
	localPref uint16
	host      *Candidate
}

// turnEntry tracks one TURN client and the candidates it produced.
type turnEntry struct {
	client      *turnc.Client
	local       *localSocket
	server      TURNServer
	relayedCand *Candidate
	srflxCand   *Candidate
}

type routeKey struct {
	via    string
	remote string
}

// Socket owns the local UDP sockets, gathers candidates, demultiplexes
// inbound datagrams into sessions and fronts the TURN clients.
type Socket struct {
	config        SocketConfig
	net           transport.Net
	resolver      *dnsquery.Monitor
	ownsResolver  bool
	reqMgr        *stunreq.Manager
	log           logging.LeveledLogger
	loggerFactory logging.LoggerFactory

	mutex       sync.Mutex
	state       SocketState
	locals      []*localSocket
	candidates  []*Candidate
	crc         uint32
	turns       []*turnEntry
	sessions    []*Session
	routes      map[routeKey]*Session
	discoveries []*dnsquery.Query

	onStateChange       func(SocketState, error)
	onCandidatesChanged func([]Candidate, uint32)
	onPacket            func([]byte, *net.UDPAddr)
	onSTUN              func(*stun.Message, *net.UDPAddr)
}

// NewSocket binds a UDP socket per usable interface address, emits host
// candidates and starts the server-reflexive and relayed discoveries.
func NewSocket(config *SocketConfig) (*Socket, error) {
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

	s := &Socket{
		config:        *config,
		net:           netIf,
		reqMgr:        stunreq.NewManager(loggerFactory),
		log:           loggerFactory.NewLogger("ice"),
		loggerFactory: loggerFactory,
		state:         SocketPending,
		routes:        map[routeKey]*Session{},
	}

	if config.Resolver != nil {
		s.resolver = config.Resolver
	} else {
		resolver, err := dnsquery.NewMonitor(&dnsquery.MonitorConfig{LoggerFactory: loggerFactory})
		if err != nil {
			return nil, err
		}
		s.resolver = resolver
		s.ownsResolver = true
	}

	if err := s.bindLocalSockets(); err != nil {
		if s.ownsResolver {
			s.resolver.Close()
		}

		return nil, err
	}

	s.mutex.Lock()
	s.state = SocketReady
	s.refreshCRCLocked()
	s.mutex.Unlock()
	s.notifyState(SocketReady, nil)

	for _, ls := range s.locals {
		go s.readLoop(ls)
	}
	s.startDiscoveries()

	return s, nil
}

// bindLocalSockets walks the interfaces and binds one socket per usable
// address, preferring non-loopback; local preference decreases across
// interfaces.
func (s *Socket) bindLocalSockets() error {
	ifaces, err := s.net.Interfaces()
	if err != nil {
		return err
	}

	var ips []net.IP
	var loopback []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch a := addr.(type) {
			case *net.IPNet:
				ip = a.IP
			case *net.IPAddr:
				ip = a.IP
			}
			if ip == nil || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
				continue
			}
			if ip.IsLoopback() {
				loopback = append(loopback, ip)

				continue
			}
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		ips = loopback
	}

	pref := uint16(topLocalPref)
	for _, ip := range ips {
		conn, err := s.net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: s.config.Port})
		if err != nil {
			s.log.Warnf("Failed to bind %s: %v", ip, err)

			continue
		}
		laddr, ok := conn.LocalAddr().(*net.UDPAddr)
		if !ok {
			_ = conn.Close()

			continue
		}
		ls := &localSocket{conn: conn, addr: laddr, localPref: pref}
		ls.host = NewCandidate(CandidateHost, laddr.IP, laddr.Port, nil, 0, pref)
		s.locals = append(s.locals, ls)
		s.candidates = append(s.candidates, ls.host)
		if pref > localPrefInterval {
			pref -= localPrefInterval
		}
	}

	if len(s.locals) == 0 {
		return ErrSocketClosed
	}

	return nil
}

// startDiscoveries launches the server-reflexive and relayed gathering.
func (s *Socket) startDiscoveries() {
	for _, server := range s.config.STUNServers {
		server := server
		port := server.Port
		if port == 0 {
			port = defaultSTUNPort
		}
		q := s.resolver.LookupAOrAAAA(server.Host, func(q *dnsquery.Query) {
			var ips []net.IP
			if a := q.A(); a != nil {
				ips = append(ips, a.IPs...)
			}
			if aaaa := q.AAAA(); aaaa != nil {
				ips = append(ips, aaaa.IPs...)
			}
			if len(ips) == 0 {
				s.log.Warnf("STUN server %s did not resolve: %v", server.Host, q.Err())

				return
			}
			s.startBindingDiscovery(&net.UDPAddr{IP: ips[0], Port: port})
		})
		s.mutex.Lock()
		s.discoveries = append(s.discoveries, q)
		s.mutex.Unlock()
	}

	for _, server := range s.config.TURNServers {
		s.startTURNClient(server, nil)
	}
}

// startBindingDiscovery probes one STUN server from every local socket.
func (s *Socket) startBindingDiscovery(server *net.UDPAddr) {
	s.mutex.Lock()
	locals := append([]*localSocket{}, s.locals...)
	closed := s.state == SocketShutdown
	s.mutex.Unlock()
	if closed {
		return
	}

	for _, ls := range locals {
		ls := ls
		msg, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
		if err != nil {
			continue
		}
		write := func(p []byte, dest net.Addr) error {
			_, werr := ls.conn.WriteTo(p, dest)

			return werr
		}
		_, err = s.reqMgr.Start(msg, server, stunreq.ProfileSTUN, write, func(res stunreq.Result) {
			if res.Outcome != stunreq.OutcomeResponse {
				return
			}
			var mapped stun.XORMappedAddress
			if getErr := mapped.GetFrom(res.Msg); getErr != nil {
				return
			}
			cand := NewCandidate(CandidateServerReflexive,
				mapped.IP, mapped.Port, ls.addr.IP, ls.addr.Port, ls.localPref)
			s.addCandidate(cand)
		})
		if err != nil {
			s.log.Warnf("Binding discovery against %s failed to start: %v", server, err)
		}
	}
}

// startTURNClient opens a relay allocation through the given local socket
// (the first one when nil).
func (s *Socket) startTURNClient(server TURNServer, ls *localSocket) {
	s.mutex.Lock()
	if s.state == SocketShutdown || len(s.locals) == 0 {
		s.mutex.Unlock()

		return
	}
	if ls == nil {
		ls = s.locals[0]
	}
	entry := &turnEntry{local: ls, server: server}
	s.turns = append(s.turns, entry)
	s.mutex.Unlock()

	client, err := turnc.New(&turnc.Config{
		Server:         turnc.ServerSpec{Host: server.Host, Port: server.Port},
		Username:       server.Username,
		Password:       server.Password,
		Software:       s.config.Software,
		ForceTransport: s.config.ForceTURNTransport,
		ChannelRange:   s.config.ChannelRange,
		RestrictedIPs:  s.config.RestrictRelayDestinations,
		Resolver:       s.resolver,
		Net:            s.net,
		LoggerFactory:  s.loggerFactory,
	}, &turnDelegate{s: s, entry: entry})
	if err != nil {
		s.log.Warnf("TURN client for %s failed: %v", server.Host, err)

		return
	}
	entry.client = client
	client.Start()
}

// turnDelegate adapts one TURN client to the socket.
type turnDelegate struct {
	s     *Socket
	entry *turnEntry
}

func (d *turnDelegate) WriteToServer(payload []byte, server *net.UDPAddr) error {
	_, err := d.entry.local.conn.WriteTo(payload, server)

	return err
}

func (d *turnDelegate) OnRelayedPacket(payload []byte, from *net.UDPAddr) {
	d.s.handleRelayedPacket(d.entry, payload, from)
}

func (d *turnDelegate) OnStateChange(state turnc.State, reason error) {
	d.s.onTURNStateChange(d.entry, state, reason)
}

func (d *turnDelegate) OnWriteReady() {
	d.s.mutex.Lock()
	sessions := append([]*Session{}, d.s.sessions...)
	d.s.mutex.Unlock()
	for _, sess := range sessions {
		sess.notifyWriteReady()
	}
}

func (s *Socket) onTURNStateChange(entry *turnEntry, state turnc.State, reason error) {
	switch state {
	case turnc.StateReady:
		relayed := entry.client.RelayedAddr()
		if relayed == nil {
			return
		}
		entry.relayedCand = NewCandidate(CandidateRelayed,
			relayed.IP, relayed.Port, entry.local.addr.IP, entry.local.addr.Port, entry.local.localPref)
		s.addCandidate(entry.relayedCand)
		if reflected := entry.client.ReflectedAddr(); reflected != nil {
			entry.srflxCand = NewCandidate(CandidateServerReflexive,
				reflected.IP, reflected.Port, entry.local.addr.IP, entry.local.addr.Port, entry.local.localPref)
			s.addCandidate(entry.srflxCand)
		}
	case turnc.StateShutdown:
		if reason != nil && !errors.Is(reason, turnc.ErrUserRequestedShutdown) {
			s.log.Warnf("TURN client for %s shut down: %v", entry.server.Host, reason)
		}
		var drop []*Candidate
		if entry.relayedCand != nil {
			drop = append(drop, entry.relayedCand)
			entry.relayedCand = nil
		}
		if entry.srflxCand != nil {
			drop = append(drop, entry.srflxCand)
			entry.srflxCand = nil
		}
		s.removeCandidates(drop)
	case turnc.StatePending, turnc.StateShuttingDown:
	}
}

// --- Candidate set ---------------------------------------------------------

func (s *Socket) addCandidate(c *Candidate) {
	s.mutex.Lock()
	if s.state == SocketShutdown {
		s.mutex.Unlock()

		return
	}
	for _, existing := range s.candidates {
		if existing.key() == c.key() {
			s.mutex.Unlock()

			return
		}
	}
	s.candidates = append(s.candidates, c)
	changed := s.refreshCRCLocked()
	sessions := append([]*Session{}, s.sessions...)
	s.mutex.Unlock()

	if changed {
		for _, sess := range sessions {
			sess.addLocalCandidate(c)
		}
		s.notifyCandidates()
	}
}

func (s *Socket) removeCandidates(drop []*Candidate) {
	if len(drop) == 0 {
		return
	}
	s.mutex.Lock()
	var kept []*Candidate
	for _, c := range s.candidates {
		removed := false
		for _, d := range drop {
			if c == d {
				removed = true

				break
			}
		}
		if !removed {
			kept = append(kept, c)
		}
	}
	s.candidates = kept
	changed := s.refreshCRCLocked()
	s.mutex.Unlock()

	if changed {
		s.notifyCandidates()
	}
}

// refreshCRCLocked recomputes the candidates-version CRC; reports change.
func (s *Socket) refreshCRCLocked() bool {
	crc := candidatesCRC(s.candidates)
	if crc == s.crc {
		return false
	}
	s.crc = crc

	return true
}

// LocalCandidates returns a snapshot of the gathered candidate set.
func (s *Socket) LocalCandidates() []Candidate {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		out = append(out, *c)
	}

	return out
}

// CandidatesCRC returns the current candidates-version checksum.
func (s *Socket) CandidatesCRC() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.crc
}

func (s *Socket) notifyCandidates() {
	s.mutex.Lock()
	cb := s.onCandidatesChanged
	crc := s.crc
	s.mutex.Unlock()
	if cb != nil {
		cb(s.LocalCandidates(), crc)
	}
}

// OnCandidatesChanged subscribes to candidate-set changes; the CRC lets
// subscribers detect stale sets cheaply.
func (s *Socket) OnCandidatesChanged(handler func([]Candidate, uint32)) {
	s.mutex.Lock()
	s.onCandidatesChanged = handler
	s.mutex.Unlock()
}

// OnStateChange subscribes to socket lifecycle changes.
func (s *Socket) OnStateChange(handler func(SocketState, error)) {
	s.mutex.Lock()
	s.onStateChange = handler
	s.mutex.Unlock()
}

// OnPacket subscribes to datagrams that matched no session.
func (s *Socket) OnPacket(handler func([]byte, *net.UDPAddr)) {
	s.mutex.Lock()
	s.onPacket = handler
	s.mutex.Unlock()
}

// OnSTUN subscribes to non-ICE STUN traffic (methods this stack does not
// consume are forwarded).
func (s *Socket) OnSTUN(handler func(*stun.Message, *net.UDPAddr)) {
	s.mutex.Lock()
	s.onSTUN = handler
	s.mutex.Unlock()
}

func (s *Socket) notifyState(state SocketState, err error) {
	s.mutex.Lock()
	cb := s.onStateChange
	s.mutex.Unlock()
	if cb != nil {
		cb(state, err)
	}
}

// --- Inbound ---------------------------------------------------------------

func (s *Socket) readLoop(ls *localSocket) {
	buf := make([]byte, readBufferSize)
	for {
		n, addr, err := ls.conn.ReadFrom(buf)
		if err != nil {
			s.mutex.Lock()
			closed := s.state == SocketShutdown
			s.mutex.Unlock()
			if !closed {
				s.log.Warnf("Read on %s failed: %v", ls.addr, err)
			}

			return
		}
		from, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		s.handleInbound(ls, packet, from)
	}
}

// handleInbound classifies one datagram: STUN, TURN traffic, session user
// data, or opaque.
func (s *Socket) handleInbound(ls *localSocket, packet []byte, from *net.UDPAddr) {
	if stun.IsMessage(packet) {
		msg := &stun.Message{Raw: packet}
		if err := msg.Decode(); err != nil {
			s.log.Debugf("Undecodable STUN from %s: %v", from, err)

			return
		}
		if s.reqMgr.Handle(msg, from) {
			return
		}
		for _, entry := range s.turnsOn(ls) {
			if entry.client.HandleSTUN(msg, from) {
				return
			}
		}
		s.routeSTUN(ls.host, msg, from)

		return
	}

	for _, entry := range s.turnsOn(ls) {
		if entry.client.HandlePacket(packet, from) {
			return
		}
	}

	if sess := s.lookupRoute(ls.host, from); sess != nil {
		sess.handleUserPacket(packet, from)

		return
	}

	s.mutex.Lock()
	cb := s.onPacket
	s.mutex.Unlock()
	if cb != nil {
		cb(packet, from)
	}
}

// handleRelayedPacket re-injects a payload unwrapped by a TURN client as
// if it had arrived directly, with the relayed candidate as the via.
func (s *Socket) handleRelayedPacket(entry *turnEntry, packet []byte, from *net.UDPAddr) {
	via := entry.relayedCand
	if via == nil {
		return
	}

	if stun.IsMessage(packet) {
		raw := make([]byte, len(packet))
		copy(raw, packet)
		msg := &stun.Message{Raw: raw}
		if err := msg.Decode(); err != nil {
			return
		}
		if s.reqMgr.Handle(msg, from) {
			return
		}
		s.routeSTUN(via, msg, from)

		return
	}

	if sess := s.lookupRoute(via, from); sess != nil {
		sess.handleUserPacket(packet, from)

		return
	}

	s.mutex.Lock()
	cb := s.onPacket
	s.mutex.Unlock()
	if cb != nil {
		cb(packet, from)
	}
}

func (s *Socket) turnsOn(ls *localSocket) []*turnEntry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var out []*turnEntry
	for _, entry := range s.turns {
		if entry.local == ls && entry.client != nil {
			out = append(out, entry)
		}
	}

	return out
}

// routeSTUN hands a decoded STUN message to the owning session, matching
// by route first and by local ufrag for first-contact Binding requests.
func (s *Socket) routeSTUN(via *Candidate, msg *stun.Message, from *net.UDPAddr) {
	if sess := s.lookupRoute(via, from); sess != nil {
		sess.handleSTUN(via, msg, from)

		return
	}

	if msg.Type.Method == stun.MethodBinding {
		var username stun.Username
		if err := username.GetFrom(msg); err == nil {
			parts := strings.SplitN(username.String(), ":", 2)
			if sess := s.sessionByLocalUfrag(parts[0]); sess != nil {
				sess.handleSTUN(via, msg, from)

				return
			}

			// A username that matches no session is dropped without reply.
			return
		}
	}

	s.mutex.Lock()
	cb := s.onSTUN
	s.mutex.Unlock()
	if cb != nil {
		cb(msg, from)
	}
}

func (s *Socket) sessionByLocalUfrag(ufrag string) *Session {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, sess := range s.sessions {
		if sess.localUfrag == ufrag {
			return sess
		}
	}

	return nil
}

// --- Routes ----------------------------------------------------------------

func (s *Socket) addRoute(sess *Session, via *Candidate, remote *net.UDPAddr) {
	s.mutex.Lock()
	s.routes[routeKey{via: via.key(), remote: remote.String()}] = sess
	s.mutex.Unlock()
}

func (s *Socket) lookupRoute(via *Candidate, remote *net.UDPAddr) *Session {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.routes[routeKey{via: via.key(), remote: remote.String()}]
}

func (s *Socket) removeRoutesFor(sess *Session) {
	s.mutex.Lock()
	for key, owner := range s.routes {
		if owner == sess {
			delete(s.routes, key)
		}
	}
	s.mutex.Unlock()
}

// --- Sends -----------------------------------------------------------------

// sendFrom transmits payload from the given local candidate toward remote.
// Relayed candidates route through their TURN client.
func (s *Socket) sendFrom(via *Candidate, remote *net.UDPAddr, payload []byte, preferChannel bool) error {
	if remote.IP.IsUnspecified() || remote.Port == 0 {
		return ErrInvalidAddress
	}

	if via.Type == CandidateRelayed {
		s.mutex.Lock()
		var client *turnc.Client
		for _, entry := range s.turns {
			if entry.relayedCand == via {
				client = entry.client

				break
			}
		}
		s.mutex.Unlock()
		if client == nil {
			return ErrSocketClosed
		}
		if !client.Send(remote, payload, preferChannel) {
			return ErrWriteNotReady
		}

		return nil
	}

	s.mutex.Lock()
	var ls *localSocket
	for _, candidate := range s.locals {
		if candidate.addr.IP.Equal(via.baseIP()) {
			ls = candidate

			break
		}
	}
	s.mutex.Unlock()
	if ls == nil {
		return ErrSocketClosed
	}
	_, err := ls.conn.WriteTo(payload, remote)

	return err
}

// --- Sessions --------------------------------------------------------------

// CreateSession starts connectivity checks toward one remote peer.
func (s *Socket) CreateSession(config *SessionConfig) (*Session, error) {
	s.mutex.Lock()
	if s.state == SocketShutdown {
		s.mutex.Unlock()

		return nil, ErrSocketClosed
	}
	locals := append([]*Candidate{}, s.candidates...)
	s.mutex.Unlock()

	sess, err := newSession(s, config, locals)
	if err != nil {
		return nil, err
	}

	s.mutex.Lock()
	s.sessions = append(s.sessions, sess)
	s.mutex.Unlock()

	return sess, nil
}

func (s *Socket) dropSession(sess *Session) {
	s.removeRoutesFor(sess)
	s.mutex.Lock()
	for i, candidate := range s.sessions {
		if candidate == sess {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)

			break
		}
	}
	s.mutex.Unlock()
}

// --- Lifecycle -------------------------------------------------------------

// Wakeup re-allocates relay clients that died while backgrounded and
// refreshes, right away, each allocation whose granted lifetime is shorter
// than minValidity (see turnc.Client.EnsureAliveFor). The time left before an
// allocation expires is not checked, so candidates are not guaranteed to stay
// valid for minValidity.
func (s *Socket) Wakeup(minValidity time.Duration) {
	s.mutex.Lock()
	if s.state != SocketReady {
		s.mutex.Unlock()

		return
	}
	entries := append([]*turnEntry{}, s.turns...)
	s.mutex.Unlock()

	for _, entry := range entries {
		if entry.client == nil {
			continue
		}
		if entry.client.State() == turnc.StateShutdown {
			server, local := entry.server, entry.local
			s.mutex.Lock()
			for i, e := range s.turns {
				if e == entry {
					s.turns = append(s.turns[:i], s.turns[i+1:]...)

					break
				}
			}
			s.mutex.Unlock()
			s.startTURNClient(server, local)

			continue
		}
		entry.client.EnsureAliveFor(minValidity)
	}
}

// Shutdown closes every session, deallocates relays and releases the
// sockets. Idempotent.
func (s *Socket) Shutdown() {
	s.mutex.Lock()
	if s.state == SocketShutdown {
		s.mutex.Unlock()

		return
	}
	s.state = SocketShutdown
	sessions := append([]*Session{}, s.sessions...)
	turns := append([]*turnEntry{}, s.turns...)
	locals := append([]*localSocket{}, s.locals...)
	discoveries := append([]*dnsquery.Query{}, s.discoveries...)
	s.mutex.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	for _, q := range discoveries {
		q.Cancel()
	}
	s.reqMgr.CancelAll()
	for _, entry := range turns {
		if entry.client != nil {
			entry.client.Shutdown()
		}
	}
	for _, ls := range locals {
		_ = ls.conn.Close()
	}
	if s.ownsResolver {
		s.resolver.Close()
	}

	s.notifyState(SocketShutdown, nil)
}
