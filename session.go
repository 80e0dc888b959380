// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ice

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/stun/v2"

	"github.com/peermesh/ice/internal/proto"
	"github.com/peermesh/ice/internal/stunreq"
	"github.com/peermesh/ice/internal/turnc"
)

// SessionState is the connectivity-search lifecycle.
type SessionState int

// Session states.
const (
	SessionPending SessionState = iota
	SessionPrepared
	SessionSearching
	SessionHalted
	SessionNominating
	SessionNominated
	SessionShutdown
)

func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionPrepared:
		return "prepared"
	case SessionSearching:
		return "searching"
	case SessionHalted:
		return "halted"
	case SessionNominating:
		return "nominating"
	case SessionNominated:
		return "nominated"
	case SessionShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

const (
	ufragLength = 4
	pwdLength   = 22
	runesAlpha  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Session is the per-peer candidate-pair state machine: connectivity
// checks, nomination, keep-alive and role-conflict handling.
type Session struct {
	sock *Socket
	log  logging.LeveledLogger

	mutex sync.Mutex
	state SessionState
	role  Role
	// tieBreaker resolves simultaneous-controlling conflicts; fixed for
	// the session's lifetime.
	tieBreaker uint64

	localUfrag  string
	localPwd    string
	remoteUfrag string
	remotePwd   string

	locals  []*Candidate
	remotes []*Candidate
	pairs   []*candidatePair

	nominated           *candidatePair
	pendingNomination   *candidatePair
	previouslyNominated bool
	endOfRemotes        bool

	foundation *Session

	keepAliveInterval       time.Duration
	expectingDataWithin     time.Duration
	keepAliveRequestTimeout time.Duration
	backgroundingTimeout    time.Duration
	livenessProbe           *stunreq.Requester

	lastSent     time.Time
	lastReceived time.Time

	activationTimer *turnc.PeriodicTimer
	keepAliveTimer  *turnc.PeriodicTimer

	closeErr error

	onStateChange func(SessionState, error)
	onPacket      func([]byte, *net.UDPAddr)
	onNominated   func(local, remote Candidate)
	onWriteReady  func()
}

func newSession(sock *Socket, config *SessionConfig, locals []*Candidate) (*Session, error) {
	sess := &Session{
		sock:                    sock,
		log:                     sock.loggerFactory.NewLogger("ices"),
		state:                   SessionPending,
		role:                    config.Role,
		localUfrag:              config.LocalUfrag,
		localPwd:                config.LocalPwd,
		remoteUfrag:             config.RemoteUfrag,
		remotePwd:               config.RemotePwd,
		locals:                  locals,
		foundation:              config.FoundationSession,
		keepAliveInterval:       config.KeepAliveInterval,
		expectingDataWithin:     config.ExpectingDataWithin,
		keepAliveRequestTimeout: config.KeepAliveRequestTimeout,
		backgroundingTimeout:    config.BackgroundingTimeout,
		lastSent:                time.Now(),
		lastReceived:            time.Now(),
	}
	if sess.keepAliveInterval == 0 {
		sess.keepAliveInterval = defaultKeepAliveInterval
	}
	if sess.keepAliveRequestTimeout == 0 {
		sess.keepAliveRequestTimeout = defaultKeepAliveRequestTimeout
	}

	var err error
	if sess.localUfrag == "" {
		if sess.localUfrag, err = randutil.GenerateCryptoRandomString(ufragLength, runesAlpha); err != nil {
			return nil, err
		}
	}
	if sess.localPwd == "" {
		if sess.localPwd, err = randutil.GenerateCryptoRandomString(pwdLength, runesAlpha); err != nil {
			return nil, err
		}
	}
	sess.tieBreaker = randutil.NewMathRandomGenerator().Uint64()

	for i := range config.RemoteCandidates {
		remote := config.RemoteCandidates[i]
		sess.remotes = append(sess.remotes, &remote)
	}

	sess.activationTimer = turnc.NewPeriodicTimer(0, func(int) { sess.onActivationTick() },
		defaultActivationTickInterval)
	sess.keepAliveTimer = turnc.NewPeriodicTimer(1, func(int) { sess.onKeepAliveTick() }, time.Second)

	sess.mutex.Lock()
	if len(sess.remotes) > 0 {
		sess.rebuildPairsLocked()
		sess.state = SessionPrepared
	}
	sess.mutex.Unlock()

	sess.activationTimer.Start()
	sess.keepAliveTimer.Start()

	return sess, nil
}

// --- Accessors and events --------------------------------------------------

// LocalUfrag returns the session's username fragment.
func (s *Session) LocalUfrag() string { return s.localUfrag }

// LocalPwd returns the session's password.
func (s *Session) LocalPwd() string { return s.localPwd }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.state
}

// NominatedPair returns the nominated local and remote candidates, or nil
// before nomination.
func (s *Session) NominatedPair() (local, remote *Candidate) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.nominated == nil {
		return nil, nil
	}

	return s.nominated.local, s.nominated.remote
}

// OnStateChange subscribes to lifecycle transitions. The terminal
// transition to SessionShutdown is delivered exactly once.
func (s *Session) OnStateChange(handler func(SessionState, error)) {
	s.mutex.Lock()
	s.onStateChange = handler
	s.mutex.Unlock()
}

// OnPacket subscribes to inbound user datagrams.
func (s *Session) OnPacket(handler func([]byte, *net.UDPAddr)) {
	s.mutex.Lock()
	s.onPacket = handler
	s.mutex.Unlock()
}

// OnNominatedPairChange subscribes to nomination changes.
func (s *Session) OnNominatedPairChange(handler func(local, remote Candidate)) {
	s.mutex.Lock()
	s.onNominated = handler
	s.mutex.Unlock()
}

// OnWriteReady subscribes to send-path decongestion notifications.
func (s *Session) OnWriteReady(handler func()) {
	s.mutex.Lock()
	s.onWriteReady = handler
	s.mutex.Unlock()
}

func (s *Session) notifyWriteReady() {
	s.mutex.Lock()
	cb := s.onWriteReady
	s.mutex.Unlock()
	if cb != nil {
		cb()
	}
}

// transition sets the state and fires the change callback. Must be called
// without the mutex held.
func (s *Session) transition(state SessionState, err error) {
	s.mutex.Lock()
	if s.state == state || s.state == SessionShutdown {
		s.mutex.Unlock()

		return
	}
	s.state = state
	cb := s.onStateChange
	s.mutex.Unlock()

	s.log.Debugf("Session %s: %s", s.localUfrag, state)
	if cb != nil {
		cb(state, err)
	}
}

// --- Remote candidate management -------------------------------------------

// AddRemoteCandidates extends the remote set and reforms the pair list.
func (s *Session) AddRemoteCandidates(remotes []Candidate) {
	s.mutex.Lock()
	if s.state == SessionShutdown {
		s.mutex.Unlock()

		return
	}
	for i := range remotes {
		remote := remotes[i]
		if !s.hasRemoteLocked(remote.Addr()) {
			s.remotes = append(s.remotes, &remote)
		}
	}
	s.rebuildPairsLocked()
	prepared := s.state == SessionPending && len(s.pairs) > 0
	s.mutex.Unlock()

	if prepared {
		s.transition(SessionPrepared, nil)
	}
}

// EndOfRemoteCandidates signals that no further remote candidates will
// arrive; once every pair has failed the search is over.
func (s *Session) EndOfRemoteCandidates() {
	s.mutex.Lock()
	s.endOfRemotes = true
	s.mutex.Unlock()
	s.checkSearchFailure()
}

func (s *Session) hasRemoteLocked(addr *net.UDPAddr) bool {
	for _, remote := range s.remotes {
		if remote.addrEqual(addr) {
			return true
		}
	}

	return false
}

// addLocalCandidate folds a newly gathered local candidate into the pair
// list. Called by the owning socket.
func (s *Session) addLocalCandidate(c *Candidate) {
	s.mutex.Lock()
	if s.state == SessionShutdown {
		s.mutex.Unlock()

		return
	}
	s.locals = append(s.locals, c)
	s.rebuildPairsLocked()
	s.mutex.Unlock()
}

// rebuildPairsLocked reforms the pruned pair list, carrying over check
// state and registering demux routes.
func (s *Session) rebuildPairsLocked() {
	fresh := buildPairList(s.locals, s.remotes, s.role)

	old := map[string]*candidatePair{}
	for _, pair := range s.pairs {
		old[pair.local.key()+"|"+pair.remote.Addr().String()] = pair
	}
	for i, pair := range fresh {
		if prev, ok := old[pair.local.key()+"|"+pair.remote.Addr().String()]; ok {
			fresh[i] = prev
		}
	}
	s.pairs = fresh

	for _, pair := range s.pairs {
		s.sock.addRoute(s, pair.local, pair.remote.Addr())
	}
}

// --- Activation ------------------------------------------------------------

// onActivationTick probes at most one new pair per tick, highest priority
// first, honoring the frozen-pair coupling.
func (s *Session) onActivationTick() {
	s.mutex.Lock()
	switch s.state {
	case SessionPrepared, SessionSearching, SessionHalted:
	case SessionPending, SessionNominating, SessionNominated, SessionShutdown:
		s.mutex.Unlock()

		return
	}

	var next *candidatePair
	for _, pair := range s.pairs {
		if pair.failed || pair.inFlight != nil || pair.receivedResponse {
			continue
		}
		switch s.foundationStateLocked(pair) {
		case foundationBlocked:
			continue
		case foundationFailed:
			pair.failed = true

			continue
		case foundationClear:
		}
		next = pair

		break
	}
	searching := next != nil
	if next != nil {
		s.sendCheckLocked(next, false)
	}
	s.mutex.Unlock()

	if searching {
		s.transition(SessionSearching, nil)
	} else {
		s.checkSearchFailure()
	}
}

type foundationState int

const (
	foundationClear foundationState = iota
	foundationBlocked
	foundationFailed
)

// foundationStateLocked applies the frozen-check ordering: a pair may only
// activate once the foundation session's pair with the same
// (local foundation, remote IP) has succeeded — or does not exist.
func (s *Session) foundationStateLocked(pair *candidatePair) foundationState {
	if s.foundation == nil || s.foundation == s {
		return foundationClear
	}

	s.foundation.mutex.Lock()
	defer s.foundation.mutex.Unlock()
	for _, fp := range s.foundation.pairs {
		if fp.local.Foundation == pair.local.Foundation && fp.remote.IP.Equal(pair.remote.IP) {
			switch {
			case fp.failed:
				return foundationFailed
			case fp.succeeded():
				return foundationClear
			default:
				return foundationBlocked
			}
		}
	}

	return foundationClear
}

// checkSearchFailure ends (or pauses) the search once every pair failed.
func (s *Session) checkSearchFailure() {
	s.mutex.Lock()
	if s.state == SessionShutdown || len(s.pairs) == 0 {
		s.mutex.Unlock()

		return
	}
	allFailed := true
	for _, pair := range s.pairs {
		if !pair.failed {
			allFailed = false

			break
		}
	}
	endOfRemotes := s.endOfRemotes
	nominated := s.nominated
	s.mutex.Unlock()

	if !allFailed || nominated != nil {
		return
	}
	if endOfRemotes {
		s.close(ErrCandidateSearchFailed)

		return
	}
	s.transition(SessionHalted, nil)
}

// --- Connectivity checks ---------------------------------------------------

// checkSettersLocked builds the request attributes for one check. With no remote
// password the probe is a plain Binding request.
func (s *Session) checkSettersLocked(pair *candidatePair, nominate bool) []stun.Setter {
	setters := []stun.Setter{stun.TransactionID, stun.BindingRequest}
	if s.remotePwd == "" {
		return append(setters, stun.Fingerprint)
	}

	setters = append(setters,
		stun.NewUsername(s.remoteUfrag+":"+s.localUfrag),
		proto.Priority(computePriority(CandidatePeerReflexive.TypePreference(),
			pair.local.LocalPreference, pair.local.ComponentID)),
	)
	if s.role == Controlling {
		setters = append(setters, proto.Controlling(s.tieBreaker))
		if nominate {
			setters = append(setters, proto.UseCandidate{})
		}
	} else {
		setters = append(setters, proto.Controlled(s.tieBreaker))
	}

	return append(setters,
		stun.NewShortTermIntegrity(s.remotePwd),
		stun.Fingerprint,
	)
}

// sendCheckLocked starts one transaction on the pair. Transactions on a
// single pair are strictly serialised through pair.inFlight.
func (s *Session) sendCheckLocked(pair *candidatePair, nominate bool) {
	msg, err := stun.Build(s.checkSettersLocked(pair, nominate)...)
	if err != nil {
		return
	}

	local, remote := pair.local, pair.remote.Addr()
	write := func(p []byte, _ net.Addr) error {
		return s.sock.sendFrom(local, remote, p, false)
	}

	req, err := s.sock.reqMgr.Start(msg, remote, stunreq.ProfileICE, write,
		func(res stunreq.Result) { s.handleCheckResult(pair, nominate, res) })
	if err != nil {
		return
	}
	pair.inFlight = req
	pair.nominating = nominate
	s.lastSent = time.Now()
}

func (s *Session) handleCheckResult(pair *candidatePair, wasNominate bool, res stunreq.Result) { //nolint:gocognit,cyclop
	s.mutex.Lock()
	pair.inFlight = nil
	if s.state == SessionShutdown {
		s.mutex.Unlock()

		return
	}

	switch res.Outcome {
	case stunreq.OutcomeCancelled:
		s.mutex.Unlock()

		return

	case stunreq.OutcomeTimeout:
		if wasNominate {
			// Nomination failed; this pair and lower-priority ones go
			// back into the search.
			pair.nominating = false
			pair.receivedResponse = false
			s.pendingNomination = nil
			s.mutex.Unlock()
			s.transition(SessionSearching, nil)
			s.checkSearchFailure()

			return
		}
		pair.failed = true
		s.mutex.Unlock()
		s.checkSearchFailure()

		return

	case stunreq.OutcomeResponse:
	}

	msg := res.Msg

	// A response failing the integrity check is not authoritative; drop
	// it and let the pair be probed again.
	if s.remotePwd != "" {
		if err := stun.NewShortTermIntegrity(s.remotePwd).Check(msg); err != nil {
			s.log.Warnf("Discarding check response with bad integrity on %s", pair)
			s.mutex.Unlock()

			return
		}
	}

	if msg.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(msg); err == nil && code.Code == stun.CodeRoleConflict {
			newRole := Controlled
			if s.role == Controlled {
				newRole = Controlling
			}
			s.switchRoleLocked(newRole)
			s.mutex.Unlock()
			s.transition(SessionSearching, nil)

			return
		}
		pair.failed = true
		if wasNominate {
			pair.nominating = false
			s.pendingNomination = nil
		}
		s.mutex.Unlock()
		s.checkSearchFailure()

		return
	}

	pair.receivedResponse = true
	s.lastReceived = time.Now()

	if wasNominate {
		s.finalizeNominationLocked(pair)
		local, remote := *pair.local, *pair.remote
		cb := s.onNominated
		s.mutex.Unlock()
		s.transition(SessionNominated, nil)
		if cb != nil {
			cb(local, remote)
		}

		return
	}

	startNomination := s.role == Controlling && pair.succeeded() &&
		s.nominated == nil && s.pendingNomination == nil
	if startNomination {
		s.pendingNomination = pair
		s.sendCheckLocked(pair, true)
		s.mutex.Unlock()
		s.transition(SessionNominating, nil)

		return
	}
	s.mutex.Unlock()
}

func (s *Session) finalizeNominationLocked(pair *candidatePair) {
	s.nominated = pair
	s.pendingNomination = nil
	s.previouslyNominated = true
	pair.nominating = false
	for _, other := range s.pairs {
		if other != pair && other.inFlight != nil {
			other.inFlight.Cancel()
			other.inFlight = nil
		}
	}
	s.sock.addRoute(s, pair.local, pair.remote.Addr())
}

// switchRoleLocked flips the role and clears every pair's progress.
func (s *Session) switchRoleLocked(role Role) {
	s.log.Debugf("Session %s switching role to %s", s.localUfrag, role)
	s.role = role
	for _, pair := range s.pairs {
		pair.reset()
	}
	s.nominated = nil
	s.pendingNomination = nil
	sortPairs(s.pairs, s.role)
}

// --- Inbound STUN ----------------------------------------------------------

// handleSTUN dispatches a decoded STUN message that the socket routed to
// this session.
func (s *Session) handleSTUN(via *Candidate, msg *stun.Message, from *net.UDPAddr) {
	switch {
	case msg.Type.Method == stun.MethodBinding && msg.Type.Class == stun.ClassRequest:
		s.handleBindingRequest(via, msg, from)
	case msg.Type.Method == stun.MethodBinding && msg.Type.Class == stun.ClassIndication:
		s.mutex.Lock()
		s.lastReceived = time.Now()
		s.mutex.Unlock()
	default:
	}
}

func (s *Session) handleBindingRequest(via *Candidate, msg *stun.Message, from *net.UDPAddr) { //nolint:gocognit,cyclop,maintidx
	s.mutex.Lock()
	if s.state == SessionShutdown {
		s.mutex.Unlock()

		return
	}

	var username stun.Username
	switch {
	case username.GetFrom(msg) == nil:
		parts := strings.SplitN(username.String(), ":", 2)
		if parts[0] != s.localUfrag {
			// Wrong prefix: drop without reply.
			s.mutex.Unlock()

			return
		}
		if err := stun.NewShortTermIntegrity(s.localPwd).Check(msg); err != nil {
			s.mutex.Unlock()
			s.respondError(via, from, msg, stun.CodeUnauthorized)

			return
		}
	case s.remotePwd != "":
		// Credentialed session; an anonymous Binding request is dropped.
		s.mutex.Unlock()

		return
	}

	// Role conflict detection. Ties resolve in favor of the controlling
	// claim; the loser adopts the other role and clears all progress.
	var theirControlling proto.Controlling
	var theirControlled proto.Controlled
	hasControlling := theirControlling.GetFrom(msg) == nil
	hasControlled := theirControlled.GetFrom(msg) == nil

	if s.role == Controlling && hasControlling {
		if s.tieBreaker >= uint64(theirControlling) {
			s.mutex.Unlock()
			s.respondError(via, from, msg, stun.CodeRoleConflict)

			return
		}
		s.switchRoleLocked(Controlled)
	} else if s.role == Controlled && hasControlled {
		if s.tieBreaker < uint64(theirControlled) {
			s.mutex.Unlock()
			s.respondError(via, from, msg, stun.CodeRoleConflict)

			return
		}
		s.switchRoleLocked(Controlling)
	}

	pair := s.findPairLocked(via, from)
	if pair == nil {
		pair = s.addPeerReflexiveLocked(via, msg, from)
	}
	pair.receivedRequest = true
	s.lastReceived = time.Now()

	nominatedNow := false
	if (proto.UseCandidate{}).IsSet(msg) && s.role == Controlled && s.nominated != pair {
		s.finalizeNominationLocked(pair)
		nominatedNow = true
	}

	// Controlling side: the pair may have completed in both directions
	// with this very request; nominate without waiting for the next tick.
	startNom := s.role == Controlling && pair.succeeded() && !pair.failed &&
		s.nominated == nil && s.pendingNomination == nil && pair.inFlight == nil
	if startNom {
		s.pendingNomination = pair
		s.sendCheckLocked(pair, true)
	}

	triggered := !pair.receivedResponse && pair.inFlight == nil && !pair.failed
	var nomLocal, nomRemote Candidate
	var nomCB func(local, remote Candidate)
	if nominatedNow {
		nomLocal, nomRemote = *pair.local, *pair.remote
		nomCB = s.onNominated
	}
	s.mutex.Unlock()

	s.respondSuccess(via, from, msg)

	if startNom {
		s.transition(SessionNominating, nil)
	}
	if nominatedNow {
		s.transition(SessionNominated, nil)
		if nomCB != nil {
			nomCB(nomLocal, nomRemote)
		}
	}

	if triggered {
		s.mutex.Lock()
		if s.state != SessionShutdown && pair.inFlight == nil && !pair.receivedResponse {
			s.sendCheckLocked(pair, false)
		}
		s.mutex.Unlock()
	}
}

// findPairLocked matches a pair by (via local candidate, remote address).
func (s *Session) findPairLocked(via *Candidate, from *net.UDPAddr) *candidatePair {
	for _, pair := range s.pairs {
		if pair.local.key() == via.key() && pair.remote.addrEqual(from) {
			return pair
		}
	}

	return nil
}

// addPeerReflexiveLocked learns a remote candidate from a Binding request
// arriving off an unknown tuple and pairs it on the fly.
func (s *Session) addPeerReflexiveLocked(via *Candidate, msg *stun.Message, from *net.UDPAddr) *candidatePair {
	var prio proto.Priority
	priority := computePriority(CandidatePeerReflexive.TypePreference(), 0, defaultComponentID)
	if err := prio.GetFrom(msg); err == nil {
		priority = uint32(prio)
	}

	remote := &Candidate{
		Type:        CandidatePeerReflexive,
		IP:          from.IP,
		Port:        from.Port,
		Priority:    priority,
		Foundation:  computeFoundation(CandidatePeerReflexive, from.IP),
		ComponentID: defaultComponentID,
	}
	s.remotes = append(s.remotes, remote)
	s.log.Debugf("Learned peer-reflexive candidate %s", remote)

	pair := &candidatePair{local: via, remote: remote}
	s.pairs = append(s.pairs, pair)
	sortPairs(s.pairs, s.role)
	s.sock.addRoute(s, via, from)

	return pair
}

func (s *Session) respondSuccess(via *Candidate, from *net.UDPAddr, req *stun.Message) {
	setters := []stun.Setter{
		&stun.Message{TransactionID: req.TransactionID},
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: from.IP, Port: from.Port},
	}
	if s.localPwd != "" {
		setters = append(setters, stun.NewShortTermIntegrity(s.localPwd))
	}
	setters = append(setters, stun.Fingerprint)

	resp, err := stun.Build(setters...)
	if err != nil {
		return
	}
	if err := s.sock.sendFrom(via, from, resp.Raw, false); err != nil {
		s.log.Debugf("Binding response send failed: %v", err)
	}
	s.mutex.Lock()
	s.lastSent = time.Now()
	s.mutex.Unlock()
}

func (s *Session) respondError(via *Candidate, from *net.UDPAddr, req *stun.Message, code stun.ErrorCode) {
	setters := []stun.Setter{
		&stun.Message{TransactionID: req.TransactionID},
		stun.NewType(stun.MethodBinding, stun.ClassErrorResponse),
		stun.ErrorCodeAttribute{Code: code},
	}
	if code != stun.CodeUnauthorized && s.localPwd != "" {
		setters = append(setters, stun.NewShortTermIntegrity(s.localPwd))
	}
	setters = append(setters, stun.Fingerprint)

	resp, err := stun.Build(setters...)
	if err != nil {
		return
	}
	_ = s.sock.sendFrom(via, from, resp.Raw, false)
}

// --- User data -------------------------------------------------------------

// Write sends payload to the peer over the nominated pair.
func (s *Session) Write(payload []byte) (int, error) {
	s.mutex.Lock()
	if s.state == SessionShutdown {
		s.mutex.Unlock()

		return 0, ErrSessionClosed
	}
	pair := s.nominated
	s.mutex.Unlock()
	if pair == nil {
		return 0, ErrNoNominatedPair
	}

	if err := s.sock.sendFrom(pair.local, pair.remote.Addr(), payload, true); err != nil {
		return 0, err
	}
	s.mutex.Lock()
	s.lastSent = time.Now()
	s.mutex.Unlock()

	return len(payload), nil
}

func (s *Session) handleUserPacket(payload []byte, from *net.UDPAddr) {
	s.mutex.Lock()
	s.lastReceived = time.Now()
	cb := s.onPacket
	s.mutex.Unlock()
	if cb != nil {
		cb(payload, from)
	}
}

// --- Keep-alive and liveness -----------------------------------------------

func (s *Session) onKeepAliveTick() { //nolint:gocognit,cyclop
	s.mutex.Lock()
	if s.state == SessionShutdown {
		s.mutex.Unlock()

		return
	}
	now := time.Now()

	if s.backgroundingTimeout > 0 {
		lastActivity := s.lastSent
		if s.lastReceived.After(lastActivity) {
			lastActivity = s.lastReceived
		}
		if now.Sub(lastActivity) > s.backgroundingTimeout {
			s.mutex.Unlock()
			s.close(ErrBackgroundingTimeout)

			return
		}
	}

	pair := s.nominated
	if pair == nil {
		s.mutex.Unlock()

		return
	}

	if now.Sub(s.lastSent) > s.keepAliveInterval {
		s.sendKeepAliveLocked(pair)
	}

	if s.expectingDataWithin > 0 && s.livenessProbe == nil &&
		now.Sub(s.lastReceived) > s.expectingDataWithin {
		s.sendLivenessProbeLocked(pair)
	}
	s.mutex.Unlock()
}

// sendKeepAliveLocked emits a Binding indication on the nominated pair.
func (s *Session) sendKeepAliveLocked(pair *candidatePair) {
	setters := []stun.Setter{
		stun.TransactionID,
		stun.NewType(stun.MethodBinding, stun.ClassIndication),
		stun.Fingerprint,
	}
	msg, err := stun.Build(setters...)
	if err != nil {
		return
	}
	if err := s.sock.sendFrom(pair.local, pair.remote.Addr(), msg.Raw, false); err == nil {
		s.lastSent = time.Now()
	}
}

// sendLivenessProbeLocked issues an authenticated Binding request; a
// timeout evicts the nomination and resumes the search.
func (s *Session) sendLivenessProbeLocked(pair *candidatePair) {
	msg, err := stun.Build(s.checkSettersLocked(pair, false)...)
	if err != nil {
		return
	}
	local, remote := pair.local, pair.remote.Addr()
	write := func(p []byte, _ net.Addr) error {
		return s.sock.sendFrom(local, remote, p, false)
	}
	req, err := s.sock.reqMgr.Start(msg, remote, stunreq.ProfileICE, write, func(res stunreq.Result) {
		s.mutex.Lock()
		s.livenessProbe = nil
		if s.state == SessionShutdown {
			s.mutex.Unlock()

			return
		}
		switch res.Outcome {
		case stunreq.OutcomeResponse:
			s.lastReceived = time.Now()
			s.mutex.Unlock()
		case stunreq.OutcomeTimeout:
			// The nominated path went dark: evict and search again.
			evicted := s.nominated
			s.nominated = nil
			if evicted != nil {
				evicted.reset()
			}
			s.mutex.Unlock()
			s.transition(SessionSearching, ErrTimeout)
		case stunreq.OutcomeCancelled:
			s.mutex.Unlock()
		}
	})
	if err != nil {
		return
	}
	s.livenessProbe = req
	s.lastSent = time.Now()
}

// --- Termination -----------------------------------------------------------

// Close shuts the session down. Closing twice is a no-op.
func (s *Session) Close() {
	s.close(nil)
}

func (s *Session) close(reason error) {
	s.mutex.Lock()
	if s.state == SessionShutdown {
		s.mutex.Unlock()

		return
	}
	s.state = SessionShutdown
	s.closeErr = reason
	var cancel []*stunreq.Requester
	for _, pair := range s.pairs {
		if pair.inFlight != nil {
			cancel = append(cancel, pair.inFlight)
			pair.inFlight = nil
		}
	}
	if s.livenessProbe != nil {
		cancel = append(cancel, s.livenessProbe)
		s.livenessProbe = nil
	}
	cb := s.onStateChange
	s.mutex.Unlock()

	s.activationTimer.Stop()
	s.keepAliveTimer.Stop()
	for _, req := range cancel {
		req.Cancel()
	}
	s.sock.dropSession(s)

	if cb != nil {
		cb(SessionShutdown, reason)
	}
}
