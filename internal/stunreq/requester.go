// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package stunreq implements the STUN transaction machine: request
// retransmission with backoff, response matching by transaction ID and
// single-outcome delivery.
package stunreq

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v2"
)

// Profile is a retransmission schedule.
type Profile struct {
	InitialRTO       time.Duration
	MaxRTO           time.Duration
	MaxTransmissions int
}

// ProfileSTUN is the RFC 5389 schedule: 500 ms initial RTO doubling to a
// 1600 ms cap across 7 transmissions.
var ProfileSTUN = Profile{ //nolint:gochecknoglobals
	InitialRTO:       500 * time.Millisecond,
	MaxRTO:           1600 * time.Millisecond,
	MaxTransmissions: 7,
}

// ProfileICE is the shorter schedule used for connectivity checks.
var ProfileICE = Profile{ //nolint:gochecknoglobals
	InitialRTO:       500 * time.Millisecond,
	MaxRTO:           800 * time.Millisecond,
	MaxTransmissions: 5,
}

// Outcome says how a transaction ended.
type Outcome int

// Transaction outcomes. Exactly one is delivered per requester.
const (
	OutcomeResponse Outcome = iota
	OutcomeTimeout
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResponse:
		return "response"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result is the single outcome of a transaction. Msg and From are set only
// for OutcomeResponse.
type Result struct {
	Outcome Outcome
	Msg     *stun.Message
	From    net.Addr
}

// WriteFunc sends one serialized request toward the destination. The
// requester itself is transport-agnostic.
type WriteFunc func(payload []byte, dest net.Addr) error

var (
	errDuplicateTransaction = errors.New("duplicate STUN transaction ID")
	errNilMessage           = errors.New("nil STUN message")
)

// Requester is one outstanding transaction.
type Requester struct {
	mgr      *Manager
	id       [stun.TransactionIDSize]byte
	raw      []byte
	dest     net.Addr
	profile  Profile
	write    WriteFunc
	onResult func(Result)

	mu       sync.Mutex
	timer    *time.Timer
	attempt  int
	rto      time.Duration
	finished bool
}

// TransactionID returns the 96-bit transaction ID.
func (r *Requester) TransactionID() [stun.TransactionIDSize]byte {
	return r.id
}

// Cancel stops retransmission and delivers OutcomeCancelled. Cancelling a
// finished requester is a no-op.
func (r *Requester) Cancel() {
	r.finish(Result{Outcome: OutcomeCancelled})
}

// finish delivers the outcome at most once and unregisters the requester.
// Cancellation outcomes are delivered asynchronously so that Cancel is safe
// to call while holding locks the result callback also takes; no further
// packets are emitted either way once finish returns.
func (r *Requester) finish(res Result) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()

		return
	}
	r.finished = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.mu.Unlock()

	r.mgr.remove(r.id)
	if r.onResult == nil {
		return
	}
	if res.Outcome == OutcomeCancelled {
		go r.onResult(res)

		return
	}
	r.onResult(res)
}

func (r *Requester) onRetransmitTimer() {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()

		return
	}
	r.attempt++
	if r.attempt >= r.profile.MaxTransmissions {
		// Final transmission already went out; one more RTO of grace,
		// then the transaction is dead.
		if r.attempt == r.profile.MaxTransmissions {
			r.timer.Reset(r.rto)
			r.mu.Unlock()

			return
		}
		r.mu.Unlock()
		r.finish(Result{Outcome: OutcomeTimeout})

		return
	}

	r.rto *= 2
	if r.rto > r.profile.MaxRTO {
		r.rto = r.profile.MaxRTO
	}
	r.timer.Reset(r.rto)
	raw, dest, write := r.raw, r.dest, r.write
	r.mu.Unlock()

	if err := write(raw, dest); err != nil {
		r.mgr.log.Debugf("Retransmit failed: %v", err)
	}
}

// Manager owns the transaction-ID table and dispatches inbound responses.
type Manager struct {
	mu    sync.Mutex
	trans map[[stun.TransactionIDSize]byte]*Requester
	log   logging.LeveledLogger
}

// NewManager creates an empty transaction table.
func NewManager(loggerFactory logging.LoggerFactory) *Manager {
	return &Manager{
		trans: map[[stun.TransactionIDSize]byte]*Requester{},
		log:   loggerFactory.NewLogger("stunreq"),
	}
}

// Start registers a transaction for msg, sends the first transmission and
// arms the retransmit timer. onResult fires exactly once.
func (m *Manager) Start(
	msg *stun.Message,
	dest net.Addr,
	profile Profile,
	write WriteFunc,
	onResult func(Result),
) (*Requester, error) {
	if msg == nil {
		return nil, errNilMessage
	}

	r := &Requester{
		mgr:      m,
		id:       msg.TransactionID,
		raw:      append([]byte{}, msg.Raw...),
		dest:     dest,
		profile:  profile,
		write:    write,
		onResult: onResult,
		rto:      profile.InitialRTO,
	}

	m.mu.Lock()
	if _, dup := m.trans[r.id]; dup {
		m.mu.Unlock()

		return nil, errDuplicateTransaction
	}
	m.trans[r.id] = r
	m.mu.Unlock()

	if err := write(r.raw, dest); err != nil {
		// First transmission failed outright; keep the transaction alive,
		// the retransmit schedule may still get through.
		m.log.Debugf("Initial transmission failed: %v", err)
	}
	r.mu.Lock()
	r.timer = time.AfterFunc(r.rto, r.onRetransmitTimer)
	if r.finished {
		r.timer.Stop()
	}
	r.mu.Unlock()

	return r, nil
}

// Handle routes a decoded inbound STUN message to its transaction. It
// reports whether the message was consumed. Responses from an unexpected
// source address are ignored.
func (m *Manager) Handle(msg *stun.Message, from net.Addr) bool {
	if msg.Type.Class != stun.ClassSuccessResponse && msg.Type.Class != stun.ClassErrorResponse {
		return false
	}

	m.mu.Lock()
	r, ok := m.trans[msg.TransactionID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	if r.dest != nil && from != nil && !addrEqual(r.dest, from) {
		m.log.Warnf("Response from unexpected address %s (want %s)", from, r.dest)

		return false
	}

	r.finish(Result{Outcome: OutcomeResponse, Msg: msg, From: from})

	return true
}

// CancelAll cancels every outstanding transaction.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	pending := make([]*Requester, 0, len(m.trans))
	for _, r := range m.trans {
		pending = append(pending, r)
	}
	m.mu.Unlock()

	for _, r := range pending {
		r.Cancel()
	}
}

// Size returns the number of outstanding transactions.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.trans)
}

func (m *Manager) remove(id [stun.TransactionIDSize]byte) {
	m.mu.Lock()
	delete(m.trans, id)
	m.mu.Unlock()
}

func addrEqual(a, b net.Addr) bool {
	aUDP, aOK := a.(*net.UDPAddr)
	bUDP, bOK := b.(*net.UDPAddr)
	if aOK && bOK {
		return aUDP.IP.Equal(bUDP.IP) && aUDP.Port == bUDP.Port
	}

	return a.Network() == b.Network() && a.String() == b.String()
}
