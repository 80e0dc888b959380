// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnc

import (
	"net"
	"sync"
	"time"

	"github.com/pion/randutil"

	"github.com/peermesh/ice/internal/proto"
)

const (
	// channelLifetime is how long the server keeps an unused binding.
	channelLifetime = 10 * time.Minute
	// channelRefreshInterval re-binds a live channel before it expires.
	channelRefreshInterval = 9 * time.Minute
	// channelPickAttempts bounds the random search for a free number.
	channelPickAttempts = 100
)

// channel is one peer-address binding. bound flips once the ChannelBind
// transaction succeeds; until then data rides Send indications.
type channel struct {
	peer       *net.UDPAddr
	number     proto.ChannelNumber
	bound      bool
	bindInFly  bool
	lastSentAt time.Time
	boundAt    time.Time
}

// channelMap is the per-allocation channel table, indexed both ways.
type channelMap struct {
	mutex    sync.Mutex
	byAddr   map[string]*channel
	byNumber map[proto.ChannelNumber]*channel
	rand     randutil.MathRandomGenerator
	min, max proto.ChannelNumber
}

func newChannelMap(min, max proto.ChannelNumber) *channelMap {
	return &channelMap{
		byAddr:   map[string]*channel{},
		byNumber: map[proto.ChannelNumber]*channel{},
		rand:     randutil.NewMathRandomGenerator(),
		min:      min,
		max:      max,
	}
}

// inRange reports whether n falls inside the configured channel range.
// Inbound frames outside it are bogus data, even when the number is valid
// protocol-wide.
func (m *channelMap) inRange(n proto.ChannelNumber) bool {
	return n >= m.min && n <= m.max
}

// findOrCreate returns the channel for peer, picking a free number
// uniformly at random inside the configured range for new entries.
func (m *channelMap) findOrCreate(peer *net.UDPAddr) (*channel, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := peer.String()
	if ch, ok := m.byAddr[key]; ok {
		return ch, nil
	}

	span := int(m.max-m.min) + 1
	var number proto.ChannelNumber
	found := false
	for i := 0; i < channelPickAttempts; i++ {
		n := m.min + proto.ChannelNumber(m.rand.Intn(span))
		if _, taken := m.byNumber[n]; !taken {
			number = n
			found = true

			break
		}
	}
	if !found {
		return nil, errNoFreeChannel
	}

	ch := &channel{peer: peer, number: number, lastSentAt: time.Now()}
	m.byAddr[key] = ch
	m.byNumber[number] = ch

	return ch, nil
}

func (m *channelMap) findByAddr(peer *net.UDPAddr) (*channel, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ch, ok := m.byAddr[peer.String()]

	return ch, ok
}

func (m *channelMap) findByNumber(number proto.ChannelNumber) (*channel, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ch, ok := m.byNumber[number]

	return ch, ok
}

func (m *channelMap) delete(ch *channel) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.byAddr, ch.peer.String())
	delete(m.byNumber, ch.number)
}

// sweep returns channels due for a bind refresh and removes idle ones.
func (m *channelMap) sweep(now time.Time) (refresh []*channel) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for key, ch := range m.byAddr {
		if now.Sub(ch.lastSentAt) > channelLifetime {
			delete(m.byAddr, key)
			delete(m.byNumber, ch.number)

			continue
		}
		if ch.bound && now.Sub(ch.boundAt) > channelRefreshInterval {
			refresh = append(refresh, ch)
		}
	}

	return refresh
}

func (m *channelMap) size() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.byAddr)
}
