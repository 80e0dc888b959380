// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnc

import (
	"net"
	"sync"
	"time"
)

// permRefreshInterval is how often installed permissions are re-requested.
// Servers expire them after roughly five minutes.
const permRefreshInterval = 4 * time.Minute

// permission tracks the install state for one peer IP. Packets sent before
// the install completes queue on pendingPackets and drain on success.
type permission struct {
	ip             net.IP
	installed      bool
	installStarted time.Time
	lastSentAt     time.Time
	pendingPackets [][]byte
}

// permissionMap is the per-allocation permission table keyed by peer IP.
type permissionMap struct {
	mutex sync.Mutex
	perms map[string]*permission
}

func newPermissionMap() *permissionMap {
	return &permissionMap{perms: map[string]*permission{}}
}

// findOrCreate returns the permission for ip, creating an uninstalled one
// when absent. The second return reports whether it existed.
func (m *permissionMap) findOrCreate(ip net.IP) (*permission, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := ip.String()
	if p, ok := m.perms[key]; ok {
		return p, true
	}
	p := &permission{ip: ip}
	m.perms[key] = p

	return p, false
}

func (m *permissionMap) find(ip net.IP) (*permission, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	p, ok := m.perms[ip.String()]

	return p, ok
}

func (m *permissionMap) delete(ip net.IP) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.perms, ip.String())
}

// addrs returns every tracked peer IP, capped at limit when limit > 0.
func (m *permissionMap) addrs(limit int) []net.IP {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make([]net.IP, 0, len(m.perms))
	for _, p := range m.perms {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, p.ip)
	}

	return out
}

// markInstalled flips every listed IP to installed and returns the queued
// packets to flush.
func (m *permissionMap) markInstalled(ips []net.IP) [][]byte {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var flush [][]byte
	for _, ip := range ips {
		p, ok := m.perms[ip.String()]
		if !ok {
			continue
		}
		p.installed = true
		flush = append(flush, p.pendingPackets...)
		p.pendingPackets = nil
	}

	return flush
}

// queue appends an encoded packet behind an uninstalled permission. It
// reports false when the permission is already installed (send directly).
func (m *permissionMap) queue(ip net.IP, encoded []byte) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	p, ok := m.perms[ip.String()]
	if !ok || p.installed {
		return false
	}
	p.pendingPackets = append(p.pendingPackets, encoded)

	return true
}

func (m *permissionMap) size() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.perms)
}
