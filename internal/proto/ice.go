// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"encoding/binary"

	"github.com/pion/stun/v2"
)

// Priority is the PRIORITY attribute carried on ICE connectivity checks.
type Priority uint32

const prioritySize = 4

// AddTo adds PRIORITY to message.
func (p Priority) AddTo(m *stun.Message) error {
	v := make([]byte, prioritySize)
	binary.BigEndian.PutUint32(v, uint32(p))
	m.Add(stun.AttrPriority, v)

	return nil
}

// GetFrom decodes PRIORITY from message.
func (p *Priority) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrPriority)
	if err != nil {
		return err
	}
	if err = stun.CheckSize(stun.AttrPriority, len(v), prioritySize); err != nil {
		return err
	}
	*p = Priority(binary.BigEndian.Uint32(v))

	return nil
}

// UseCandidate is the zero-length USE-CANDIDATE attribute the controlling
// side sets to nominate a pair.
type UseCandidate struct{}

// AddTo adds USE-CANDIDATE to message.
func (UseCandidate) AddTo(m *stun.Message) error {
	m.Add(stun.AttrUseCandidate, nil)

	return nil
}

// IsSet reports whether message carries USE-CANDIDATE.
func (UseCandidate) IsSet(m *stun.Message) bool {
	_, err := m.Get(stun.AttrUseCandidate)

	return err == nil
}

const tieBreakerSize = 8

// Controlling is the ICE-CONTROLLING attribute; the value is the sender's
// tie-breaker.
type Controlling uint64

// AddTo adds ICE-CONTROLLING to message.
func (c Controlling) AddTo(m *stun.Message) error {
	v := make([]byte, tieBreakerSize)
	binary.BigEndian.PutUint64(v, uint64(c))
	m.Add(stun.AttrICEControlling, v)

	return nil
}

// GetFrom decodes ICE-CONTROLLING from message.
func (c *Controlling) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrICEControlling)
	if err != nil {
		return err
	}
	if err = stun.CheckSize(stun.AttrICEControlling, len(v), tieBreakerSize); err != nil {
		return err
	}
	*c = Controlling(binary.BigEndian.Uint64(v))

	return nil
}

// Controlled is the ICE-CONTROLLED attribute; the value is the sender's
// tie-breaker.
type Controlled uint64

// AddTo adds ICE-CONTROLLED to message.
func (c Controlled) AddTo(m *stun.Message) error {
	v := make([]byte, tieBreakerSize)
	binary.BigEndian.PutUint64(v, uint64(c))
	m.Add(stun.AttrICEControlled, v)

	return nil
}

// GetFrom decodes ICE-CONTROLLED from message.
func (c *Controlled) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrICEControlled)
	if err != nil {
		return err
	}
	if err = stun.CheckSize(stun.AttrICEControlled, len(v), tieBreakerSize); err != nil {
		return err
	}
	*c = Controlled(binary.BigEndian.Uint64(v))

	return nil
}
