// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"encoding/binary"
	"errors"

	"github.com/pion/stun/v2"
)

// ChannelNumber is the CHANNEL-NUMBER attribute, the 16-bit shorthand a
// client registers for a peer address.
type ChannelNumber uint16

// Channel numbers 0x4000 through 0x7FFF are valid per RFC 5766 §11.
const (
	MinChannelNumber ChannelNumber = 0x4000
	MaxChannelNumber ChannelNumber = 0x7FFF
)

const channelNumberSize = 4 // 16-bit number, 16-bit RFFU

// ErrInvalidChannelNumber means the 16-bit value is outside the RFC range.
var ErrInvalidChannelNumber = errors.New("channel number not in [0x4000, 0x7FFF]")

// Valid reports whether n is inside the RFC 5766 channel range.
func (n ChannelNumber) Valid() bool {
	return n >= MinChannelNumber && n <= MaxChannelNumber
}

// AddTo adds CHANNEL-NUMBER to message.
func (n ChannelNumber) AddTo(m *stun.Message) error {
	v := make([]byte, channelNumberSize)
	binary.BigEndian.PutUint16(v[:2], uint16(n))
	// The RFFU bytes stay zero.
	m.Add(stun.AttrChannelNumber, v)

	return nil
}

// GetFrom decodes CHANNEL-NUMBER from message.
func (n *ChannelNumber) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrChannelNumber)
	if err != nil {
		return err
	}
	if err = stun.CheckSize(stun.AttrChannelNumber, len(v), channelNumberSize); err != nil {
		return err
	}
	*n = ChannelNumber(binary.BigEndian.Uint16(v[:2]))

	return nil
}
