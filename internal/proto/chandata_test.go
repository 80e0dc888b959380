// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package proto

import (
	"bytes"
	"errors"
	"testing"
)

func TestChannelDataEncode(t *testing.T) {
	d := &ChannelData{
		Data:   []byte{1, 2, 3, 4},
		Number: MinChannelNumber + 1,
	}
	if err := d.Encode(); err != nil {
		t.Fatal(err)
	}
	b := &ChannelData{}
	b.Raw = append(b.Raw, d.Raw...)
	if err := b.Decode(); err != nil {
		t.Error(err)
	}
	if !b.Equal(d) {
		t.Error("not equal")
	}
	if !IsChannelData(b.Raw) || !IsChannelData(d.Raw) {
		t.Error("unexpected IsChannelData")
	}
}

func TestChannelDataPadding(t *testing.T) {
	// 3-byte payload pads to a 4-byte boundary on the wire but decodes to
	// the original length.
	d := &ChannelData{
		Data:   []byte{0xAA, 0xBB, 0xCC},
		Number: MinChannelNumber,
	}
	if err := d.Encode(); err != nil {
		t.Fatal(err)
	}
	if len(d.Raw) != ChannelDataHeaderSize+4 {
		t.Errorf("expected padded frame of 8 bytes, got %d", len(d.Raw))
	}
	b := &ChannelData{Raw: d.Raw}
	if err := b.Decode(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b.Data, []byte{0xAA, 0xBB, 0xCC}) {
		t.Errorf("payload changed across the round trip: %v", b.Data)
	}
	if got := StreamFrameSize(d.Raw); got != 8 {
		t.Errorf("StreamFrameSize = %d, want 8", got)
	}
}

func TestChannelDataMaxLength(t *testing.T) {
	d := &ChannelData{
		Data:   make([]byte, MaxChannelDataLength),
		Number: MinChannelNumber,
	}
	if err := d.Encode(); err != nil {
		t.Fatalf("64 KiB payload should encode: %v", err)
	}

	d.Data = make([]byte, MaxChannelDataLength+1)
	if err := d.Encode(); !errors.Is(err, ErrChannelDataTooLong) {
		t.Errorf("expected ErrChannelDataTooLong, got %v", err)
	}
}

func TestChannelDataDecodeErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  []byte
	}{
		{"short", []byte{0x40}},
		{"bad number", []byte{0x00, 0x01, 0x00, 0x00}},
		{"truncated payload", []byte{0x40, 0x00, 0x00, 0x05, 0x01}},
	} {
		c := &ChannelData{Raw: tc.raw}
		if err := c.Decode(); err == nil {
			t.Errorf("%s: expected decode error", tc.name)
		}
	}
}

func TestIsChannelDataRejectsShortAndOutOfRange(t *testing.T) {
	if IsChannelData(nil) {
		t.Error("nil should not be channel data")
	}
	if IsChannelData([]byte{0x80, 0x00, 0x00, 0x00}) {
		t.Error("0x8000 is outside the channel range")
	}
}
