// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnc

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/pion/stun/v2"

	"github.com/peermesh/ice/internal/proto"
)

// tcpReadBufferSize bounds the unparsed bytes kept between reads: a 4-byte
// CHANNEL-DATA header plus a 65535-byte payload. Complete frames are consumed
// before the bound is checked, so a maximal frame with its padding byte
// (65540 bytes) still parses.
const tcpReadBufferSize = 65539

const tcpWriteQueueLen = 64

// streamClass is the look-ahead classification of the head of the stream.
type streamClass int

const (
	streamNotSTUN streamClass = iota
	streamNeedMore
	streamSTUNIncomplete
	streamSTUN
)

const (
	stunHeaderSize  = 20
	stunMagicCookie = 0x2112A442
)

// classifyStream inspects the head of buf. For streamSTUN the second
// return is the full message size to consume.
func classifyStream(buf []byte) (streamClass, int) {
	if len(buf) == 0 {
		return streamNeedMore, 0
	}
	if buf[0]&0xC0 != 0 {
		return streamNotSTUN, 0
	}
	if len(buf) < 8 {
		return streamNeedMore, 0
	}
	if binary.BigEndian.Uint32(buf[4:8]) != stunMagicCookie {
		return streamNotSTUN, 0
	}
	size := stunHeaderSize + int(binary.BigEndian.Uint16(buf[2:4]))
	if len(buf) < size {
		return streamSTUNIncomplete, 0
	}

	return streamSTUN, size
}

// tcpConn is one framed server connection: a read loop that slices the
// stream into STUN messages and CHANNEL-DATA frames, and a buffered write
// path that reports write-ready after draining an overflow.
type tcpConn struct {
	conn   net.Conn
	server *net.UDPAddr
	client *Client

	writeCh   chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	mutex   sync.Mutex
	overrun bool
}

func newTCPConn(conn net.Conn, server *net.UDPAddr, client *Client) *tcpConn {
	t := &tcpConn{
		conn:    conn,
		server:  server,
		client:  client,
		writeCh: make(chan []byte, tcpWriteQueueLen),
		closeCh: make(chan struct{}),
	}
	go t.readLoop()
	go t.writeLoop()

	return t
}

// write enqueues one frame. A full queue returns errWriteQueueFull; the
// client hears writeReady once the backlog drains.
func (t *tcpConn) write(p []byte) error {
	select {
	case <-t.closeCh:
		return ErrUnexpectedSocketFailure
	default:
	}

	select {
	case t.writeCh <- p:
		return nil
	default:
		t.mutex.Lock()
		t.overrun = true
		t.mutex.Unlock()

		return errWriteQueueFull
	}
}

func (t *tcpConn) close() {
	t.closeOnce.Do(func() {
		close(t.closeCh)
		_ = t.conn.Close()
	})
}

func (t *tcpConn) writeLoop() {
	for {
		select {
		case <-t.closeCh:
			return
		case p := <-t.writeCh:
			if _, err := t.conn.Write(p); err != nil {
				t.client.onTransportDead(t, ErrUnexpectedSocketFailure)

				return
			}
			if len(t.writeCh) == 0 {
				t.mutex.Lock()
				wasOverrun := t.overrun
				t.overrun = false
				t.mutex.Unlock()
				if wasOverrun {
					t.client.notifyWriteReady()
				}
			}
		}
	}
}

func (t *tcpConn) readLoop() { //nolint:gocognit,cyclop
	buf := make([]byte, 0, tcpReadBufferSize)
	chunk := make([]byte, 8192)

	for {
		n, err := t.conn.Read(chunk)
		if err != nil {
			t.client.onTransportDead(t, ErrUnexpectedSocketFailure)

			return
		}
		buf = append(buf, chunk[:n]...)

		for {
			class, size := classifyStream(buf)
			switch class {
			case streamNeedMore, streamSTUNIncomplete:
			case streamSTUN:
				// The codec keeps pointers into the raw bytes; give the
				// message its own copy before the buffer is reused.
				raw := make([]byte, size)
				copy(raw, buf[:size])
				buf = buf[:copy(buf, buf[size:])]

				msg := &stun.Message{Raw: raw}
				if decodeErr := msg.Decode(); decodeErr == nil {
					t.client.handleInboundSTUN(msg, t.server)
				} else {
					t.client.log.Warnf("Discarding undecodable STUN message: %v", decodeErr)
				}

				continue
			case streamNotSTUN:
				if len(buf) < proto.ChannelDataHeaderSize {
					break
				}
				num := proto.ChannelNumber(binary.BigEndian.Uint16(buf[:2]))
				length := int(binary.BigEndian.Uint16(buf[2:4]))
				if !t.client.chanMap.inRange(num) || length > proto.MaxChannelDataLength {
					t.client.onTransportDead(t, ErrBogusDataOnSocketReceived)

					return
				}
				frame := proto.StreamFrameSize(buf)
				if len(buf) < frame {
					break
				}
				data := make([]byte, length)
				copy(data, buf[proto.ChannelDataHeaderSize:proto.ChannelDataHeaderSize+length])
				buf = buf[:copy(buf, buf[frame:])]

				t.client.handleInboundChannelData(num, data)

				continue
			}

			break
		}

		if len(buf) > tcpReadBufferSize {
			t.client.onTransportDead(t, ErrBogusDataOnSocketReceived)

			return
		}
	}
}
