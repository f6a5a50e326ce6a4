// Package h2 drives a full HTTP/2 connection state machine with the
// caller always in the client role: a connection-wide run loop owning all
// mutable state, per-stream event channels, and send-side flow-control
// windows on the stream and the connection. HPACK encoding and decoding
// come from github.com/bradfitz/http2/hpack. PUSH_PROMISE and PRIORITY
// are unimplemented: server push is disabled via SETTINGS, and stream
// priority plays no role in how this engine schedules writes.
package h2

import (
	"encoding/binary"
	"fmt"
	"io"
)

type frameType uint8

const (
	frameData         frameType = 0x0
	frameHeaders      frameType = 0x1
	framePriority     frameType = 0x2
	frameRSTStream    frameType = 0x3
	frameSettings     frameType = 0x4
	framePushPromise  frameType = 0x5
	framePing         frameType = 0x6
	frameGoAway       frameType = 0x7
	frameWindowUpdate frameType = 0x8
	frameContinuation frameType = 0x9
)

type frameFlags uint8

const (
	flagEndStream  frameFlags = 0x1
	flagEndHeaders frameFlags = 0x4
	flagPadded     frameFlags = 0x8
	flagPriority   frameFlags = 0x20
	flagAck        frameFlags = 0x1
)

func (f frameFlags) has(v frameFlags) bool { return f&v != 0 }

// ClientPreface is the 24-octet connection preface a client must send
// before its first SETTINGS frame (RFC 7540 §3.5).
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

const frameHeaderLen = 9

type frameHeader struct {
	length   uint32 // 24 bits
	typ      frameType
	flags    frameFlags
	streamID uint32 // 31 bits
}

func readFrameHeader(r io.Reader) (frameHeader, error) {
	var buf [frameHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return frameHeader{}, err
	}
	return frameHeader{
		length:   uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]),
		typ:      frameType(buf[3]),
		flags:    frameFlags(buf[4]),
		streamID: binary.BigEndian.Uint32(buf[5:9]) & 0x7fffffff,
	}, nil
}

func writeFrameHeader(w io.Writer, length uint32, typ frameType, flags frameFlags, streamID uint32) error {
	var buf [frameHeaderLen]byte
	buf[0] = byte(length >> 16)
	buf[1] = byte(length >> 8)
	buf[2] = byte(length)
	buf[3] = byte(typ)
	buf[4] = byte(flags)
	binary.BigEndian.PutUint32(buf[5:9], streamID&0x7fffffff)
	_, err := w.Write(buf[:])
	return err
}

// settingID identifies an HTTP/2 SETTINGS parameter (RFC 7540 §6.5.2).
type settingID uint16

const (
	settingHeaderTableSize      settingID = 0x1
	settingEnablePush           settingID = 0x2
	settingMaxConcurrentStreams settingID = 0x3
	settingInitialWindowSize    settingID = 0x4
	settingMaxFrameSize         settingID = 0x5
	settingMaxHeaderListSize    settingID = 0x6
)

type setting struct {
	id  settingID
	val uint32
}

func writeSettings(w io.Writer, settings []setting) error {
	if err := writeFrameHeader(w, uint32(len(settings)*6), frameSettings, 0, 0); err != nil {
		return err
	}
	for _, s := range settings {
		var buf [6]byte
		binary.BigEndian.PutUint16(buf[0:2], uint16(s.id))
		binary.BigEndian.PutUint32(buf[2:6], s.val)
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

func writeSettingsAck(w io.Writer) error {
	return writeFrameHeader(w, 0, frameSettings, flagAck, 0)
}

func readSettingsPayload(r io.Reader, length uint32) ([]setting, error) {
	if length%6 != 0 {
		return nil, fmt.Errorf("h2: malformed settings frame length %d", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	out := make([]setting, 0, length/6)
	for i := 0; i < len(buf); i += 6 {
		out = append(out, setting{
			id:  settingID(binary.BigEndian.Uint16(buf[i : i+2])),
			val: binary.BigEndian.Uint32(buf[i+2 : i+6]),
		})
	}
	return out, nil
}

func writeHeadersFrame(w io.Writer, streamID uint32, block []byte, endStream bool) error {
	flags := flagEndHeaders
	if endStream {
		flags |= flagEndStream
	}
	if err := writeFrameHeader(w, uint32(len(block)), frameHeaders, flags, streamID); err != nil {
		return err
	}
	_, err := w.Write(block)
	return err
}

func writeDataFrame(w io.Writer, streamID uint32, data []byte, endStream bool) error {
	var flags frameFlags
	if endStream {
		flags = flagEndStream
	}
	if err := writeFrameHeader(w, uint32(len(data)), frameData, flags, streamID); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func writeWindowUpdate(w io.Writer, streamID uint32, increment uint32) error {
	if err := writeFrameHeader(w, 4, frameWindowUpdate, 0, streamID); err != nil {
		return err
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], increment&0x7fffffff)
	_, err := w.Write(buf[:])
	return err
}

func writeRSTStream(w io.Writer, streamID uint32, code errCode) error {
	if err := writeFrameHeader(w, 4, frameRSTStream, 0, streamID); err != nil {
		return err
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(code))
	_, err := w.Write(buf[:])
	return err
}

func writeGoAway(w io.Writer, lastStreamID uint32, code errCode) error {
	if err := writeFrameHeader(w, 8, frameGoAway, 0, 0); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], lastStreamID&0x7fffffff)
	binary.BigEndian.PutUint32(buf[4:8], uint32(code))
	_, err := w.Write(buf[:])
	return err
}

func writePingAck(w io.Writer, payload [8]byte) error {
	if err := writeFrameHeader(w, 8, framePing, flagAck, 0); err != nil {
		return err
	}
	_, err := w.Write(payload[:])
	return err
}

// errCode is an HTTP/2 error code (RFC 7540 §7).
type errCode uint32

const (
	errCodeNoError          errCode = 0x0
	errCodeProtocolError    errCode = 0x1
	errCodeFlowControlError errCode = 0x3
	errCodeStreamClosed     errCode = 0x5
	errCodeFrameSizeError   errCode = 0x6
	errCodeCancel           errCode = 0x8
)

// ConnectionError is a connection-wide protocol violation.
type ConnectionError errCode

func (e ConnectionError) Error() string { return fmt.Sprintf("h2: connection error %d", errCode(e)) }

// TransportError is a socket-level failure on the connection's byte
// stream, as opposed to a protocol violation: the write raced a teardown
// (peer GOAWAY, closed transport) or the socket itself failed.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return "h2: transport error: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// StreamError is a single-stream protocol violation.
type StreamError struct {
	StreamID uint32
	Code     errCode
}

func (e StreamError) Error() string {
	return fmt.Sprintf("h2: stream %d error %d", e.StreamID, e.Code)
}
