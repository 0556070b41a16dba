// Package codec implements the length-prefixed binary framing layer used
// between a pool manager process and its worker children. Each logical
// message is a single self-describing object: a fixed header followed by a
// msgpack-encoded envelope and, optionally, a raw binary payload that rides
// alongside the envelope without a base64 hop.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Magic identifies wpsuper wire-protocol frames.
var Magic = [2]byte{0x57, 0x50} // "WP"

// Version is the current protocol version.
const Version uint8 = 0x01

// HeaderSize is the fixed size of a frame header in bytes.
const HeaderSize = 14

// Cmd discriminates the purpose of a frame's envelope. The same small set of
// commands is used in both directions; not every command is valid both ways
// (see the parent/child command tables in the wire protocol docs).
type Cmd uint8

const (
	CmdStartup         Cmd = 0x01 // parent -> child: initial config handoff
	CmdStartupComplete Cmd = 0x02 // child -> parent: worker ready
	CmdRequest         Cmd = 0x03 // parent -> child: dispatched HTTP-shaped request
	CmdResponse        Cmd = 0x04 // child -> parent: completed response
	CmdCustom          Cmd = 0x05 // parent -> child: programmatic submission
	CmdMaint           Cmd = 0x06 // parent -> child: perform maintenance
	CmdMaintComplete   Cmd = 0x07 // child -> parent: maintenance done
	CmdMessage         Cmd = 0x08 // either direction: opaque broadcast payload
	CmdInternal        Cmd = 0x09 // either direction: debug-inspector handshake
	CmdShutdown        Cmd = 0x0A // parent -> child: drain and exit
	CmdSSE             Cmd = 0x0B // child -> parent: out-of-band SSE chunk
)

// Flags modify frame behavior.
const (
	FlagCompressed uint8 = 1 << 0 // Payload is compressed
	FlagFinal      uint8 = 1 << 1 // final chunk of a streamed body
)

// Frame is a single wire-protocol message: an envelope (msgpack-encoded
// struct specific to Cmd) plus an optional raw binary payload that is never
// touched by the msgpack codec, so large blobs (request bodies, response
// buffers) travel without a serialization hop.
type Frame struct {
	Cmd      Cmd
	Flags    uint8
	StreamID uint16
	Envelope []byte // msgpack encoded
	Payload  []byte // raw bytes, carried natively
}

// writeBufPool pools scratch buffers for WriteFrame to avoid per-call
// allocation on the hot path of small control frames (maint, shutdown).
var writeBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 0, 256)
		return &b
	},
}

// WriteFrame encodes and writes f to w as a single coalesced Write, so a
// frame is never split across partial writes from the caller's perspective.
func WriteFrame(w io.Writer, f *Frame) error {
	totalSize := HeaderSize + len(f.Envelope) + len(f.Payload)

	bp := writeBufPool.Get().(*[]byte)
	buf := (*bp)[:0]
	if cap(buf) < totalSize {
		buf = make([]byte, 0, totalSize)
	}
	buf = buf[:HeaderSize]

	buf[0] = Magic[0]
	buf[1] = Magic[1]
	buf[2] = Version
	buf[3] = byte(f.Cmd)
	buf[4] = f.Flags
	binary.BigEndian.PutUint16(buf[5:7], f.StreamID)

	envSize := len(f.Envelope)
	buf[7] = byte(envSize >> 16)
	buf[8] = byte(envSize >> 8)
	buf[9] = byte(envSize)

	binary.BigEndian.PutUint32(buf[10:14], uint32(len(f.Payload)))

	buf = append(buf, f.Envelope...)
	buf = append(buf, f.Payload...)

	_, err := w.Write(buf)

	*bp = buf
	writeBufPool.Put(bp)

	if err != nil {
		return fmt.Errorf("codec: writing frame: %w", err)
	}
	return nil
}

// readHdrPool pools the fixed-size header buffer for ReadFrame.
var readHdrPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, HeaderSize)
		return &b
	},
}

// ReadFrame reads and decodes a single frame from r. A malformed header
// (bad magic or version) is reported as an error without consuming the rest
// of the stream's framing — callers that keep reading after a DecodeError
// should treat the transport as desynchronized and close it, since there is
// no resynchronization marker once a header is misread.
func ReadFrame(r io.Reader) (*Frame, error) {
	bp := readHdrPool.Get().(*[]byte)
	header := *bp

	if _, err := io.ReadFull(r, header); err != nil {
		readHdrPool.Put(bp)
		return nil, fmt.Errorf("codec: reading frame header: %w", err)
	}

	if header[0] != Magic[0] || header[1] != Magic[1] {
		readHdrPool.Put(bp)
		return nil, fmt.Errorf("codec: invalid magic bytes: 0x%02x%02x", header[0], header[1])
	}
	if header[2] != Version {
		readHdrPool.Put(bp)
		return nil, fmt.Errorf("codec: unsupported protocol version: %d", header[2])
	}

	f := &Frame{
		Cmd:      Cmd(header[3]),
		Flags:    header[4],
		StreamID: binary.BigEndian.Uint16(header[5:7]),
	}

	envSize := int(header[7])<<16 | int(header[8])<<8 | int(header[9])
	payloadSize := int(binary.BigEndian.Uint32(header[10:14]))

	readHdrPool.Put(bp)

	totalData := envSize + payloadSize
	if totalData > 0 {
		data := make([]byte, totalData)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("codec: reading frame data (%d bytes): %w", totalData, err)
		}
		if envSize > 0 {
			f.Envelope = data[:envSize]
		}
		if payloadSize > 0 {
			f.Payload = data[envSize:]
		}
	}

	return f, nil
}

// NewShutdownFrame creates a parent -> child shutdown frame.
func NewShutdownFrame() *Frame {
	return &Frame{Cmd: CmdShutdown}
}

// NewStartupCompleteFrame creates a child -> parent startup acknowledgment.
func NewStartupCompleteFrame() *Frame {
	return &Frame{Cmd: CmdStartupComplete}
}

// NewMaintCompleteFrame creates a child -> parent maintenance acknowledgment.
func NewMaintCompleteFrame() *Frame {
	return &Frame{Cmd: CmdMaintComplete}
}
