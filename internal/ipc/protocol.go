// Package ipc streams simulation snapshots from the server to render
// processes over a local socket. Messages are length-prefixed gob frames.
package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const (
	// DefaultSocketPath is the Unix socket path for IPC
	DefaultSocketPath = "/tmp/gravtree.sock"

	// DefaultTCPAddr is used instead of a socket file on Windows
	DefaultTCPAddr = "127.0.0.1:7420"

	// Message types
	MsgTypeSnapshot byte = 0x01
	MsgTypePing     byte = 0x02
	MsgTypePong     byte = 0x03
	MsgTypeConfig   byte = 0x04

	// Protocol version for compatibility checking
	ProtocolVersion uint16 = 2

	// Connection settings
	MaxMessageSize    = 16 * 1024 * 1024 // ~300k bodies
	WriteTimeout      = 250 * time.Millisecond
	HeartbeatInterval = time.Second
	HeartbeatTimeout  = 5 * time.Second
	ReconnectDelay    = 500 * time.Millisecond
)

// BodyData is the IPC representation of one body
type BodyData struct {
	X, Y   float64
	VX, VY float64
	Mass   float64
}

// SnapshotMessage carries one committed simulation state
type SnapshotMessage struct {
	Sequence  uint64
	Timestamp int64 // Unix nano
	Frame     uint64
	Seed      int64
	Paused    bool

	Bodies []BodyData

	// Last step summary
	StepNanos  int64
	TreeNodes  int
	TreeDepth  int
	AccelFixes int
	Frozen     int

	// Diagnostics
	MomentumX, MomentumY float64
	KineticEnergy        float64
	CenterX, CenterY     float64
	TotalMass            float64
}

// ConfigMessage describes the simulation a subscriber is attached to
type ConfigMessage struct {
	BodyCount     int
	SpatialRadius float64
	TickRate      int
	Theta         float64
}

// Header is the message header for framing
type Header struct {
	Version  uint16
	Type     byte
	Reserved byte
	Length   uint32
}

const HeaderSize = 8 // 2 + 1 + 1 + 4

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// ErrMessageTooLarge is returned for a frame body above MaxMessageSize.
var ErrMessageTooLarge = errors.New("ipc: message too large")

// EncodeMessage appends one framed message to buf. A nil data encodes a
// header-only message. On error buf is left as it was.
func EncodeMessage(buf *bytes.Buffer, msgType byte, data any) error {
	return encodeFrame(buf, msgType, data, MaxMessageSize)
}

func encodeFrame(buf *bytes.Buffer, msgType byte, data any, limit int) error {
	start := buf.Len()

	// Header placeholder, filled in once the body length is known
	buf.Write(make([]byte, HeaderSize))
	if data != nil {
		if err := gob.NewEncoder(buf).Encode(data); err != nil {
			buf.Truncate(start)
			return fmt.Errorf("gob encode: %w", err)
		}
	}

	length := buf.Len() - start - HeaderSize
	if length > limit {
		buf.Truncate(start)
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, length, limit)
	}

	header := buf.Bytes()[start : start+HeaderSize]
	binary.LittleEndian.PutUint16(header[0:2], ProtocolVersion)
	header[2] = msgType
	header[3] = 0
	binary.LittleEndian.PutUint32(header[4:8], uint32(length))
	return nil
}

// WriteMessage gob-encodes data and writes it as one framed message.
func WriteMessage(w io.Writer, msgType byte, data any) error {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := EncodeMessage(buf, msgType, data); err != nil {
		return err
	}

	// Single write so concurrent writers never interleave partial frames
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a framed message from the connection
func ReadMessage(r io.Reader) (byte, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return 0, nil, err
	}

	header := Header{
		Version: binary.LittleEndian.Uint16(headerBuf[0:2]),
		Type:    headerBuf[2],
		Length:  binary.LittleEndian.Uint32(headerBuf[4:8]),
	}

	if header.Version != ProtocolVersion {
		return 0, nil, fmt.Errorf("version mismatch: got %d, want %d", header.Version, ProtocolVersion)
	}
	if header.Length > MaxMessageSize {
		return 0, nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, header.Length, MaxMessageSize)
	}

	var body []byte
	if header.Length > 0 {
		body = make([]byte, header.Length)
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, fmt.Errorf("read body: %w", err)
		}
	}

	return header.Type, body, nil
}

// DecodeSnapshot decodes a snapshot from gob bytes
func DecodeSnapshot(data []byte) (*SnapshotMessage, error) {
	var msg SnapshotMessage
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return nil, fmt.Errorf("gob decode snapshot: %w", err)
	}
	return &msg, nil
}

// DecodeConfig decodes a config from gob bytes
func DecodeConfig(data []byte) (*ConfigMessage, error) {
	var msg ConfigMessage
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return nil, fmt.Errorf("gob decode config: %w", err)
	}
	return &msg, nil
}

// CleanupSocket removes the socket file if it exists
func CleanupSocket(path string) error {
	if _, err := os.Stat(path); err == nil {
		return os.Remove(path)
	}
	return nil
}
