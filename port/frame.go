package port

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Constants for link framing
const (
	// FrameHeaderSize is the size of a frame header in bytes
	FrameHeaderSize = 12

	// DefaultMaxFrameSize bounds the payload of a single frame
	DefaultMaxFrameSize = 64 * 1024 * 1024 // 64MB

	// controlPort addresses the link itself rather than a port
	controlPort int32 = 0

	// helloCode opens a link; the payload carries the sender's team
	helloCode uint32 = 'M'<<24 | 'K'<<16 | 'H'<<8 | 'I'

	// helloSize is a team id followed by the 16-byte team UUID
	helloSize = 4 + 16
)

// frame is one port write carried over a link:
//
//	port:i32 code:u32 length:u32 data:[length]u8
//
// All fields are little-endian, matching the message codec.
type frame struct {
	port int32
	code uint32
	data []byte
}

func encodeFrame(f frame) []byte {
	buf := make([]byte, FrameHeaderSize+len(f.data))
	binary.LittleEndian.PutUint32(buf[0:], uint32(f.port))
	binary.LittleEndian.PutUint32(buf[4:], f.code)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(f.data)))
	copy(buf[FrameHeaderSize:], f.data)
	return buf
}

func writeFrame(w io.Writer, f frame, maxSize int) error {
	if len(f.data) > maxSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(f.data), maxSize)
	}
	if _, err := w.Write(encodeFrame(f)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader, maxSize int) (frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, fmt.Errorf("failed to read frame header: %w", err)
	}

	f := frame{
		port: int32(binary.LittleEndian.Uint32(header[0:])),
		code: binary.LittleEndian.Uint32(header[4:]),
	}
	length := binary.LittleEndian.Uint32(header[8:])
	if uint64(length) > uint64(maxSize) {
		return frame{}, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, maxSize)
	}

	if length > 0 {
		f.data = make([]byte, length)
		if _, err := io.ReadFull(r, f.data); err != nil {
			return frame{}, fmt.Errorf("failed to read frame data: %w", err)
		}
	}
	return f, nil
}

func helloFrame(r *Registry) frame {
	data := make([]byte, helloSize)
	binary.LittleEndian.PutUint32(data[0:], uint32(r.Team()))
	id := r.TeamID()
	copy(data[4:], id[:])
	return frame{port: controlPort, code: helloCode, data: data}
}

func parseHello(f frame) (int32, error) {
	if f.port != controlPort || f.code != helloCode || len(f.data) != helloSize {
		return 0, fmt.Errorf("%w: unexpected first frame (port %d, %d bytes)", ErrHandshake, f.port, len(f.data))
	}
	team := int32(binary.LittleEndian.Uint32(f.data[0:]))
	if team <= 0 {
		return 0, fmt.Errorf("%w: invalid team %d", ErrHandshake, team)
	}
	return team, nil
}
