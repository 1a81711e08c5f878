package ipc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed is returned by Decode when the header or payload cannot be
// parsed into a known message variant. Per the wire format, a malformed
// message is fatal to the pipe that produced it: callers must not attempt to
// resynchronise and should instead close the pipe and reap the child.
var ErrMalformed = errors.New("ipc: malformed message")

// maxStringLen bounds the string length readCString accepts once it has
// found a NUL terminator. bufio.Reader.ReadString(0) still reads as far as
// necessary to find that terminator (or EOF) before this check runs, so it
// rejects an oversized string rather than bounding the read itself; this
// wire format is only ever spoken between a supervisor and the children it
// spawned, so an unterminated read from a misbehaving child is the
// remaining risk, not a hostile peer.
const maxStringLen = 4096

// Encode writes one message to w in a single call, matching the wire format
// of §6.2: a 4-byte little-endian type tag followed by the variant's payload.
// Strings are NUL-terminated; the port is a little-endian u16 padded with two
// zero bytes to keep the payload 4-byte aligned. Every call produces a
// payload well under typical pipe atomic-write thresholds.
func Encode(w io.Writer, m Message) error {
	buf := make([]byte, 4, 32)
	binary.LittleEndian.PutUint32(buf, uint32(m.Type))

	switch m.Type {
	case TypeDeviceConnection:
		buf = appendCString(buf, m.Devnode)
	case TypeDeviceDisconnection:
		// no payload
	case TypeOscPortChange:
		portBytes := make([]byte, 4)
		binary.LittleEndian.PutUint16(portBytes, m.Port)
		buf = append(buf, portBytes...)
	case TypeDeviceInfo:
		buf = appendCString(buf, m.Serial)
		buf = appendCString(buf, m.Friendly)
	case TypeDeviceReady:
		// no payload
	default:
		return fmt.Errorf("ipc: encode: unknown message type %d", m.Type)
	}

	_, err := w.Write(buf)
	return err
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// Decode reads exactly one message from r. It returns io.EOF (possibly
// wrapped) when the pipe is closed cleanly before any bytes of a new message
// arrive, and ErrMalformed when a header names an unknown type or a payload
// cannot be parsed (truncated string, pipe closed mid-message).
func Decode(r *bufio.Reader) (Message, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Message{}, fmt.Errorf("%w: truncated header", ErrMalformed)
		}
		return Message{}, err
	}
	typ := Type(binary.LittleEndian.Uint32(header))

	switch typ {
	case TypeDeviceConnection:
		devnode, err := readCString(r)
		if err != nil {
			return Message{}, err
		}
		return DeviceConnection(devnode), nil
	case TypeDeviceDisconnection:
		return DeviceDisconnection(), nil
	case TypeOscPortChange:
		payload := make([]byte, 4)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("%w: truncated port payload", ErrMalformed)
		}
		return OscPortChange(binary.LittleEndian.Uint16(payload)), nil
	case TypeDeviceInfo:
		serial, err := readCString(r)
		if err != nil {
			return Message{}, err
		}
		friendly, err := readCString(r)
		if err != nil {
			return Message{}, err
		}
		return DeviceInfo(serial, friendly), nil
	case TypeDeviceReady:
		return DeviceReady(), nil
	default:
		return Message{}, fmt.Errorf("%w: unknown type %d", ErrMalformed, typ)
	}
}

func readCString(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return "", fmt.Errorf("%w: unterminated string - %v", ErrMalformed, err)
	}
	if len(s) > maxStringLen {
		return "", fmt.Errorf("%w: string exceeds %d bytes", ErrMalformed, maxStringLen)
	}
	return s[:len(s)-1], nil
}
