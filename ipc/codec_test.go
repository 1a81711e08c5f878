package ipc

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m Message) Message {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))
	got, err := Decode(bufio.NewReader(&buf))
	require.NoError(t, err)
	return got
}

func TestRoundTrip_AllVariants(t *testing.T) {
	cases := []Message{
		DeviceConnection("/dev/ttyUSB0"),
		DeviceDisconnection(),
		OscPortChange(14000),
		DeviceInfo("m1000001", "monome 64"),
		DeviceReady(),
	}
	for _, want := range cases {
		got := roundTrip(t, want)
		assert.Equal(t, want, got)
	}
}

func TestRoundTrip_EmptyStrings(t *testing.T) {
	got := roundTrip(t, DeviceInfo("", ""))
	assert.Equal(t, DeviceInfo("", ""), got)
}

func TestDecode_TruncatedHeaderIsEOF(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(nil))
	_, err := Decode(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecode_TruncatedHeaderMidwayIsMalformed(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{1, 0}))
	_, err := Decode(r)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_UnknownType(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, DeviceReady()))
	raw := buf.Bytes()
	raw[0] = 0xFF // corrupt the type tag
	_, err := Decode(bufio.NewReader(bytes.NewReader(raw)))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_UnterminatedStringIsMalformed(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binaryWriteType(&buf, TypeDeviceConnection))
	buf.WriteString("/dev/ttyUSB0") // no NUL terminator
	_, err := Decode(bufio.NewReader(&buf))
	assert.ErrorIs(t, err, ErrMalformed)
}

func binaryWriteType(w io.Writer, t Type) error {
	_, err := w.Write([]byte{byte(t), 0, 0, 0})
	return err
}

func TestEncode_MessageFitsSingleWrite(t *testing.T) {
	// A pipe's atomic-write guarantee is commonly 4KiB; every encoded
	// message, including a DeviceInfo with realistic names, must sit
	// comfortably below that.
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, DeviceInfo("m1000001", "monome 128 walnut edition")))
	assert.Less(t, buf.Len(), 512)
}
