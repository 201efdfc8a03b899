// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestVarIntRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Uint64().Draw(t, "v")

		w := NewWriter(9)
		w.WriteVarInt(v)

		got, err := NewReader(w.Bytes()).ReadVarInt()
		require.NoError(t, err)
		require.Equal(t, v, got)
	})
}

func TestVarIntRejectsNonCanonical(t *testing.T) {
	// 0xfd followed by a 16-bit value that fits in one byte is
	// non-canonical: it must have been encoded directly.
	buf := []byte{0xfd, 0x05, 0x00}
	_, err := NewReader(buf).ReadVarInt()
	require.ErrorIs(t, err, ErrNonCanonical)
}

func TestVarBytesRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "b")

		w := NewWriter(len(b) + 9)
		w.WriteVarBytes(b)

		got, err := NewReader(w.Bytes()).ReadVarBytes()
		require.NoError(t, err)
		require.Equal(t, b, got)
	})
}

func TestReadTruncated(t *testing.T) {
	_, err := NewReader([]byte{0x01, 0x02}).ReadUint32LE()
	require.ErrorIs(t, err, ErrTruncated)
}

func TestReadOverflow(t *testing.T) {
	w := NewWriter(9)
	w.WriteVarInt(MaxListLength + 1)
	_, err := NewReader(w.Bytes()).ReadVarBytes()
	require.ErrorIs(t, err, ErrOverflow)
}

func TestHashRoundTrip(t *testing.T) {
	var h [32]byte
	for i := range h {
		h[i] = byte(i)
	}
	w := NewWriter(32)
	w.WriteHash(h)

	got, err := NewReader(w.Bytes()).ReadHash()
	require.NoError(t, err)
	require.Equal(t, h, [32]byte(got))
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello share chain")
	frame, err := EncodeFrame(0xdeadbeef, CmdPing, payload)
	require.NoError(t, err)

	hdr, err := DecodeFrameHeader(frame[:FrameHeaderSize])
	require.NoError(t, err)
	require.Equal(t, CmdPing, hdr.Command)
	require.EqualValues(t, len(payload), hdr.Length)
	require.True(t, hdr.VerifyPayload(frame[FrameHeaderSize:]))
}

func TestFrameRejectsBadChecksum(t *testing.T) {
	frame, err := EncodeFrame(1, CmdPing, []byte("payload"))
	require.NoError(t, err)
	hdr, err := DecodeFrameHeader(frame[:FrameHeaderSize])
	require.NoError(t, err)

	tampered := append([]byte{}, frame[FrameHeaderSize:]...)
	tampered[0] ^= 0xff
	require.False(t, hdr.VerifyPayload(tampered))
}
