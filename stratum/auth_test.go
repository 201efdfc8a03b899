// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stratum

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p2pool-go/p2pool/chaincfg"
)

func fakeToScript(address string, params *chaincfg.Params) ([]byte, error) {
	if address == "" || address == "bad" {
		return nil, errors.New("bad address")
	}
	return []byte(address), nil
}

func TestParseUsernamePlain(t *testing.T) {
	params := &chaincfg.TestNetParams
	auth, err := ParseUsername("payoutAddr", params, fakeToScript)
	require.NoError(t, err)
	require.Equal(t, []byte("payoutAddr"), auth.PayoutScript)
	require.Empty(t, auth.AuxPayoutScript)
	require.Empty(t, auth.Worker)
	require.Zero(t, auth.ShareDiff)
	require.Zero(t, auth.PseudoshareDiff)
}

func TestParseUsernameFull(t *testing.T) {
	params := &chaincfg.TestNetParams
	auth, err := ParseUsername("payoutAddr,auxAddr.worker1+2.5/4", params, fakeToScript)
	require.NoError(t, err)
	require.Equal(t, []byte("payoutAddr"), auth.PayoutScript)
	require.Equal(t, []byte("auxAddr"), auth.AuxPayoutScript)
	require.Equal(t, "worker1", auth.Worker)
	require.Equal(t, 2.5, auth.PseudoshareDiff)
	require.Equal(t, 4.0, auth.ShareDiff)
}

func TestParseUsernameRejectsBadPayout(t *testing.T) {
	params := &chaincfg.TestNetParams
	_, err := ParseUsername("bad", params, fakeToScript)
	require.Error(t, err)
}

func TestParseUsernameRejectsBadAux(t *testing.T) {
	params := &chaincfg.TestNetParams
	_, err := ParseUsername("payoutAddr,bad", params, fakeToScript)
	require.Error(t, err)
}

func TestParseSubmitParams(t *testing.T) {
	sp, err := ParseSubmitParams("worker1", "job1", "aabbccdd", "5f000000", "00000001", "")
	require.NoError(t, err)
	require.Equal(t, "worker1", sp.Worker)
	require.Equal(t, "job1", sp.JobID)
	require.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd}, sp.Extranonce2)
	require.False(t, sp.HasVersion)

	sp2, err := ParseSubmitParams("worker1", "job1", "aabbccdd", "5f000000", "00000001", "1fffe000")
	require.NoError(t, err)
	require.True(t, sp2.HasVersion)
	require.Equal(t, uint32(0x1fffe000), sp2.VersionBits)
}

func TestParseSubmitParamsRejectsMalformedHex(t *testing.T) {
	_, err := ParseSubmitParams("w", "j", "zz", "5f000000", "00000001", "")
	require.ErrorIs(t, err, ErrMalformedParams)
}
