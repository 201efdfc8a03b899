// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcclient

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/stretchr/testify/require"
)

func TestParseHexUint32(t *testing.T) {
	v, err := parseHexUint32("1d00ffff")
	require.NoError(t, err)
	require.Equal(t, uint32(0x1d00ffff), v)

	_, err = parseHexUint32("not-hex")
	require.Error(t, err)
}

var testPrevHash = strings.Repeat("0", 63) + "1"

func TestAdaptTemplatePrefersCoinbaseValue(t *testing.T) {
	prevHash := testPrevHash
	gbt := &btcjson.GetBlockTemplateResult{
		PreviousHash:  prevHash,
		Bits:          "1d00ffff",
		Height:        100,
		Version:       1,
		CurTime:       1700000000,
		CoinbaseValue: int64Ptr(5000000000),
		CoinbaseTxn:   &btcjson.GetBlockTemplateResultTx{Fee: 999},
	}

	tmpl, err := adaptTemplate(gbt)
	require.NoError(t, err)
	require.Equal(t, int64(5000000000), tmpl.SubsidyPlusFees)
	require.Equal(t, uint64(100), tmpl.Height)
}

func TestAdaptTemplateFallsBackToCoinbaseTxnFee(t *testing.T) {
	gbt := &btcjson.GetBlockTemplateResult{
		PreviousHash: testPrevHash,
		Bits:         "1d00ffff",
		Height:       100,
		CoinbaseTxn:  &btcjson.GetBlockTemplateResultTx{Fee: 12345},
	}

	tmpl, err := adaptTemplate(gbt)
	require.NoError(t, err)
	require.Equal(t, int64(12345), tmpl.SubsidyPlusFees)
}

func TestAdaptTemplateRejectsBadPreviousHash(t *testing.T) {
	gbt := &btcjson.GetBlockTemplateResult{
		PreviousHash: "not-a-hash",
		Bits:         "1d00ffff",
	}
	_, err := adaptTemplate(gbt)
	require.Error(t, err)
}

func int64Ptr(v int64) *int64 { return &v }
