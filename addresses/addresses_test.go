// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addresses

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/p2pool-go/p2pool/chaincfg"
)

func makeP2PKHAddress(hash [20]byte, versionByte byte) string {
	payload := append([]byte{versionByte}, hash[:]...)
	checksum := chainhash.DoubleHashB(payload)[:4]
	return base58.Encode(append(payload, checksum...))
}

func TestToScriptP2PKH(t *testing.T) {
	params := &chaincfg.TestNetParams
	var hash [20]byte
	hash[0] = 0xaa
	addr := makeP2PKHAddress(hash, params.PubKeyHashAddrID)

	script, err := ToScript(addr, params)
	require.NoError(t, err)
	require.NotEmpty(t, script)
	require.True(t, Valid(addr, params))
}

func TestToScriptRejectsWrongNetwork(t *testing.T) {
	var hash [20]byte
	addr := makeP2PKHAddress(hash, chaincfg.MainNetParams.PubKeyHashAddrID)
	_, err := ToScript(addr, &chaincfg.TestNetParams)
	require.ErrorIs(t, err, ErrWrongNetwork)
}

func TestToScriptRejectsGarbage(t *testing.T) {
	_, err := ToScript("not-an-address", &chaincfg.TestNetParams)
	require.Error(t, err)
	require.False(t, Valid("not-an-address", &chaincfg.TestNetParams))
}
