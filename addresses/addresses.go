// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package addresses decodes a miner's payout address — as supplied in the
// `mining.authorize` username (§4.6) or the operator's donation-address
// config option — into the coinbase output script the work composer
// embeds directly, reusing the parent chain's own address encodings so no
// new address format is invented for this software.
package addresses

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/p2pool-go/p2pool/chaincfg"
)

// ErrInvalidAddress is returned when an address is neither valid base58
// nor valid bech32 for the given network.
var ErrInvalidAddress = errors.New("addresses: invalid payout address")

// ErrWrongNetwork is returned when an otherwise well-formed address belongs
// to a different network than params.
var ErrWrongNetwork = errors.New("addresses: address is for a different network")

// ToScript decodes address and returns the coinbase output script that pays
// it: P2PKH for base58 addresses matching params.PubKeyHashAddrID, or a
// plain witness-program push for bech32 addresses matching params.Bech32HRP.
func ToScript(address string, params *chaincfg.Params) ([]byte, error) {
	if hrp, data, err := bech32.Decode(address); err == nil {
		if hrp != params.Bech32HRP {
			return nil, ErrWrongNetwork
		}
		return segwitScript(data)
	}

	decoded := base58.Decode(address)
	if len(decoded) != 25 {
		return nil, ErrInvalidAddress
	}
	payload, checksum := decoded[:21], decoded[21:]
	want := chainhash.DoubleHashB(payload)[:4]
	for i := range want {
		if checksum[i] != want[i] {
			return nil, ErrInvalidAddress
		}
	}
	if payload[0] != params.PubKeyHashAddrID {
		return nil, ErrWrongNetwork
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(payload[1:]).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

func segwitScript(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, ErrInvalidAddress
	}
	version := data[0]
	program, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return nil, ErrInvalidAddress
	}
	if len(program) < 2 || len(program) > 40 {
		return nil, ErrInvalidAddress
	}

	builder := txscript.NewScriptBuilder()
	if version == 0 {
		builder.AddOp(txscript.OP_0)
	} else {
		builder.AddOp(txscript.OP_1 + byte(version) - 1)
	}
	return builder.AddData(program).Script()
}

// Valid reports whether address decodes cleanly against params, without
// returning the script.
func Valid(address string, params *chaincfg.Params) bool {
	_, err := ToScript(address, params)
	return err == nil
}
