// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spool

import (
	"github.com/p2pool-go/p2pool/wire"
)

// encodeIndexRecord serializes an indexRecord using the same length-prefixed
// primitives every other on-disk/on-wire schema in this module uses (package
// wire), rather than a second bespoke format for the leveldb index values.
func encodeIndexRecord(rec *indexRecord) []byte {
	w := wire.NewWriter(len(rec.Raw) + 64)
	w.WriteHash(rec.Predecessor)
	w.WriteUint64LE(rec.AbsHeight)
	w.WriteVarBytes(rec.AbsWork)
	if rec.Verified {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
	w.WriteUint64LE(uint64(rec.InsertedAt))
	w.WriteVarBytes(rec.Raw)
	return w.Bytes()
}

func decodeIndexRecord(buf []byte) (*indexRecord, error) {
	r := wire.NewReader(buf)

	pred, err := r.ReadHash()
	if err != nil {
		return nil, err
	}
	height, err := r.ReadUint64LE()
	if err != nil {
		return nil, err
	}
	absWork, err := r.ReadVarBytes()
	if err != nil {
		return nil, err
	}
	verifiedByte, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	insertedAt, err := r.ReadUint64LE()
	if err != nil {
		return nil, err
	}
	raw, err := r.ReadVarBytes()
	if err != nil {
		return nil, err
	}

	return &indexRecord{
		Predecessor: pred,
		AbsHeight:   height,
		AbsWork:     absWork,
		Verified:    verifiedByte != 0,
		InsertedAt:  int64(insertedAt),
		Raw:         raw,
	}, nil
}
