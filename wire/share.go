// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"

	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ParentHeader is the parent-chain block header hashed by the
// proof-of-work. It is not a local reinvention: it is the parent chain's
// own wire.BlockHeader, because any share is a would-be parent block and
// must decode identically on a parent-chain node.
type ParentHeader = btcwire.BlockHeader

// CoinbaseTx is the parent-chain coinbase transaction as it would appear in
// a real block, reusing the parent chain's own transaction wire type so a
// share's coinbase is byte-for-byte what a block explorer or parent node
// would accept.
type CoinbaseTx = btcwire.MsgTx

// MerkleLink carries the sibling hashes needed to re-derive the parent
// header's merkle root from the coinbase transaction hash alone, plus the
// bitmask of left/right turns (one bit per sibling, least significant bit
// first) needed to fold them in the right order.
type MerkleLink struct {
	Siblings []chainhash.Hash
	Index    uint32
}

// Encode appends the merkle link encoding to w.
func (m *MerkleLink) Encode(w *Writer) {
	w.WriteListLength(len(m.Siblings))
	for _, s := range m.Siblings {
		w.WriteHash(s)
	}
	w.WriteUint32LE(m.Index)
}

// Decode reads a merkle link from r.
func (m *MerkleLink) Decode(r *Reader) error {
	n, err := r.ReadListLength()
	if err != nil {
		return err
	}
	m.Siblings = make([]chainhash.Hash, n)
	for i := range m.Siblings {
		h, err := r.ReadHash()
		if err != nil {
			return err
		}
		m.Siblings[i] = h
	}
	idx, err := r.ReadUint32LE()
	if err != nil {
		return err
	}
	m.Index = idx
	return nil
}

// Apply folds the coinbase hash up through the merkle link and returns the
// resulting merkle root.
func (m *MerkleLink) Apply(coinbaseHash chainhash.Hash) chainhash.Hash {
	hash := coinbaseHash
	idx := m.Index
	for _, sibling := range m.Siblings {
		if idx&1 == 0 {
			hash = hashPair(hash, sibling)
		} else {
			hash = hashPair(sibling, hash)
		}
		idx >>= 1
	}
	return hash
}

func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

// AuxWork is a single (aux-chain-id, payout-script) pair, present only on
// share schema versions that support per-miner merged-mining payouts (ยง3
// extension fields).
type AuxWork struct {
	ChainID uint32
	Script  []byte
}

func (a *AuxWork) encode(w *Writer) {
	w.WriteUint32LE(a.ChainID)
	w.WriteVarBytes(a.Script)
}

func (a *AuxWork) decode(r *Reader) error {
	id, err := r.ReadUint32LE()
	if err != nil {
		return err
	}
	script, err := r.ReadVarBytes()
	if err != nil {
		return err
	}
	a.ChainID = id
	a.Script = script
	return nil
}

// ShareInfo is the metadata every share variant commits to via the
// reference hash: predecessor linkage, difficulty, payout policy, and the
// new transactions this share introduces to the network (ยง3).
type ShareInfo struct {
	PreviousShareHash chainhash.Hash
	FarShareHash      chainhash.Hash
	Bits              uint32
	Timestamp         uint32
	AbsHeight         uint64
	AbsWork           [32]byte // big-endian 256-bit cumulative work
	PayoutScript      []byte
	NewTransactions   []chainhash.Hash
	DesiredVersion    uint16
	DonationFraction  uint16 // parts per 65535
	AuxWork           []AuxWork
}

// Encode appends the ShareInfo encoding to w. AuxWork is only written for
// schema versions >= 36; callers pass includeAux accordingly.
func (si *ShareInfo) Encode(w *Writer, includeAux bool) {
	w.WriteHash(si.PreviousShareHash)
	w.WriteHash(si.FarShareHash)
	w.WriteUint32LE(si.Bits)
	w.WriteUint32LE(si.Timestamp)
	w.WriteUint64LE(si.AbsHeight)
	w.buf = append(w.buf, si.AbsWork[:]...)
	w.WriteVarBytes(si.PayoutScript)
	w.WriteListLength(len(si.NewTransactions))
	for _, h := range si.NewTransactions {
		w.WriteHash(h)
	}
	w.WriteUint16LE(si.DesiredVersion)
	w.WriteUint16LE(si.DonationFraction)
	if includeAux {
		w.WriteListLength(len(si.AuxWork))
		for i := range si.AuxWork {
			si.AuxWork[i].encode(w)
		}
	}
}

// Decode reads a ShareInfo from r.
func (si *ShareInfo) Decode(r *Reader, includeAux bool) error {
	var err error
	if si.PreviousShareHash, err = r.ReadHash(); err != nil {
		return err
	}
	if si.FarShareHash, err = r.ReadHash(); err != nil {
		return err
	}
	if si.Bits, err = r.ReadUint32LE(); err != nil {
		return err
	}
	if si.Timestamp, err = r.ReadUint32LE(); err != nil {
		return err
	}
	if si.AbsHeight, err = r.ReadUint64LE(); err != nil {
		return err
	}
	workBytes, err := r.take32()
	if err != nil {
		return err
	}
	copy(si.AbsWork[:], workBytes)
	if si.PayoutScript, err = r.ReadVarBytes(); err != nil {
		return err
	}
	n, err := r.ReadListLength()
	if err != nil {
		return err
	}
	si.NewTransactions = make([]chainhash.Hash, n)
	for i := range si.NewTransactions {
		if si.NewTransactions[i], err = r.ReadHash(); err != nil {
			return err
		}
	}
	if si.DesiredVersion, err = r.ReadUint16LE(); err != nil {
		return err
	}
	if si.DonationFraction, err = r.ReadUint16LE(); err != nil {
		return err
	}
	if includeAux {
		an, err := r.ReadListLength()
		if err != nil {
			return err
		}
		si.AuxWork = make([]AuxWork, an)
		for i := range si.AuxWork {
			if err := si.AuxWork[i].decode(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reader) take32() ([]byte, error) {
	return r.take(32)
}

// RefHash computes the reference hash: the hash of share_info plus
// extension fields, which the coinbase's last output must commit to. It is
// distinct from the share hash (which is the parent header's PoW hash)
// precisely so metadata can be bound to the header without being part of
// the hashed header itself (ยง3).
func (si *ShareInfo) RefHash(schemaVersion uint16) chainhash.Hash {
	w := NewWriter(256)
	w.WriteUint16LE(schemaVersion)
	si.Encode(w, schemaVersion >= 36)
	return chainhash.DoubleHashH(w.Bytes())
}

// Share is the atomic unit of the side chain (ยง3): a parent header plus
// the coinbase and merkle link needed to prove the header commits to that
// coinbase, plus the share_info metadata the coinbase itself commits to.
type Share struct {
	SchemaVersion uint16
	ParentHeader  ParentHeader
	Coinbase      CoinbaseTx
	MerkleLink    MerkleLink
	Info          ShareInfo
}

// Hash returns the share's identity: the PoW hash of the parent header.
func (s *Share) Hash() chainhash.Hash {
	return s.ParentHeader.BlockHash()
}

// RefHash returns the hash every coinbase-commitment output must match.
func (s *Share) RefHash() chainhash.Hash {
	return s.Info.RefHash(s.SchemaVersion)
}

// Encode serializes the full share: schema version tag, parent header,
// coinbase, merkle link, then share_info. Decoders reject an unrecognized
// schema version with ErrUnknownVariant before attempting to interpret the
// rest of the bytes, since later fields' shapes can differ by version (ยง9).
func (s *Share) Encode() ([]byte, error) {
	w := NewWriter(1024)
	w.WriteUint16LE(s.SchemaVersion)

	var hdrBuf bytes.Buffer
	if err := s.ParentHeader.Serialize(&hdrBuf); err != nil {
		return nil, err
	}
	w.WriteVarBytes(hdrBuf.Bytes())

	var txBuf bytes.Buffer
	if err := s.Coinbase.Serialize(&txBuf); err != nil {
		return nil, err
	}
	w.WriteVarBytes(txBuf.Bytes())

	s.MerkleLink.Encode(w)
	s.Info.Encode(w, s.SchemaVersion >= 36)

	return w.Bytes(), nil
}

// DecodeShare parses a share previously produced by Share.Encode.
func DecodeShare(buf []byte, accepted []uint16) (*Share, error) {
	r := NewReader(buf)

	version, err := r.ReadUint16LE()
	if err != nil {
		return nil, err
	}
	if !versionAccepted(version, accepted) {
		return nil, ErrUnknownVariant
	}

	hdrBytes, err := r.ReadVarBytes()
	if err != nil {
		return nil, err
	}
	var hdr ParentHeader
	if err := hdr.Deserialize(bytes.NewReader(hdrBytes)); err != nil {
		return nil, err
	}

	txBytes, err := r.ReadVarBytes()
	if err != nil {
		return nil, err
	}
	var tx CoinbaseTx
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, err
	}

	var link MerkleLink
	if err := link.Decode(r); err != nil {
		return nil, err
	}

	var info ShareInfo
	if err := info.Decode(r, version >= 36); err != nil {
		return nil, err
	}

	if r.Len() != 0 {
		return nil, ErrNonCanonical
	}

	return &Share{
		SchemaVersion: version,
		ParentHeader:  hdr,
		Coinbase:      tx,
		MerkleLink:    link,
		Info:          info,
	}, nil
}

func versionAccepted(v uint16, accepted []uint16) bool {
	for _, a := range accepted {
		if a == v {
			return true
		}
	}
	return false
}
