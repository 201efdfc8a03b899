// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/p2pool-go/p2pool/wire"
)

func TestKnownAddressIsBadOldNeverSucceeded(t *testing.T) {
	na := &wire.NetAddress{Host: "10.0.0.1", Port: 9338, LastSeen: time.Now().Add(-60 * 24 * time.Hour).Unix()}
	ka := TstNewKnownAddress(na, 0, time.Time{}, time.Time{}, false, 1)
	require.True(t, TstKnownAddressIsBad(ka))
}

func TestKnownAddressNotBadRecent(t *testing.T) {
	na := &wire.NetAddress{Host: "10.0.0.1", Port: 9338, LastSeen: time.Now().Unix()}
	ka := TstNewKnownAddress(na, 0, time.Time{}, time.Time{}, false, 1)
	require.False(t, TstKnownAddressIsBad(ka))
}

func TestKnownAddressChanceDecaysWithAttempts(t *testing.T) {
	na := &wire.NetAddress{Host: "10.0.0.1", Port: 9338, LastSeen: time.Now().Unix()}
	fresh := TstNewKnownAddress(na, 0, time.Now().Add(-time.Hour), time.Time{}, false, 1)
	tried := TstNewKnownAddress(na, 5, time.Now().Add(-time.Hour), time.Time{}, false, 1)
	require.Greater(t, TstKnownAddressChance(fresh), TstKnownAddressChance(tried))
}

func TestManagerAddAndGetAddress(t *testing.T) {
	m := New("")
	na := &wire.NetAddress{Host: "10.0.0.2", Port: 9338, LastSeen: time.Now().Unix()}
	m.AddAddress(na, nil)
	require.Equal(t, 1, m.Len())

	got := m.GetAddress()
	require.NotNil(t, got)
	require.Equal(t, na.Host, got.Host)
}

func TestManagerSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/peers.json"

	m1 := New(path)
	na := &wire.NetAddress{Host: "10.0.0.3", Port: 9338, LastSeen: time.Now().Unix()}
	m1.AddAddress(na, nil)
	require.NoError(t, m1.Save())

	m2 := New(path)
	require.NoError(t, m2.Load())
	require.Equal(t, 1, m2.Len())
}
