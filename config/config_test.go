// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndBootstrapFallback(t *testing.T) {
	cfg, params, err := Load([]string{"--payoutaddress=abc123", "--network=testnet"})
	require.NoError(t, err)
	require.Equal(t, "testnet", params.Name)
	require.Equal(t, params.DefaultBootstrap, cfg.Bootstrap)
	require.Equal(t, 64, cfg.MaxInbound)
}

func TestLoadRejectsOutOfRangeDonation(t *testing.T) {
	_, _, err := Load([]string{"--payoutaddress=abc123", "--donationpercent=150"})
	require.Error(t, err)
}

func TestLoadRejectsUnknownNetwork(t *testing.T) {
	_, _, err := Load([]string{"--payoutaddress=abc123", "--network=mainnet", "--bootstrap=", "--network=bogus"})
	require.Error(t, err)
}

func TestLoadExplicitBootstrapNotOverridden(t *testing.T) {
	cfg, _, err := Load([]string{"--payoutaddress=abc123", "--bootstrap=seed.example:9338"})
	require.NoError(t, err)
	require.Equal(t, []string{"seed.example:9338"}, cfg.Bootstrap)
}
