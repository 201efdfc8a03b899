// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rpcclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/p2pool-go/p2pool/stratum"
)

func TestSourceFetchAuxTemplateWithoutAuxClient(t *testing.T) {
	s := &Source{Parent: nil, Aux: nil}
	tmpl, ok, err := s.FetchAuxTemplate(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, tmpl)
}

func TestSourceSubmitAuxBlockNoProofIsNoop(t *testing.T) {
	s := &Source{Parent: nil, Aux: nil}
	err := s.SubmitAuxBlock(context.Background(), &stratum.SubmitResult{})
	require.NoError(t, err)
}

func TestSourceSubmitParentBlockNoBlockIsNoop(t *testing.T) {
	s := &Source{Parent: nil}
	err := s.SubmitParentBlock(context.Background(), &stratum.SubmitResult{})
	require.NoError(t, err)
}
