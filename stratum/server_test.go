// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/p2pool-go/p2pool/sharechain"
	"github.com/p2pool-go/p2pool/wire"
	"github.com/p2pool-go/p2pool/work"
)

type fakeSource struct {
	tmpl *work.BlockTemplate
}

func (f *fakeSource) FetchBlockTemplate(ctx context.Context) (*work.BlockTemplate, error) {
	return f.tmpl, nil
}

func (f *fakeSource) FetchAuxTemplate(ctx context.Context) (*work.AuxTemplate, bool, error) {
	return nil, false, nil
}

type recordingSinks struct {
	shares int
	blocks int
}

func (r *recordingSinks) AcceptLocalShare(s interface{}) error {
	r.shares++
	return nil
}

func (r *recordingSinks) SubmitParentBlock(ctx context.Context, result *SubmitResult) error {
	r.blocks++
	return nil
}

func (r *recordingSinks) SubmitAuxBlock(ctx context.Context, result *SubmitResult) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *recordingSinks) {
	t.Helper()

	params := easyParams()
	tr := sharechain.New(params)

	tmpl := &work.BlockTemplate{
		PrevHash:        [32]byte{0x02},
		Height:          1000,
		Version:         1,
		Bits:            easyBits,
		CurTime:         time.Now().Unix(),
		SubsidyPlusFees: 5000000000,
	}

	g := &sharechain.Entry{
		Hash: [32]byte{0x01},
		Share: &wire.Share{Info: wire.ShareInfo{
			Bits:         easyBits,
			PayoutScript: []byte("priorMiner"),
		}},
	}
	require.NoError(t, tr.InsertGenesis(g))

	jm := NewJobManager(DefaultConfig(), params, tr, &fakeSource{tmpl: tmpl})
	_, err := jm.Refresh(context.Background())
	require.NoError(t, err)

	pipeline := NewPipeline(DefaultConfig(), params, tr)
	sinks := &recordingSinks{}

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"

	srv := NewServer(cfg, params, jm, pipeline, fakeToScript, sinks, sinks)
	return srv, sinks
}

// rpcConn wraps a line-JSON connection to the test server for readability.
type rpcConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Scanner
}

func dial(t *testing.T, addr string) *rpcConn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return &rpcConn{t: t, conn: c, r: bufio.NewScanner(c)}
}

func (c *rpcConn) call(id int, method string, params interface{}) map[string]interface{} {
	c.t.Helper()
	req := map[string]interface{}{"id": id, "method": method, "params": params}
	data, err := json.Marshal(req)
	require.NoError(c.t, err)
	_, err = c.conn.Write(append(data, '\n'))
	require.NoError(c.t, err)

	for {
		require.True(c.t, c.r.Scan())
		var resp map[string]interface{}
		require.NoError(c.t, json.Unmarshal(c.r.Bytes(), &resp))
		// Skip notifications pushed ahead of the matching response.
		if resp["method"] != nil {
			continue
		}
		return resp
	}
}

func TestServerSubscribeAuthorizeSubmit(t *testing.T) {
	srv, sinks := newTestServer(t)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	conn := dial(t, srv.listener.Addr().String())

	subResp := conn.call(1, "mining.subscribe", []interface{}{"test-miner/1.0"})
	require.Nil(t, subResp["error"])
	result, ok := subResp["result"].([]interface{})
	require.True(t, ok)
	require.Len(t, result, 3)
	ex1Hex, ok := result[1].(string)
	require.True(t, ok)
	require.Equal(t, 8, len(ex1Hex)) // 4-byte extranonce1, hex-encoded

	authResp := conn.call(2, "mining.authorize", []interface{}{"payoutAddr", "x"})
	require.Nil(t, authResp["error"])
	require.Equal(t, true, authResp["result"])

	// Pull the job id the server assigned this connection from its own
	// JobFor cache rather than parsing mining.notify off the wire, since
	// the notification and the response interleave non-deterministically
	// over the same connection.
	authScript, err := fakeToScript("payoutAddr", srv.params)
	require.NoError(t, err)
	composedJob, err := srv.jobs.JobFor(authScript, nil, srv.cfg.DonationFraction, srv.cfg.DesiredVersion)
	require.NoError(t, err)

	submitResp := conn.call(3, "mining.submit", []interface{}{
		"worker1",
		composedJob.ID,
		"00000000",
		hexUint32(composedJob.Timestamp),
		"00000000",
	})
	require.Nil(t, submitResp["error"])
	require.Equal(t, true, submitResp["result"])
	require.Equal(t, 1, sinks.shares)
}

func TestServerRejectsSubmitBeforeAuthorize(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	conn := dial(t, srv.listener.Addr().String())
	_ = conn.call(1, "mining.subscribe", []interface{}{"test-miner/1.0"})

	resp := conn.call(2, "mining.submit", []interface{}{"worker1", "job1", "00000000", "5f000000", "00000000"})
	require.NotNil(t, resp["error"])
}

func hexUint32(v uint32) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf)
}
