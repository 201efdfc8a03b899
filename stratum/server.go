// Copyright (c) 2025 The P2Pool-Go developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package stratum

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/p2pool-go/p2pool/chaincfg"
)

// request is one line-JSON request received from a mining client (ยง4.6,
// ยง6). Notifications the server pushes share the same envelope with a null
// Method absent and Params populated on the way out instead.
type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// response is one line-JSON reply or notification (ยง6): a response carries
// Result/Error and echoes the request's ID; a notification carries Method
// and Params with ID set to null, and must never be mistaken for a response.
type response struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params interface{}     `json:"params,omitempty"`
}

// rpcError is the three-element [code, message, data] shape ยง6 specifies.
type rpcError struct {
	Code    int
	Message string
	Data    interface{}
}

// MarshalJSON encodes rpcError as a JSON array, not an object, matching the
// wire shape ยง6 documents.
func (e *rpcError) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Code, e.Message, e.Data})
}

const (
	errCodeParse       = -32700
	errCodeUnknownMeth = -32601
	errCodeBadParams   = -32602
	errCodeShare       = 23 // conventional stratum "job not found"/share-reject code
)

// ShareSink receives every share this node produces locally so it can be
// inserted into the tracker and announced to peers (ยง4.7 step 6). It is
// implemented by the top-level node loop (cmd/p2pool), keeping the stratum
// package free of any direct sharechain/p2p dependency beyond the tracker it
// already needs for retargeting.
type ShareSink interface {
	AcceptLocalShare(s interface{}) error
}

// BlockSink receives a fully assembled parent (and, if present, aux) block
// for submission to the respective node RPC (ยง4.7 steps 4-5 of the tiers).
type BlockSink interface {
	SubmitParentBlock(ctx context.Context, result *SubmitResult) error
	SubmitAuxBlock(ctx context.Context, result *SubmitResult) error
}

// Server implements the mining RPC server (C6): a line-JSON listener that
// authorizes miners, hands out jobs, and routes mining.submit through the
// submission pipeline (C7).
type Server struct {
	cfg      *Config
	params   *chaincfg.Params
	jobs     *JobManager
	pipeline *Pipeline
	toScript func(string, *chaincfg.Params) ([]byte, error)
	blocks   BlockSink
	shares   ShareSink

	listener net.Listener

	mu         sync.Mutex
	conns      map[uint64]*conn
	nextConnID uint64
	nextEx1    uint32

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// conn is the per-connection state §4.6 requires: extranonce assignment,
// authorization, subscription flags, and difficulty/version overrides.
type conn struct {
	id      uint64
	server  *Server
	netConn net.Conn
	writer  *bufio.Writer
	writeMu sync.Mutex

	ex1 []byte

	authorized      bool
	auth            *Authorization
	versionMask     uint32
	extranonceSub   bool
	shareDifficulty float64
	lastJobGen      uint64
	lastJobID       string
}

// NewServer creates a mining RPC server bound to jobs and pipeline.
func NewServer(cfg *Config, params *chaincfg.Params, jobs *JobManager, pipeline *Pipeline,
	toScript func(string, *chaincfg.Params) ([]byte, error), blocks BlockSink, shares ShareSink) *Server {
	return &Server{
		cfg:      cfg,
		params:   params,
		jobs:     jobs,
		pipeline: pipeline,
		toScript: toScript,
		blocks:   blocks,
		shares:   shares,
		conns:    make(map[uint64]*conn),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("stratum: listen: %w", err)
	}
	s.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	log.Infof("mining RPC server listening on %s", s.cfg.ListenAddr)
	return nil
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for _, c := range s.conns {
		c.netConn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warnf("accept: %v", err)
				continue
			}
		}

		s.mu.Lock()
		if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			log.Warnf("rejecting connection from %s: at MaxConnections (%d)", nc.RemoteAddr(), s.cfg.MaxConnections)
			nc.Close()
			continue
		}
		s.nextConnID++
		id := s.nextConnID
		s.nextEx1++
		ex1 := make([]byte, s.cfg.Extranonce1Len)
		putUint32Tail(ex1, s.nextEx1)
		s.mu.Unlock()

		c := &conn{
			id:              id,
			server:          s,
			netConn:         nc,
			writer:          bufio.NewWriter(nc),
			ex1:             ex1,
			shareDifficulty: s.cfg.InitialShareDifficulty,
		}

		s.mu.Lock()
		s.conns[id] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(ctx, c)
	}
}

// putUint32Tail writes v big-endian into the last 4 bytes of ex1 (or fewer,
// truncated, if Extranonce1Len is smaller), giving every connection a
// distinct extranonce1 regardless of configured length.
func putUint32Tail(ex1 []byte, v uint32) {
	var buf [4]byte
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
	n := len(ex1)
	if n >= 4 {
		copy(ex1[n-4:], buf[:])
	} else {
		copy(ex1, buf[4-n:])
	}
}

func (s *Server) handleConn(ctx context.Context, c *conn) {
	defer s.wg.Done()
	defer s.removeConn(c)

	scanner := bufio.NewScanner(c.netConn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for {
		c.netConn.SetReadDeadline(time.Now().Add(s.cfg.ConnectionTimeout))
		if !scanner.Scan() {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(c, nil, errCodeParse, "parse error")
			continue
		}
		s.dispatch(ctx, c, &req)
	}
}

func (s *Server) removeConn(c *conn) {
	c.netConn.Close()
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

func (s *Server) dispatch(ctx context.Context, c *conn, req *request) {
	switch req.Method {
	case "mining.subscribe":
		s.handleSubscribe(c, req)
	case "mining.authorize":
		s.handleAuthorize(c, req)
	case "mining.configure":
		s.handleConfigure(c, req)
	case "mining.submit":
		s.handleSubmit(ctx, c, req)
	case "mining.extranonce.subscribe":
		c.extranonceSub = true
		s.sendResult(c, req.ID, true)
	default:
		// Unknown methods are reported back per §7 (protocol violation by
		// mining client) rather than silently ignored, unlike the peer
		// protocol's forward-compatible unknown-command handling.
		s.sendError(c, req.ID, errCodeUnknownMeth, "unknown method")
	}
}

func (s *Server) handleSubscribe(c *conn, req *request) {
	var params []interface{}
	_ = json.Unmarshal(req.Params, &params)

	result := []interface{}{
		[][]string{
			{"mining.set_difficulty", fmt.Sprintf("%d", c.id)},
			{"mining.notify", fmt.Sprintf("%d", c.id)},
		},
		hex.EncodeToString(c.ex1),
		s.cfg.Extranonce2Len,
	}
	s.sendResult(c, req.ID, result)
}

func (s *Server) handleAuthorize(c *conn, req *request) {
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		s.sendResult(c, req.ID, false)
		return
	}

	auth, err := ParseUsername(params[0], s.params, s.toScript)
	if err != nil {
		log.Warnf("conn %d: authorize failed: %v", c.id, err)
		s.sendResult(c, req.ID, false)
		return
	}

	c.authorized = true
	c.auth = auth
	if auth.ShareDiff > 0 {
		c.shareDifficulty = auth.ShareDiff
	}

	s.sendResult(c, req.ID, true)
	s.pushDifficulty(c)
	s.pushJob(c, true)
}

func (s *Server) handleConfigure(c *conn, req *request) {
	var params []json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 2 {
		s.sendResult(c, req.ID, map[string]interface{}{})
		return
	}

	var extensions []string
	_ = json.Unmarshal(params[0], &extensions)

	var opts map[string]interface{}
	_ = json.Unmarshal(params[1], &opts)

	out := map[string]interface{}{}
	for _, ext := range extensions {
		switch ext {
		case "version-rolling":
			maskHex, _ := opts["version-rolling.mask"].(string)
			mask := s.cfg.VersionRollingMask
			if maskHex != "" {
				if v, err := parseHexUint32(maskHex); err == nil {
					mask &= v
				}
			}
			c.versionMask = mask
			out["version-rolling"] = true
			out["version-rolling.mask"] = fmt.Sprintf("%08x", mask)
		case "subscribe-extranonce":
			c.extranonceSub = true
			out["subscribe-extranonce"] = true
		}
	}
	s.sendResult(c, req.ID, out)
}

func (s *Server) handleSubmit(ctx context.Context, c *conn, req *request) {
	var params []string
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 5 {
		s.sendError(c, req.ID, errCodeBadParams, "malformed submit parameters")
		return
	}
	if !c.authorized {
		s.sendError(c, req.ID, errCodeShare, "unauthorized worker")
		return
	}

	versionBitsHex := ""
	if len(params) > 5 {
		versionBitsHex = params[5]
	}
	sp, err := ParseSubmitParams(params[0], params[1], params[2], params[3], params[4], versionBitsHex)
	if err != nil {
		s.sendError(c, req.ID, errCodeBadParams, err.Error())
		return
	}

	job, ok := s.jobs.Lookup(sp.JobID)
	if !ok {
		s.sendError(c, req.ID, errCodeShare, "stale job")
		return
	}

	result, err := s.pipeline.Submit(job, c.ex1, sp, c.shareDifficulty, c.versionMask, time.Now())
	switch err {
	case nil:
		// fall through to tiered handling below
	case ErrDuplicate:
		s.sendError(c, req.ID, errCodeShare, "duplicate")
		return
	case ErrStaleJob, ErrNtimeOutOfRange, ErrBelowTarget, ErrMalformedParams:
		s.sendResult(c, req.ID, false)
		return
	default:
		s.sendResult(c, req.ID, false)
		return
	}

	if !result.MeetsShareTarget {
		s.sendResult(c, req.ID, false)
		return
	}

	if result.MeetsChainTarget && s.shares != nil && result.Share != nil {
		if err := s.shares.AcceptLocalShare(result.Share); err != nil {
			log.Warnf("conn %d: local share rejected: %v", c.id, err)
		}
	}
	if result.MeetsAuxTarget && s.blocks != nil {
		if err := s.blocks.SubmitAuxBlock(ctx, result); err != nil {
			log.Errorf("aux block submission failed: %v", err)
		}
	}
	if result.MeetsParentTarget && s.blocks != nil {
		if err := s.blocks.SubmitParentBlock(ctx, result); err != nil {
			log.Errorf("parent block submission failed: %v", err)
		}
	}

	s.sendResult(c, req.ID, true)
}

func parseHexUint32(s string) (uint32, error) {
	b, err := hex.DecodeString(padHex(s))
	if err != nil || len(b) < 4 {
		return 0, fmt.Errorf("stratum: bad hex mask %q", s)
	}
	return uint32(b[len(b)-4])<<24 | uint32(b[len(b)-3])<<16 | uint32(b[len(b)-2])<<8 | uint32(b[len(b)-1]), nil
}

func padHex(s string) string {
	if len(s)%2 != 0 {
		return "0" + s
	}
	return s
}

// BroadcastJobs refreshes every connection's job when the underlying
// template generation has advanced, sending clean_jobs=true on the first
// mining.notify after a parent-tip change (§4.6 "critical protocol
// discipline").
func (s *Server) BroadcastJobs() {
	gen := s.jobs.Generation()

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if !c.authorized {
			continue
		}
		cleanJobs := c.lastJobGen != gen
		s.pushJob(c, cleanJobs)
		c.lastJobGen = gen
	}
}

func (s *Server) pushJob(c *conn, cleanJobs bool) {
	if c.auth == nil {
		return
	}
	job, err := s.jobs.JobFor(c.auth.PayoutScript, c.auth.AuxPayoutScript, s.cfg.DonationFraction, s.cfg.DesiredVersion)
	if err != nil {
		return
	}
	c.lastJobID = job.ID

	merklePath := make([]string, len(job.MerklePath))
	for i, h := range job.MerklePath {
		merklePath[i] = h.String()
	}

	params := []interface{}{
		job.ID,
		job.PrevHash.String(),
		hex.EncodeToString(job.CoinbasePrefix),
		hex.EncodeToString(job.CoinbaseSuffix),
		merklePath,
		fmt.Sprintf("%08x", uint32(job.Version)),
		fmt.Sprintf("%08x", job.Bits),
		fmt.Sprintf("%08x", job.Timestamp),
		cleanJobs || job.CleanJobs,
	}
	s.sendNotification(c, "mining.notify", params)
}

func (s *Server) pushDifficulty(c *conn) {
	s.sendNotification(c, "mining.set_difficulty", []float64{c.shareDifficulty})
	if c.extranonceSub {
		s.sendNotification(c, "mining.set_extranonce", []interface{}{hex.EncodeToString(c.ex1), s.cfg.Extranonce2Len})
	}
}

func (s *Server) sendResult(c *conn, id json.RawMessage, result interface{}) {
	s.send(c, &response{ID: id, Result: result})
}

func (s *Server) sendError(c *conn, id json.RawMessage, code int, msg string) {
	s.send(c, &response{ID: id, Error: &rpcError{Code: code, Message: msg}})
}

func (s *Server) sendNotification(c *conn, method string, params interface{}) {
	s.send(c, &response{ID: nil, Method: method, Params: params})
}

func (s *Server) send(c *conn, resp *response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Errorf("marshal response: %v", err)
		return
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(data); err != nil {
		return
	}
	_ = c.writer.Flush()
}

// ConnCount returns the number of currently connected mining clients, for
// the HTTP status endpoint (§7).
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
