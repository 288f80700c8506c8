package wsvote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/consensus"
	"github.com/BaSui01/agentcoord/types"
)

// ClientConfig configures the coordinator side of the vote transport.
type ClientConfig struct {
	// DialTimeout bounds the websocket handshake. Zero leaves it to the
	// request context.
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	// ReadLimit is the largest frame accepted from a voter, in bytes.
	ReadLimit int64 `json:"read_limit" yaml:"read_limit"`
}

// DefaultClientConfig returns the default client settings.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		DialTimeout: 5 * time.Second,
		ReadLimit:   1 << 20,
	}
}

// Client delivers proposals to remote voters over websocket. It keeps one
// connection per voter, dialed on first use and redialed after a failure.
type Client struct {
	endpoints map[string]string
	config    ClientConfig
	logger    *zap.Logger

	mu     sync.Mutex
	conns  map[string]*voterConn
	closed bool
}

var _ consensus.VoterChannel = (*Client)(nil)

// NewClient creates a client for the given voter id to URL map.
func NewClient(endpoints map[string]string, config *ClientConfig, logger *zap.Logger) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	cfg := *config
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultClientConfig().DialTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultClientConfig().ReadLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	eps := make(map[string]string, len(endpoints))
	for id, url := range endpoints {
		eps[id] = url
	}
	return &Client{
		endpoints: eps,
		config:    cfg,
		logger:    logger.With(zap.String("component", "wsvote_client")),
		conns:     make(map[string]*voterConn),
	}
}

// Voters returns the configured voter ids.
func (c *Client) Voters() []string {
	ids := make([]string, 0, len(c.endpoints))
	for id := range c.endpoints {
		ids = append(ids, id)
	}
	return ids
}

// RequestVote sends proposal to voterID and waits for its vote or ctx.
func (c *Client) RequestVote(ctx context.Context, voterID string, proposal *consensus.Proposal) (consensus.Vote, error) {
	if proposal == nil {
		return consensus.Vote{}, types.Malformed("proposal is nil")
	}
	vc, err := c.connect(ctx, voterID)
	if err != nil {
		return consensus.Vote{}, err
	}

	requestID := uuid.NewString()
	replies, err := vc.register(requestID)
	if err != nil {
		return consensus.Vote{}, err
	}
	defer vc.unregister(requestID)

	vc.writeMu.Lock()
	err = wsjson.Write(ctx, vc.conn, envelope{Type: msgProposal, RequestID: requestID, Proposal: proposal})
	vc.writeMu.Unlock()
	if err != nil {
		c.drop(vc, err)
		return consensus.Vote{}, fmt.Errorf("send proposal to voter %s: %w", voterID, err)
	}

	select {
	case <-ctx.Done():
		return consensus.Vote{}, ctx.Err()
	case <-vc.done:
		return consensus.Vote{}, fmt.Errorf("voter %s disconnected: %w", voterID, vc.err)
	case reply := <-replies:
		return decodeReply(voterID, reply)
	}
}

func decodeReply(voterID string, reply envelope) (consensus.Vote, error) {
	switch {
	case reply.Type == msgError:
		return consensus.Vote{}, fmt.Errorf("%w by %s: %s", ErrVoteRejected, voterID, reply.Error)
	case reply.Type != msgVote || reply.Vote == nil:
		return consensus.Vote{}, fmt.Errorf("voter %s sent unexpected %q frame", voterID, reply.Type)
	}
	vote := *reply.Vote
	if vote.VoterID == "" {
		vote.VoterID = voterID
	}
	if vote.VoterID != voterID {
		return consensus.Vote{}, fmt.Errorf("vote for %s signed by %s", voterID, vote.VoterID)
	}
	return vote, nil
}

// Close closes every voter connection. Later calls to RequestVote fail with
// ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := c.conns
	c.conns = make(map[string]*voterConn)
	c.mu.Unlock()

	for _, vc := range conns {
		if err := vc.conn.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
			c.logger.Debug("voter connection close", zap.String("voter_id", vc.voterID), zap.Error(err))
		}
	}
	return nil
}

func (c *Client) connect(ctx context.Context, voterID string) (*voterConn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if vc, ok := c.conns[voterID]; ok {
		c.mu.Unlock()
		return vc, nil
	}
	url, ok := c.endpoints[voterID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVoter, voterID)
	}

	dialCtx := ctx
	if c.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.config.DialTimeout)
		defer cancel()
	}
	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("dial voter %s: %w", voterID, err)
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return nil, fmt.Errorf("voter %s did not negotiate %s", voterID, Subprotocol)
	}
	if c.config.ReadLimit > 0 {
		conn.SetReadLimit(c.config.ReadLimit)
	}

	vc := &voterConn{
		voterID: voterID,
		conn:    conn,
		pending: make(map[string]chan envelope),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "client closed")
		return nil, ErrClientClosed
	}
	if existing, ok := c.conns[voterID]; ok {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		return existing, nil
	}
	c.conns[voterID] = vc
	c.mu.Unlock()

	c.logger.Debug("voter connected", zap.String("voter_id", voterID), zap.String("url", url))
	go c.readLoop(vc)
	return vc, nil
}

func (c *Client) readLoop(vc *voterConn) {
	for {
		var reply envelope
		if err := wsjson.Read(context.Background(), vc.conn, &reply); err != nil {
			c.drop(vc, err)
			return
		}
		if !vc.deliver(reply) {
			c.logger.Debug("dropping late reply",
				zap.String("voter_id", vc.voterID),
				zap.String("request_id", reply.RequestID))
		}
	}
}

// drop forgets vc and fails its pending requests.
func (c *Client) drop(vc *voterConn, err error) {
	c.mu.Lock()
	if c.conns[vc.voterID] == vc {
		delete(c.conns, vc.voterID)
	}
	closed := c.closed
	c.mu.Unlock()

	if vc.fail(err) && !closed {
		c.logger.Warn("voter connection lost", zap.String("voter_id", vc.voterID), zap.Error(err))
	}
	vc.conn.CloseNow()
}

type voterConn struct {
	voterID string
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan envelope
	done    chan struct{}
	err     error
}

func (vc *voterConn) register(requestID string) (chan envelope, error) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	select {
	case <-vc.done:
		return nil, fmt.Errorf("voter %s disconnected: %w", vc.voterID, vc.err)
	default:
	}
	ch := make(chan envelope, 1)
	vc.pending[requestID] = ch
	return ch, nil
}

func (vc *voterConn) unregister(requestID string) {
	vc.mu.Lock()
	delete(vc.pending, requestID)
	vc.mu.Unlock()
}

func (vc *voterConn) deliver(reply envelope) bool {
	vc.mu.Lock()
	ch, ok := vc.pending[reply.RequestID]
	delete(vc.pending, reply.RequestID)
	vc.mu.Unlock()
	if ok {
		ch <- reply
	}
	return ok
}

// fail marks the connection dead once; it reports whether this call did it.
func (vc *voterConn) fail(err error) bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	select {
	case <-vc.done:
		return false
	default:
	}
	vc.err = err
	close(vc.done)
	return true
}
