package wsvote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/agentcoord/consensus"
)

// HandlerConfig configures the voter side of the vote transport.
type HandlerConfig struct {
	// VoterID signs every vote sent by this handler.
	VoterID string `json:"voter_id" yaml:"voter_id"`
	// ReadLimit is the largest proposal frame accepted, in bytes.
	ReadLimit int64 `json:"read_limit" yaml:"read_limit"`
	// DecideTimeout caps a single decision on top of the proposal deadline.
	DecideTimeout time.Duration `json:"decide_timeout" yaml:"decide_timeout"`
	// OriginPatterns is passed to websocket.Accept.
	OriginPatterns []string `json:"origin_patterns,omitempty" yaml:"origin_patterns,omitempty"`
}

// Handler answers proposals arriving over websocket with the votes chosen
// by a DecideFunc.
type Handler struct {
	config HandlerConfig
	decide DecideFunc
	logger *zap.Logger
}

// NewHandler creates a voter handler.
func NewHandler(config *HandlerConfig, decide DecideFunc, logger *zap.Logger) (*Handler, error) {
	if config == nil || config.VoterID == "" {
		return nil, errors.New("wsvote: voter id is required")
	}
	if decide == nil {
		return nil, errors.New("wsvote: decide func is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := *config
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultClientConfig().ReadLimit
	}
	return &Handler{
		config: cfg,
		decide: decide,
		logger: logger.With(zap.String("component", "wsvote_handler"), zap.String("voter_id", cfg.VoterID)),
	}, nil
}

// ServeHTTP upgrades the request and serves proposals until the peer leaves.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: h.config.OriginPatterns,
	})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	if conn.Subprotocol() != Subprotocol {
		conn.Close(websocket.StatusPolicyViolation, "client must speak "+Subprotocol)
		return
	}
	conn.SetReadLimit(h.config.ReadLimit)
	h.serve(r.Context(), conn)
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn) {
	var (
		wg      sync.WaitGroup
		writeMu sync.Mutex
	)
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		var req envelope
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				h.logger.Debug("coordinator disconnected")
			default:
				if ctx.Err() == nil {
					h.logger.Warn("read proposal failed", zap.Error(err))
				}
			}
			return
		}

		wg.Add(1)
		go func(req envelope) {
			defer wg.Done()
			reply := h.handle(ctx, req)
			writeMu.Lock()
			err := wsjson.Write(ctx, conn, reply)
			writeMu.Unlock()
			if err != nil && ctx.Err() == nil {
				h.logger.Warn("write vote failed", zap.String("request_id", req.RequestID), zap.Error(err))
			}
		}(req)
	}
}

func (h *Handler) handle(ctx context.Context, req envelope) envelope {
	reply := envelope{RequestID: req.RequestID}
	if req.Type != msgProposal || req.Proposal == nil {
		reply.Type = msgError
		reply.Error = fmt.Sprintf("expected proposal, got %q", req.Type)
		return reply
	}

	p := req.Proposal
	if !p.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, p.Deadline)
		defer cancel()
	}
	if h.config.DecideTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.DecideTimeout)
		defer cancel()
	}

	choice, err := h.decide(ctx, p)
	if err == nil && !hasCandidate(p, choice) {
		err = fmt.Errorf("choice %q is not a candidate", choice)
	}
	if err != nil {
		h.logger.Debug("abstaining", zap.String("conflict_id", p.ConflictID), zap.Error(err))
		reply.Type = msgError
		reply.Error = err.Error()
		return reply
	}

	h.logger.Debug("voted",
		zap.String("conflict_id", p.ConflictID),
		zap.String("selection_id", choice))
	reply.Type = msgVote
	reply.Vote = &consensus.Vote{VoterID: h.config.VoterID, SelectionID: choice}
	return reply
}

func hasCandidate(p *consensus.Proposal, id string) bool {
	for _, c := range p.Candidates {
		if c.ID == id {
			return true
		}
	}
	return false
}
