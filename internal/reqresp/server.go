// Package reqresp implements the node's three request/response protocols
// — direct messages, node descriptions, and story sync — as JSON-over-
// libp2p-stream exchanges sharing one timeout and per-peer concurrency
// policy.
package reqresp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	klog "github.com/inkmesh/node/internal/log"
	"github.com/inkmesh/node/internal/wire"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// maxStorySyncResults caps a single StorySyncResponse regardless of how
// many stories match, so one sync can't produce an unbounded reply.
const maxStorySyncResults = 500

// maxRequestBytes bounds how much is read off a stream before giving up:
// by a handler reading a request, and by roundTrip reading a response.
const maxRequestBytes = 1 << 20

// DirectMessageHandler verifies and applies an inbound direct message.
// The caller MUST verify from matches the authenticated stream peer
// before this is invoked — Server does that verification itself.
type DirectMessageHandler func(from peer.ID, req DirectMessageRequest) DirectMessageResponse

// NodeDescriptionHandler returns the local node's description for peer.
type NodeDescriptionHandler func(peer peer.ID) NodeDescriptionResponse

// StorySyncHandler returns stories in req.Channels created strictly after
// req.LastSyncTimestamp. The handler, not Server, is responsible for the
// channel filter — Server only enforces the response-size cap.
type StorySyncHandler func(from peer.ID, req StorySyncRequest) StorySyncResponse

// Server owns the three protocol stream handlers and the per-peer inflight
// counters bounding how many concurrent requests one peer may have open.
type Server struct {
	host        host.Host
	timeout     time.Duration
	maxInflight int

	mu       sync.Mutex
	inflight map[peer.ID]int

	dmHandler   DirectMessageHandler
	descHandler NodeDescriptionHandler
	syncHandler StorySyncHandler
}

// New creates a Server bound to h. timeout applies to both sides of every
// exchange; maxInflightPerPeer caps how many requests from a single peer
// this node will process concurrently.
func New(h host.Host, timeout time.Duration, maxInflightPerPeer int) *Server {
	if maxInflightPerPeer <= 0 {
		maxInflightPerPeer = 8
	}
	return &Server{
		host:        h,
		timeout:     timeout,
		maxInflight: maxInflightPerPeer,
		inflight:    make(map[peer.ID]int),
	}
}

// RegisterDirectMessageHandler installs the handler and the stream handler.
func (s *Server) RegisterDirectMessageHandler(fn DirectMessageHandler) {
	s.dmHandler = fn
	s.host.SetStreamHandler(ProtoDirectMessage, s.handleDirectMessage)
}

// RegisterNodeDescriptionHandler installs the handler and the stream handler.
func (s *Server) RegisterNodeDescriptionHandler(fn NodeDescriptionHandler) {
	s.descHandler = fn
	s.host.SetStreamHandler(ProtoNodeDescription, s.handleNodeDescription)
}

// RegisterStorySyncHandler installs the handler and the stream handler.
func (s *Server) RegisterStorySyncHandler(fn StorySyncHandler) {
	s.syncHandler = fn
	s.host.SetStreamHandler(ProtoStorySync, s.handleStorySync)
}

func (s *Server) acquire(p peer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[p] >= s.maxInflight {
		return false
	}
	s.inflight[p]++
	return true
}

func (s *Server) release(p peer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[p] > 0 {
		s.inflight[p]--
		if s.inflight[p] == 0 {
			delete(s.inflight, p)
		}
	}
}

func (s *Server) handleDirectMessage(stream network.Stream) {
	defer stream.Close()
	from := stream.Conn().RemotePeer()
	if !s.acquire(from) {
		stream.Reset()
		return
	}
	defer s.release(from)

	var req DirectMessageRequest
	stream.SetReadDeadline(time.Now().Add(s.timeout))
	if err := json.NewDecoder(io.LimitReader(stream, maxRequestBytes)).Decode(&req); err != nil {
		return
	}

	// The recipient MUST verify the claimed sender peer ID matches the
	// authenticated stream peer ID before accepting.
	if req.FromPeerID != from {
		klog.RequestResp.Warn().Str("claimed", req.FromPeerID.String()).Str("actual", from.String()).
			Msg("direct message sender mismatch, rejecting")
		json.NewEncoder(stream).Encode(DirectMessageResponse{Status: StatusRejected, Reason: "sender mismatch"})
		return
	}

	if err := wire.ValidateDirectMessage(req.Message); err != nil {
		json.NewEncoder(stream).Encode(DirectMessageResponse{Status: StatusRejected, Reason: err.Error()})
		return
	}

	var resp DirectMessageResponse
	if s.dmHandler != nil {
		resp = s.dmHandler(from, req)
	} else {
		resp = DirectMessageResponse{Status: StatusRejected, Reason: "no handler registered"}
	}
	json.NewEncoder(stream).Encode(&resp)
}

func (s *Server) handleNodeDescription(stream network.Stream) {
	defer stream.Close()
	from := stream.Conn().RemotePeer()
	if !s.acquire(from) {
		stream.Reset()
		return
	}
	defer s.release(from)

	var resp NodeDescriptionResponse
	if s.descHandler != nil {
		resp = s.descHandler(from)
	}
	json.NewEncoder(stream).Encode(&resp)
}

func (s *Server) handleStorySync(stream network.Stream) {
	defer stream.Close()
	from := stream.Conn().RemotePeer()
	if !s.acquire(from) {
		stream.Reset()
		return
	}
	defer s.release(from)

	var req StorySyncRequest
	stream.SetReadDeadline(time.Now().Add(s.timeout))
	if err := json.NewDecoder(io.LimitReader(stream, maxRequestBytes)).Decode(&req); err != nil {
		return
	}

	var resp StorySyncResponse
	if s.syncHandler != nil {
		resp = s.syncHandler(from, req)
	}
	if len(resp.Stories) > maxStorySyncResults {
		resp.Stories = resp.Stories[:maxStorySyncResults]
	}
	json.NewEncoder(stream).Encode(&resp)
}

// RequestDirectMessage sends a direct message to peerID and waits for its response.
func (s *Server) RequestDirectMessage(ctx context.Context, peerID peer.ID, req DirectMessageRequest) (DirectMessageResponse, error) {
	var resp DirectMessageResponse
	err := s.roundTrip(ctx, peerID, ProtoDirectMessage, &req, &resp)
	return resp, err
}

// RequestNodeDescription asks peerID for its node description.
func (s *Server) RequestNodeDescription(ctx context.Context, peerID peer.ID) (NodeDescriptionResponse, error) {
	var resp NodeDescriptionResponse
	err := s.roundTrip(ctx, peerID, ProtoNodeDescription, &NodeDescriptionRequest{}, &resp)
	return resp, err
}

// RequestStorySync asks peerID for stories in the given channels.
func (s *Server) RequestStorySync(ctx context.Context, peerID peer.ID, req StorySyncRequest) (StorySyncResponse, error) {
	var resp StorySyncResponse
	err := s.roundTrip(ctx, peerID, ProtoStorySync, &req, &resp)
	return resp, err
}

func (s *Server) roundTrip(ctx context.Context, peerID peer.ID, proto protocol.ID, req, resp interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.host.NewStream(ctx, peerID, proto)
	if err != nil {
		return fmt.Errorf("reqresp: open %s stream: %w", proto, err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(req); err != nil {
		return fmt.Errorf("reqresp: send %s request: %w", proto, err)
	}
	stream.CloseWrite()

	deadline, _ := ctx.Deadline()
	stream.SetReadDeadline(deadline)
	if err := json.NewDecoder(io.LimitReader(stream, maxRequestBytes)).Decode(resp); err != nil {
		return fmt.Errorf("reqresp: read %s response: %w", proto, err)
	}
	return nil
}
