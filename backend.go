// Copyright 2025 Pairly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package callkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// AdmitResult is the backend's call-admission decision. Busy is an
// expected outcome, not an error: the receiver (or the caller) is already
// engaged.
type AdmitResult struct {
	Room      string
	SessionID int64
	Busy      bool
}

// Backend is the call-admission service: it admits outgoing calls
// (assigning the room and session identifier), and is notified of
// accept/decline/end so the other leg and call history stay consistent.
type Backend interface {
	Admit(ctx context.Context, callee string, kind CallKind) (*AdmitResult, error)
	Accept(ctx context.Context, room string) error
	Decline(ctx context.Context, room string) error
	End(ctx context.Context, room string, reason EndReason) error
}

const (
	backendRequestDest = "call-control"
	backendReplyPrefix = "call-control/"
)

type backendRequest struct {
	ID     string    `json:"id"`
	From   string    `json:"from"`
	Action string    `json:"action"`
	Callee string    `json:"callee,omitempty"`
	Room   string    `json:"room,omitempty"`
	Kind   CallKind  `json:"kind,omitempty"`
	Reason EndReason `json:"reason,omitempty"`
}

type backendReply struct {
	ID        string `json:"id"`
	Room      string `json:"room,omitempty"`
	SessionID int64  `json:"sessionId,omitempty"`
	Busy      bool   `json:"busy,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TransportBackend implements Backend as request/reply over the signaling
// transport, correlating replies by request identifier on the client's
// private reply destination.
type TransportBackend struct {
	transport *ReliableTransport
	identity  string

	mu      sync.Mutex
	pending map[string]chan *backendReply
}

// NewTransportBackend wires a backend client over transport. Subscribe is
// registered immediately and survives reconnects.
func NewTransportBackend(transport *ReliableTransport, identity string) (*TransportBackend, error) {
	b := &TransportBackend{
		transport: transport,
		identity:  identity,
		pending:   make(map[string]chan *backendReply),
	}
	err := transport.Subscribe(backendReplyPrefix+identity, b.handleReply)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *TransportBackend) Admit(ctx context.Context, callee string, kind CallKind) (*AdmitResult, error) {
	reply, err := b.call(ctx, &backendRequest{Action: "admit", Callee: callee, Kind: kind})
	if err != nil {
		return nil, err
	}
	return &AdmitResult{Room: reply.Room, SessionID: reply.SessionID, Busy: reply.Busy}, nil
}

func (b *TransportBackend) Accept(ctx context.Context, room string) error {
	_, err := b.call(ctx, &backendRequest{Action: "accept", Room: room})
	return err
}

func (b *TransportBackend) Decline(ctx context.Context, room string) error {
	_, err := b.call(ctx, &backendRequest{Action: "decline", Room: room})
	return err
}

func (b *TransportBackend) End(ctx context.Context, room string, reason EndReason) error {
	_, err := b.call(ctx, &backendRequest{Action: "end", Room: room, Reason: reason})
	return err
}

func (b *TransportBackend) call(ctx context.Context, req *backendRequest) (*backendReply, error) {
	req.ID = uuid.NewString()
	req.From = b.identity

	ch := make(chan *backendReply, 1)
	b.mu.Lock()
	b.pending[req.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	if err := b.transport.Publish(backendRequestDest, req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-ch:
		if reply.Error != "" {
			return nil, fmt.Errorf("backend: %s", reply.Error)
		}
		return reply, nil
	}
}

func (b *TransportBackend) handleReply(payload []byte) {
	reply := &backendReply{}
	if err := json.Unmarshal(payload, reply); err != nil {
		logger.Debugw("dropping malformed backend reply", "error", err)
		return
	}
	b.mu.Lock()
	ch := b.pending[reply.ID]
	b.mu.Unlock()
	if ch != nil {
		select {
		case ch <- reply:
		default:
		}
	}
}
