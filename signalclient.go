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
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// wsEnvelope is the frame exchanged with the signaling backend: a named
// destination plus an opaque payload.
type wsEnvelope struct {
	Destination string          `json:"destination"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Subscribe   bool            `json:"subscribe,omitempty"`
}

// SignalClient is the websocket implementation of SignalTransport. It
// performs a single dial per Connect; reconnection policy belongs to
// ReliableTransport.
type SignalClient struct {
	urlPrefix string
	token     string

	lock sync.Mutex
	conn *websocket.Conn

	handlerLock  sync.RWMutex
	handlers     map[string]func([]byte)
	onDisconnect func(error)
}

// NewSignalClient creates a client for the signaling endpoint. token may
// be empty when the endpoint does not require one.
func NewSignalClient(urlPrefix, token string) *SignalClient {
	return &SignalClient{
		urlPrefix: urlPrefix,
		token:     token,
		handlers:  make(map[string]func([]byte)),
	}
}

func (c *SignalClient) OnDisconnect(fn func(err error)) {
	c.handlerLock.Lock()
	c.onDisconnect = fn
	c.handlerLock.Unlock()
}

func (c *SignalClient) Connect(ctx context.Context, identity string) error {
	prefix := c.urlPrefix
	if strings.HasPrefix(prefix, "http") {
		prefix = strings.Replace(prefix, "http", "ws", 1)
	}
	u, err := url.Parse(fmt.Sprintf("%s/signal?identity=%s&version=%s", prefix, url.QueryEscape(identity), Version))
	if err != nil {
		return err
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return err
	}

	c.lock.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.lock.Unlock()

	go c.readWorker(conn)
	return nil
}

func (c *SignalClient) Subscribe(destination string, handler func(payload []byte)) error {
	c.handlerLock.Lock()
	c.handlers[destination] = handler
	c.handlerLock.Unlock()
	return c.write(&wsEnvelope{Destination: destination, Subscribe: true})
}

func (c *SignalClient) Publish(destination string, payload []byte) error {
	return c.write(&wsEnvelope{Destination: destination, Payload: payload})
}

func (c *SignalClient) Close() error {
	c.lock.Lock()
	conn := c.conn
	c.conn = nil
	c.lock.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *SignalClient) write(env *wsEnvelope) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *SignalClient) readWorker(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.lock.Lock()
			current := c.conn == conn
			if current {
				c.conn = nil
			}
			c.lock.Unlock()

			// only the live connection's failure is a disconnect; a
			// superseded reader exits quietly
			if current {
				c.handlerLock.RLock()
				fn := c.onDisconnect
				c.handlerLock.RUnlock()
				if fn != nil {
					fn(err)
				}
			}
			return
		}

		env := &wsEnvelope{}
		if err := json.Unmarshal(payload, env); err != nil {
			logger.Debugw("dropping malformed transport frame", "error", err)
			continue
		}
		c.handlerLock.RLock()
		handler := c.handlers[env.Destination]
		c.handlerLock.RUnlock()
		if handler != nil {
			handler(env.Payload)
		}
	}
}
