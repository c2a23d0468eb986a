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

// calldemo places or receives one call against a signaling endpoint.
//
//	calldemo -url ws://localhost:7980 -identity 1001            # wait for a call
//	calldemo -url ws://localhost:7980 -identity 1001 -call 1002 # call 1002
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	callkit "github.com/pairly-app/callkit-go"
)

var (
	url, token, identity, name, callee, iceServers string
	video                                          bool
)

func init() {
	flag.StringVar(&url, "url", "", "signaling endpoint url")
	flag.StringVar(&token, "token", "", "signaling auth token")
	flag.StringVar(&identity, "identity", "", "local identity")
	flag.StringVar(&name, "name", "", "display name")
	flag.StringVar(&callee, "call", "", "identity to call; empty waits for an incoming call")
	flag.StringVar(&iceServers, "ice", "stun:stun.l.google.com:19302", "comma-separated ice server urls")
	flag.BoolVar(&video, "video", false, "place a video call")
}

func main() {
	_ = godotenv.Load()
	flag.Parse()
	if url == "" {
		url = os.Getenv("CALLKIT_URL")
	}
	if token == "" {
		token = os.Getenv("CALLKIT_TOKEN")
	}
	if identity == "" {
		identity = os.Getenv("CALLKIT_IDENTITY")
	}
	if url == "" || identity == "" {
		fmt.Println("invalid arguments: -url and -identity are required")
		return
	}

	callkit.SetLogger(callkit.NewDevelopmentLogger())

	provider, err := callkit.NewDeviceProvider()
	if err != nil {
		panic(err)
	}

	engine, err := callkit.NewCallEngine(callkit.EngineOptions{
		Identity:      identity,
		DisplayName:   name,
		Transport:     callkit.NewSignalClient(url, token),
		MediaProvider: provider,
		ICEServers:    strings.Split(iceServers, ","),
	})
	if err != nil {
		panic(err)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{}, 1)
	unsubscribe := engine.Subscribe(&callkit.CallCallback{
		OnStateChanged: func(state callkit.SessionState, info *callkit.CallInfo) {
			if info != nil {
				fmt.Printf("state: %s (room %s)\n", state, info.Room)
			} else {
				fmt.Printf("state: %s\n", state)
			}
		},
		OnIncoming: func(info *callkit.CallInfo) {
			fmt.Printf("incoming %s call from %s, accepting\n", info.Kind, info.RemoteIdentity)
			go func() {
				if err := engine.AcceptIncoming(ctx, info.Room); err != nil {
					fmt.Println("accept failed:", err)
				}
			}()
		},
		OnEnded: func(reason callkit.EndReason, info *callkit.CallInfo) {
			fmt.Printf("call ended: %s after %s\n", reason, info.Duration)
			select {
			case done <- struct{}{}:
			default:
			}
		},
		OnError: func(reason string, err error) {
			fmt.Printf("error (%s): %v\n", reason, err)
		},
	})
	defer unsubscribe()

	if err := engine.Start(ctx); err != nil {
		panic(err)
	}

	if callee != "" {
		kind := callkit.KindVoice
		if video {
			kind = callkit.KindVideo
		}
		if err := engine.Initiate(ctx, callee, name, kind); err != nil {
			panic(err)
		}
	}

	select {
	case <-ctx.Done():
		engine.EndCall()
	case <-done:
	}
}
