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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignalValidate(t *testing.T) {
	t.Run("valid signals pass", func(t *testing.T) {
		require.NoError(t, offerSignal("room-1", "1001", 1).Validate())
		require.NoError(t, answerSignal("room-1", "1001", 1).Validate())
		require.NoError(t, candidateSignal("room-1", "1001", "candidate:a", 0, 1).Validate())
		require.NoError(t, hangupSignal("room-1", "1001", ReasonHangup, 1).Validate())
	})

	t.Run("missing fields fail", func(t *testing.T) {
		require.Error(t, (&Signal{Room: "room-1"}).Validate())
		require.Error(t, (&Signal{Type: SignalOffer}).Validate())
		require.Error(t, (&Signal{Type: SignalOffer, Room: "room-1"}).Validate())
		require.Error(t, (&Signal{Type: SignalCandidate, Room: "room-1"}).Validate())
	})

	t.Run("end-of-gathering candidate is valid without mid or mline", func(t *testing.T) {
		sig := &Signal{Type: SignalCandidate, Room: "room-1", Candidate: &Candidate{}}
		require.NoError(t, sig.Validate())
	})

	t.Run("usable candidate needs a media association", func(t *testing.T) {
		sig := &Signal{
			Type: SignalCandidate, Room: "room-1",
			Candidate: &Candidate{Candidate: "candidate:a"},
		}
		require.Error(t, sig.Validate())
	})
}

func TestSignalDedupKey(t *testing.T) {
	a := offerSignal("room-1", "1001", 1000)
	b := offerSignal("room-1", "1001", 1000)
	require.Equal(t, a.dedupKey(), b.dedupKey())

	c := offerSignal("room-1", "1001", 1001)
	require.NotEqual(t, a.dedupKey(), c.dedupKey())

	d := answerSignal("room-1", "1001", 1000)
	require.NotEqual(t, a.dedupKey(), d.dedupKey())
}

func TestCandidateSignature(t *testing.T) {
	mid := "0"
	zero, one := uint16(0), uint16(1)
	a := &Candidate{Candidate: "candidate:a", SDPMid: &mid, SDPMLineIndex: &zero}
	b := &Candidate{Candidate: "candidate:a", SDPMid: &mid, SDPMLineIndex: &zero}
	c := &Candidate{Candidate: "candidate:a", SDPMid: &mid, SDPMLineIndex: &one}

	require.Equal(t, a.signature(), b.signature())
	require.NotEqual(t, a.signature(), c.signature())
}

func TestIdentityWins(t *testing.T) {
	t.Run("numeric identities compare numerically", func(t *testing.T) {
		require.True(t, identityWins("1001", "2002"))
		require.False(t, identityWins("2002", "1001"))
		// numeric, not lexicographic: 900 < 1000 even though "900" > "1000"
		require.True(t, identityWins("900", "1000"))
	})

	t.Run("non-numeric identities fall back to lexicographic", func(t *testing.T) {
		require.True(t, identityWins("alice", "bob"))
		require.False(t, identityWins("bob", "alice"))
		require.True(t, identityWins("1001", "alice"))
	})
}

func TestIceCredential(t *testing.T) {
	t.Run("session-level attributes", func(t *testing.T) {
		cred, err := iceCredential(&SessionDescription{Type: "offer", SDP: fakeSDP(3)})
		require.NoError(t, err)
		require.Equal(t, "frag0003:pwd0003", cred)
	})

	t.Run("credential changes between descriptions", func(t *testing.T) {
		a, err := iceCredential(&SessionDescription{Type: "offer", SDP: fakeSDP(1)})
		require.NoError(t, err)
		b, err := iceCredential(&SessionDescription{Type: "offer", SDP: fakeSDP(2)})
		require.NoError(t, err)
		require.NotEqual(t, a, b)
	})

	t.Run("description without credentials errors", func(t *testing.T) {
		_, err := iceCredential(&SessionDescription{
			Type: "offer",
			SDP:  "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n",
		})
		require.Error(t, err)
	})
}
