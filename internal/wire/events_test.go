package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode_SplitsEnvelopeOnly(t *testing.T) {
	req := require.New(t)

	env, err := Decode([]byte(`{"type":"signal","roomId":"main","payload":{"userId":"bob","sdpType":"offer","sdp":"v=0"}}`))
	req.NoError(err)
	req.Equal(TypeSignal, env.Type)
	req.Equal("main", string(env.RoomID))

	// The payload stays raw until the handler picks a shape
	var p SignalPayload
	req.NoError(json.Unmarshal(env.Payload, &p))
	req.Equal("bob", string(p.UserID))
	req.Equal("offer", p.SDPType)
	req.Nil(p.Candidate)
}

func TestDecode_RejectsGarbage(t *testing.T) {
	req := require.New(t)

	_, err := Decode([]byte(`{broken`))
	req.Error(err)
}

func TestNewEnvelope_RoundTrip(t *testing.T) {
	req := require.New(t)

	env, err := NewEnvelope(TypeKickUser, "main", UserPayload{UserID: "bob"})
	req.NoError(err)

	data, err := json.Marshal(env)
	req.NoError(err)

	back, err := Decode(data)
	req.NoError(err)
	req.Equal(TypeKickUser, back.Type)
	var p UserPayload
	req.NoError(json.Unmarshal(back.Payload, &p))
	req.Equal("bob", string(p.UserID))
}

func TestSignalPayload_CandidateShape(t *testing.T) {
	req := require.New(t)

	raw := `{"userId":"bob","candidate":{"candidate":"candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host","sdpMid":"0","sdpMLineIndex":0}}`
	var p SignalPayload
	req.NoError(json.Unmarshal([]byte(raw), &p))
	req.Empty(p.SDP)
	req.NotNil(p.Candidate)
	req.Equal("0", *p.Candidate.SDPMid)
	req.Equal(uint16(0), *p.Candidate.SDPMLineIndex)
}
