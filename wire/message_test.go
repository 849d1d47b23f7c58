package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// GET_SUCC style responses inline the descriptor fields at the top
// level of the envelope.
func TestMessageInlinesPeerFields(t *testing.T) {
	msg := &Message{
		Peer:    Peer{ID: "4b", MinKey: "4c", MaxKey: "4b", IPAddr: "127.0.0.1", Port: 5055},
		Success: true,
	}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "4b", decoded["ID"])
	assert.Equal(t, "127.0.0.1", decoded["IP_ADDR"])
	assert.Equal(t, float64(5055), decoded["PORT"])
	assert.Equal(t, true, decoded["SUCCESS"])
	assert.NotContains(t, decoded, "COMMAND")
	assert.NotContains(t, decoded, "ERRORS")
}

func TestMessageRequestShape(t *testing.T) {
	req := &Message{
		Command:     CmdCreateFragment,
		SenderID:    "a1",
		RecipientID: "b2",
		Key:         "c3",
		Fragment:    "1:12 13 14 15",
	}

	raw, err := json.Marshal(req)
	require.NoError(t, err)

	var parsed Message
	require.NoError(t, json.Unmarshal(raw, &parsed))
	assert.Equal(t, CmdCreateFragment, parsed.Command)
	assert.Equal(t, "a1", parsed.SenderID)
	assert.Equal(t, "b2", parsed.RecipientID)
	assert.Equal(t, "1:12 13 14 15", parsed.Fragment)
	assert.Nil(t, parsed.NewPeer)
}

func TestMessageNestedPeers(t *testing.T) {
	req := &Message{
		Command: CmdNotify,
		RecipID: "ff",
		NewPeer: &Peer{ID: "aa", MinKey: "ab", MaxKey: "aa", IPAddr: "10.0.0.2", Port: 9001},
	}

	raw, err := json.Marshal(req)
	require.NoError(t, err)

	var parsed Message
	require.NoError(t, json.Unmarshal(raw, &parsed))
	require.NotNil(t, parsed.NewPeer)
	assert.Equal(t, "aa", parsed.NewPeer.ID)
	assert.Equal(t, "", parsed.ID, "nested peer must not bleed into the envelope")
}
