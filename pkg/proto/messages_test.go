package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyticsAll_DecodesNodeReply(t *testing.T) {
	raw := `{
		"success": true,
		"data": {
			"download_counts": {"abc_0": 3},
			"peer_status": {
				"http://b:8080/": {"status": "ok", "last_checked": 10, "capabilities": {"can_initiate_http": true}}
			},
			"capabilities": {"node_id": "a", "can_initiate_http": true}
		}
	}`
	var got AnalyticsAll
	require.NoError(t, json.Unmarshal([]byte(raw), &got))

	assert.True(t, got.Success)
	require.NotNil(t, got.Data)
	assert.Equal(t, "ok", got.Data.PeerStatus["http://b:8080/"].Status)
	assert.Equal(t, "a", got.Data.Capabilities["node_id"])
}

func TestAnalyticsAll_MissingData(t *testing.T) {
	var got AnalyticsAll
	require.NoError(t, json.Unmarshal([]byte(`{"success": true}`), &got))
	assert.Nil(t, got.Data)
}

func TestChunkPushResponse_OmitsEmptyError(t *testing.T) {
	b, err := json.Marshal(ChunkPushResponse{Success: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success": true}`, string(b))
}
