package ingest

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-data/hallwatch/internal/httputil"
)

func TestHTTPRateControllerSetRate(t *testing.T) {
	t.Parallel()

	mock := &httputil.Mock{}
	mock.Reply(200, "")
	c := NewHTTPRateController("http://capture", mock)

	require.NoError(t, c.SetRate(context.Background(), "room-101", 5))
	require.Equal(t, 1, mock.Count())

	req := mock.Requests[0]
	assert.Equal(t, "http://capture/rate", req.URL.String())

	body, _ := io.ReadAll(req.Body)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "room-101", payload["source_id"])
	assert.EqualValues(t, 5, payload["fps"])
}

func TestHTTPRateControllerBurst(t *testing.T) {
	t.Parallel()

	mock := &httputil.Mock{}
	mock.Reply(200, "")
	c := NewHTTPRateController("http://capture", mock)

	require.NoError(t, c.RequestBurst(context.Background(), "room-101", 8*time.Second))

	body, _ := io.ReadAll(mock.Requests[0].Body)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.EqualValues(t, 8, payload["duration_seconds"])
}

func TestHTTPRateControllerRejectsBadStatus(t *testing.T) {
	t.Parallel()

	mock := &httputil.Mock{}
	mock.Reply(503, "")
	c := NewHTTPRateController("http://capture", mock)

	err := c.SetRate(context.Background(), "room-101", 5)
	assert.ErrorContains(t, err, "503")
}
