package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shivangiamit/hackathon/internal/reasoning/engine"
)

func dialQueries(t *testing.T, f *fixture, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/queries"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

// readAll collects messages until the server closes the connection.
func readAll(t *testing.T, conn *websocket.Conn) ([]WSMessage, error) {
	t.Helper()
	var msgs []WSMessage
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
}

func TestWebSocketStreamsStagesThenResult(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	conn := dialQueries(t, f, nil)

	require.NoError(t, conn.WriteJSON(QueryRequest{
		FarmerID: "farmer-ws",
		Query:    "Is my soil too dry?",
		Sensors:  sensors(),
	}))
	msgs, err := readAll(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.NotEmpty(t, msgs)

	last := msgs[len(msgs)-1]
	require.Equal(t, MessageTypeResult, last.Type)
	require.NotNil(t, last.Result)
	assert.True(t, last.Result.Success)
	assert.Empty(t, last.Error)

	var stages []engine.State
	for _, m := range msgs[:len(msgs)-1] {
		require.Equal(t, MessageTypeStage, m.Type)
		require.NotNil(t, m.Stage)
		assert.Equal(t, last.RunID, m.RunID)
		stages = append(stages, m.Stage.Stage)
	}
	require.NotEmpty(t, stages)
	assert.Contains(t, stages, engine.StatePersist)
}

func TestWebSocketInvalidQuery(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	conn := dialQueries(t, f, nil)

	require.NoError(t, conn.WriteJSON(QueryRequest{FarmerID: "farmer-ws"}))
	msgs, err := readAll(t, conn)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageTypeError, msgs[0].Type)
	assert.Contains(t, msgs[0].Error, "required")
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/queries"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketAPIKeyQueryParam(t *testing.T) {
	f := newFixture(t, fixtureOpts{cfg: Config{APIKey: "s3cret"}})
	base := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/queries"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, resp, err := websocket.DefaultDialer.Dial(base+"?api_key=s3cret", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}
