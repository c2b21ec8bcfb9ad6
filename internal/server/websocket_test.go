package server_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/cascade/internal/server"
	"github.com/kode4food/cascade/pkg/api"
)

func dialEvents(t *testing.T, env *testServerEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.Router)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func subscribe(
	t *testing.T, conn *websocket.Conn, sub api.ClientSubscription,
) *api.SubscribedResult {
	t.Helper()
	require.NoError(t, conn.WriteJSON(api.SubscribeRequest{
		Type: "subscribe",
		Data: sub,
	}))

	var res api.SubscribedResult
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&res))
	assert.Equal(t, "subscribed", res.Type)
	return &res
}

func readEvent(t *testing.T, conn *websocket.Conn) *api.Event {
	t.Helper()
	var ev api.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	return &ev
}

func TestWebSocketStreamsInstanceEvents(t *testing.T) {
	env := testServer(t)
	conn := dialEvents(t, env)
	subscribe(t, conn, api.ClientSubscription{
		InstanceID: "ws-1",
		EventTypes: []api.EventType{api.EventInstanceStatus},
	})

	w := env.do("POST", "/workflows/quick", api.StartRequest{ID: "ws-1"})
	require.Equal(t, 201, w.Code)

	var seen []string
	for {
		ev := readEvent(t, conn)
		assert.Equal(t, api.InstanceID("ws-1"), ev.InstanceID)
		assert.Equal(t, api.EventInstanceStatus, ev.Type)
		seen = append(seen, ev.Status)
		if ev.IsTerminal() {
			break
		}
	}
	assert.Equal(t, []string{"running", "completed"}, seen)
}

func TestWebSocketSubscribedState(t *testing.T) {
	env := testServer(t)
	w := env.do("POST", "/workflows/quick", api.StartRequest{
		ID:   "ws-2",
		Wait: true,
	})
	require.Equal(t, 200, w.Code)

	conn := dialEvents(t, env)
	res := subscribe(t, conn, api.ClientSubscription{InstanceID: "ws-2"})
	assert.Equal(t, api.InstanceID("ws-2"), res.InstanceID)

	var inst api.Instance
	require.NoError(t, json.Unmarshal(res.Data, &inst))
	assert.Equal(t, api.InstanceCompleted, inst.Status)
}

func TestWebSocketIgnoresUnsubscribed(t *testing.T) {
	env := testServer(t)
	conn := dialEvents(t, env)

	w := env.do("POST", "/workflows/quick", api.StartRequest{
		ID:   "ws-3",
		Wait: true,
	})
	require.Equal(t, 200, w.Code)

	require.NoError(t,
		conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)),
	)
	var ev api.Event
	assert.Error(t, conn.ReadJSON(&ev))
}

func TestBuildFilter(t *testing.T) {
	step := &api.Event{
		Type:       api.EventStepStatus,
		InstanceID: "a",
	}
	status := &api.Event{
		Type:       api.EventInstanceStatus,
		InstanceID: "b",
	}

	all := server.BuildFilter(&api.ClientSubscription{})
	assert.True(t, all(step))
	assert.True(t, all(status))

	byID := server.BuildFilter(&api.ClientSubscription{InstanceID: "a"})
	assert.True(t, byID(step))
	assert.False(t, byID(status))

	byType := server.BuildFilter(&api.ClientSubscription{
		EventTypes: []api.EventType{api.EventInstanceStatus},
	})
	assert.False(t, byType(step))
	assert.True(t, byType(status))

	both := server.BuildFilter(&api.ClientSubscription{
		InstanceID: "a",
		EventTypes: []api.EventType{api.EventInstanceStatus},
	})
	assert.False(t, both(step))
	assert.False(t, both(status))
}
