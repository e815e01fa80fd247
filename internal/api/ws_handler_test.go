package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/relay-api/internal/broadcast"
	"github.com/phrazzld/relay-api/internal/domain"
)

type wsFixture struct {
	broadcaster *broadcast.Broadcaster
	server      *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broadcaster := broadcast.New(logger)
	handler := NewWSHandler(broadcaster, logger)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &wsFixture{broadcaster: broadcaster, server: server}
}

// dial connects an observer and consumes the connection welcome frame.
func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	t.Cleanup(func() { _ = conn.Close() })

	welcome := readMessage(t, conn)
	require.Equal(t, broadcast.TypeConnection, welcome.Type)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) broadcast.ServerMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg broadcast.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msgType, taskID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":    msgType,
		"task_id": taskID,
	}))
}

func TestWSHandler_SubscribeReceivesEvents(t *testing.T) {
	t.Parallel()

	f := newWSFixture(t)
	conn := f.dial(t)
	taskID := uuid.New()

	send(t, conn, "subscribe", taskID.String())
	ack := readMessage(t, conn)
	require.Equal(t, broadcast.TypeSubscribed, ack.Type)
	assert.Equal(t, taskID.String(), ack.TaskID)

	f.broadcaster.Publish(domain.ProgressEvent{
		TaskID:     taskID,
		Kind:       domain.StepThinking,
		StepNumber: 1,
		Content:    json.RawMessage(`{"text":"pondering"}`),
		Timestamp:  time.Now().UTC(),
	})

	event := readMessage(t, conn)
	assert.Equal(t, broadcast.TypeAgentThinking, event.Type)
	assert.Equal(t, taskID.String(), event.TaskID)
	assert.Equal(t, 1, event.StepNumber)
	assert.JSONEq(t, `{"text":"pondering"}`, string(event.Content))
}

func TestWSHandler_SubscribeDoesNotLeakOtherTasks(t *testing.T) {
	t.Parallel()

	f := newWSFixture(t)
	conn := f.dial(t)
	subscribed := uuid.New()
	other := uuid.New()

	send(t, conn, "subscribe", subscribed.String())
	require.Equal(t, broadcast.TypeSubscribed, readMessage(t, conn).Type)

	f.broadcaster.Publish(domain.ProgressEvent{
		TaskID:     other,
		Kind:       domain.StepAction,
		StepNumber: 1,
		Content:    json.RawMessage(`{}`),
		Timestamp:  time.Now().UTC(),
	})
	f.broadcaster.Publish(domain.ProgressEvent{
		TaskID:     subscribed,
		Kind:       domain.StepGoal,
		StepNumber: 1,
		Content:    json.RawMessage(`{}`),
		Timestamp:  time.Now().UTC(),
	})

	// Only the subscribed task's event arrives.
	event := readMessage(t, conn)
	assert.Equal(t, broadcast.TypeAgentGoal, event.Type)
	assert.Equal(t, subscribed.String(), event.TaskID)
}

func TestWSHandler_LateSubscriberGetsRetainedStatus(t *testing.T) {
	t.Parallel()

	f := newWSFixture(t)
	taskID := uuid.New()

	phase := domain.AgentPhaseRunning
	model := "gpt-4o"
	f.broadcaster.UpdateStatus(taskID, domain.StatusPatch{Phase: &phase, Model: &model})

	conn := f.dial(t)
	send(t, conn, "subscribe", taskID.String())
	require.Equal(t, broadcast.TypeSubscribed, readMessage(t, conn).Type)

	status := readMessage(t, conn)
	require.Equal(t, broadcast.TypeAgentStatus, status.Type)
	require.NotNil(t, status.Status)
	assert.Equal(t, string(domain.AgentPhaseRunning), status.Status.Phase)
	assert.Equal(t, "gpt-4o", status.Status.Model)
}

func TestWSHandler_Unsubscribe(t *testing.T) {
	t.Parallel()

	f := newWSFixture(t)
	conn := f.dial(t)
	taskID := uuid.New()

	send(t, conn, "subscribe", taskID.String())
	require.Equal(t, broadcast.TypeSubscribed, readMessage(t, conn).Type)

	send(t, conn, "unsubscribe", taskID.String())
	ack := readMessage(t, conn)
	require.Equal(t, broadcast.TypeUnsubscribed, ack.Type)

	f.broadcaster.Publish(domain.ProgressEvent{
		TaskID:     taskID,
		Kind:       domain.StepThinking,
		StepNumber: 2,
		Content:    json.RawMessage(`{}`),
		Timestamp:  time.Now().UTC(),
	})

	// Nothing should arrive after unsubscribing.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var msg broadcast.ServerMessage
	err := conn.ReadJSON(&msg)
	assert.Error(t, err)
}

func TestWSHandler_Ping(t *testing.T) {
	t.Parallel()

	f := newWSFixture(t)
	conn := f.dial(t)

	send(t, conn, "ping", "")
	msg := readMessage(t, conn)
	assert.Equal(t, broadcast.TypePong, msg.Type)
}

func TestWSHandler_ProtocolErrors(t *testing.T) {
	t.Parallel()

	t.Run("unknown message type", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		conn := f.dial(t)

		send(t, conn, "teleport", "")
		msg := readMessage(t, conn)
		require.Equal(t, broadcast.TypeError, msg.Type)
		assert.Contains(t, msg.Message, "unknown message type")
	})

	t.Run("subscribe without a task id", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		conn := f.dial(t)

		send(t, conn, "subscribe", "not-a-uuid")
		msg := readMessage(t, conn)
		require.Equal(t, broadcast.TypeError, msg.Type)
		assert.Contains(t, msg.Message, "task_id")
	})
}

func TestWSHandler_DisconnectPrunesSubscriber(t *testing.T) {
	t.Parallel()

	f := newWSFixture(t)
	conn := f.dial(t)
	taskID := uuid.New()

	send(t, conn, "subscribe", taskID.String())
	require.Equal(t, broadcast.TypeSubscribed, readMessage(t, conn).Type)
	require.NoError(t, conn.Close())

	// The handler removes the sender once the read loop observes the close.
	require.Eventually(t, func() bool {
		return f.broadcaster.SubscriberCount(taskID) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
