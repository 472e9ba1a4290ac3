package broadcast

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shensi8312/design-institute-platform-sub001/internal/jobs"
	"github.com/shensi8312/design-institute-platform-sub001/internal/pipeline"
)

type fakeRuns map[string]pipeline.Run

func (f fakeRuns) GetRun(id string) (pipeline.Run, bool) {
	run, ok := f[id]
	return run, ok
}

var hubEpoch = time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

func startHub(t *testing.T, runs RunSource) (*Hub, string) {
	t.Helper()
	hub := NewHub(runs, WithHeartbeat(time.Second), WithClock(func() time.Time { return hubEpoch }))
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestHub_RejectsAnonymousClients(t *testing.T) {
	_, url := startHub(t, nil)
	conn := dial(t, url)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "unauthorized", closeErr.Text)
}

func TestHub_ConnectAndCommands(t *testing.T) {
	runs := fakeRuns{
		"p1": {
			ID:         "p1",
			DocumentID: "d1",
			Status:     pipeline.StatusCompleted,
			Steps: map[pipeline.Stage]pipeline.StepState{
				pipeline.StageRecognition: {Status: pipeline.StatusCompleted, Result: &pipeline.StepResult{Success: true, TextLength: 42}},
			},
			Summary: &pipeline.Summary{TextExtracted: true, TextLength: 42, ProcessingTime: pipeline.Millis(1500 * time.Millisecond)},
		},
	}
	hub, url := startHub(t, runs)
	conn := dial(t, url+"?userId=u1")

	msg := readMessage(t, conn)
	assert.Equal(t, "connected", msg.Type)
	assert.True(t, msg.Timestamp.Equal(hubEpoch))
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"u1"}, hub.Identities())

	send(t, conn, map[string]string{"type": "subscribe", "documentId": "d1"})
	msg = readMessage(t, conn)
	assert.Equal(t, "subscribed", msg.Type)
	assert.Equal(t, "d1", msg.DocumentID)

	send(t, conn, map[string]string{"type": "get:status", "processId": "p1"})
	msg = readMessage(t, conn)
	assert.Equal(t, "status", msg.Type)
	assert.Equal(t, "completed", msg.Status)
	require.Contains(t, msg.Steps, pipeline.StageRecognition)
	assert.Equal(t, 42, msg.Steps[pipeline.StageRecognition].Result.TextLength)
	require.NotNil(t, msg.Results)
	assert.Equal(t, int64(1500), msg.Results.DurationMillis)

	send(t, conn, map[string]string{"type": "get:status", "processId": "nope"})
	msg = readMessage(t, conn)
	assert.Equal(t, "status:notfound", msg.Type)
	assert.Equal(t, "nope", msg.ProcessID)

	// garbage and unknown commands are ignored
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	send(t, conn, map[string]string{"type": "dance"})

	send(t, conn, map[string]string{"type": "ping"})
	msg = readMessage(t, conn)
	assert.Equal(t, "pong", msg.Type)

	send(t, conn, map[string]string{"type": "unsubscribe", "documentId": "d1"})
	msg = readMessage(t, conn)
	assert.Equal(t, "unsubscribed", msg.Type)
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	hub, url := startHub(t, nil)
	a := dial(t, url+"?userId=u1")
	b := dial(t, url+"?userId=u1")
	c := dial(t, url+"?token=t2")
	for _, conn := range []*websocket.Conn{a, b, c} {
		assert.Equal(t, "connected", readMessage(t, conn).Type)
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"t2", "u1"}, hub.Identities())

	hub.HandlePipelineEvent(pipeline.StepProgress{
		Meta:    pipeline.Meta{ProcessID: "p1", DocumentID: "d1", Time: time.Now()},
		Step:    pipeline.StageVectorization,
		Percent: 40,
		Current: 2,
		Total:   5,
		Unit:    "chunk",
	})

	for _, conn := range []*websocket.Conn{a, b, c} {
		msg := readMessage(t, conn)
		assert.Equal(t, "step:progress", msg.Type)
		assert.Equal(t, "vectorization", msg.Step)
		assert.Equal(t, "Vectorization", msg.StepName)
		require.NotNil(t, msg.Progress)
		assert.Equal(t, 40, *msg.Progress)
		assert.Equal(t, "chunk", msg.Unit)
	}

	hub.SendTo("t2", Message{Type: "notice", Message: "only t2"})
	assert.Equal(t, "notice", readMessage(t, c).Type)
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url+"?userId=u1")
	readMessage(t, conn)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, hub.Identities())
}

func TestHub_SubscriptionAcksEchoCurrentSet(t *testing.T) {
	_, url := startHub(t, nil)
	conn := dial(t, url+"?userId=u1")
	readMessage(t, conn)

	send(t, conn, map[string]string{"type": "subscribe", "documentId": "b"})
	assert.Equal(t, []string{"b"}, readMessage(t, conn).Subscriptions)
	send(t, conn, map[string]string{"type": "subscribe", "documentId": "a"})
	assert.Equal(t, []string{"a", "b"}, readMessage(t, conn).Subscriptions)

	send(t, conn, map[string]string{"type": "unsubscribe", "documentId": "b"})
	msg := readMessage(t, conn)
	assert.Equal(t, "unsubscribed", msg.Type)
	assert.Equal(t, []string{"a"}, msg.Subscriptions)

	send(t, conn, map[string]string{"type": "unsubscribe", "documentId": "a"})
	assert.Empty(t, readMessage(t, conn).Subscriptions)
}

func TestFromPipelineEvent(t *testing.T) {
	meta := pipeline.Meta{ProcessID: "p1", DocumentID: "d1", Time: time.Unix(100, 0)}

	msg := fromPipelineEvent(pipeline.StepComplete{
		Meta:   meta,
		Step:   pipeline.StageGraphExtraction,
		Result: pipeline.StepResult{Success: true, EntityCount: 3},
		Err:    errors.New("graph down"),
	})
	assert.Equal(t, "step:complete", msg.Type)
	assert.Equal(t, "graph down", msg.Error)
	require.NotNil(t, msg.Result)
	assert.False(t, msg.Result.Success)
	assert.Equal(t, 3, msg.Result.EntityCount)

	msg = fromPipelineEvent(pipeline.ProcessError{Meta: meta, Err: "boom", Reason: "document unreadable"})
	assert.Equal(t, "process:error", msg.Type)
	assert.Equal(t, "boom", msg.Error)
	assert.Equal(t, "document unreadable", msg.Reason)
	assert.Equal(t, meta.Time, msg.Timestamp)
}

func TestFromJobEvent(t *testing.T) {
	job := jobs.Job{
		ID:           "doc-d1-1",
		Document:     jobs.DocumentInfo{ID: "d1", Name: "a.pdf"},
		Status:       jobs.StatusDelayed,
		AttemptsMade: 1,
		MaxAttempts:  3,
	}
	msg := fromJobEvent(jobs.Event{
		Type:      jobs.EventFailed,
		Job:       job,
		Err:       "service unavailable",
		WillRetry: true,
		Delay:     2 * time.Second,
		Time:      time.Unix(5, 0),
	})
	assert.Equal(t, "job:failed", msg.Type)
	assert.Equal(t, "d1", msg.DocumentID)
	assert.Equal(t, "service unavailable", msg.Error)
	require.NotNil(t, msg.Job)
	assert.True(t, msg.Job.WillRetry)
	assert.Equal(t, int64(2000), msg.Job.DelayMillis)
	assert.Nil(t, msg.Progress)
}

func TestExhaustionMessage(t *testing.T) {
	msg := exhaustionMessage(jobs.Event{
		Type: jobs.EventFailed,
		Job: jobs.Job{
			ID:           "doc-d1-1",
			Document:     jobs.DocumentInfo{ID: "d1", Name: "a.pdf"},
			Status:       jobs.StatusFailed,
			AttemptsMade: 3,
			MaxAttempts:  3,
		},
		Err:       "service unavailable",
		Exhausted: true,
		Time:      time.Unix(9, 0),
	})
	assert.Equal(t, "process:error", msg.Type)
	assert.Equal(t, "d1", msg.DocumentID)
	assert.Equal(t, "failed", msg.Status)
	assert.Equal(t, "gave up after 3 attempt(s): service unavailable", msg.Error)
	assert.Equal(t, "gave up after repeated failures", msg.Reason)
	assert.Equal(t, time.Unix(9, 0), msg.Timestamp)
	require.NotNil(t, msg.Job)
	assert.True(t, msg.Job.Exhausted)
}

func TestHub_ExhaustedJobAlsoSendsProcessError(t *testing.T) {
	hub, url := startHub(t, fakeRuns{})
	conn := dial(t, url+"?userId=u1")
	readMessage(t, conn)

	job := jobs.Job{
		ID:           "doc-d1-1",
		Document:     jobs.DocumentInfo{ID: "d1", Name: "a.pdf"},
		Status:       jobs.StatusFailed,
		AttemptsMade: 2,
		MaxAttempts:  2,
	}
	hub.HandleJobEvent(jobs.Event{Type: jobs.EventFailed, Job: job, Err: "boom", WillRetry: true})
	assert.Equal(t, "job:failed", readMessage(t, conn).Type)

	hub.HandleJobEvent(jobs.Event{Type: jobs.EventFailed, Job: job, Err: "boom", Exhausted: true})
	msg := readMessage(t, conn)
	assert.Equal(t, "job:failed", msg.Type)
	require.NotNil(t, msg.Job)
	assert.True(t, msg.Job.Exhausted)

	msg = readMessage(t, conn)
	assert.Equal(t, "process:error", msg.Type)
	assert.Equal(t, "gave up after repeated failures", msg.Reason)
}
