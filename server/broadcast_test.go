package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/pulse/schedule"
)

func TestWebSocketReceivesExecutionEvents(t *testing.T) {
	env := newTestEnv(t)
	job := env.createDaily(t, "09:00")

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool {
		return env.srv.Hub().ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	r, _ := env.do(t, http.MethodPost, "/api/schedules/"+job.ID+"/execute", nil)
	require.Equal(t, http.StatusOK, r.StatusCode)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var started, finished ExecutionEventMessage
	require.NoError(t, conn.ReadJSON(&started))
	require.NoError(t, conn.ReadJSON(&finished))

	assert.Equal(t, EventExecutionStarted, started.Type)
	assert.Equal(t, job.ID, started.JobID)
	assert.Equal(t, EventExecutionFinished, finished.Type)
	assert.Equal(t, started.ExecutionID, finished.ExecutionID)
	assert.Equal(t, string(schedule.ExecutionSuccess), finished.Status)

	conn.Close()
	assert.Eventually(t, func() bool {
		return env.srv.Hub().ClientCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestBroadcastDropsWhenQueueFull(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t).Sugar())
	slow := &Client{hub: hub, sendMsg: make(chan interface{}, 1), id: "slow"}
	require.NoError(t, hub.register(slow))

	job := &schedule.Job{ID: "JB_1", PostID: 1}
	hub.BroadcastExecutionStarted(job, "PX_1")
	assert.Equal(t, 0, hub.broadcastMessage("second"))

	msg := <-slow.sendMsg
	assert.Equal(t, EventExecutionStarted, msg.(ExecutionEventMessage).Type)

	hub.unregister(slow)
	hub.unregister(slow) // idempotent
	assert.Zero(t, hub.ClientCount())
	_, open := <-slow.sendMsg
	assert.False(t, open)
}

func TestHubClientLimit(t *testing.T) {
	hub := NewHub(nil)
	for i := 0; i < MaxClients; i++ {
		require.NoError(t, hub.register(&Client{hub: hub, sendMsg: make(chan interface{}, 1), id: fmt.Sprint(i)}))
	}
	err := hub.register(&Client{hub: hub, sendMsg: make(chan interface{}, 1), id: "extra"})
	assert.True(t, errors.IsConflictError(err))

	hub.CloseAll()
	assert.Zero(t, hub.ClientCount())
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{"", nil, true},
		{"http://localhost:3000", nil, true},
		{"http://127.0.0.1:8787", nil, true},
		{"https://example.com", nil, false},
		{"https://app.example.com", []string{"https://app.example.com"}, true},
		{"http://localhost:3000", []string{"https://app.example.com"}, false},
		{"https://anything.test", []string{"*"}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, checkOrigin(tt.origin, tt.allowed), "%q with %v", tt.origin, tt.allowed)
	}
}

func TestStartServesHTTPAndGRPCHealth(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	srv := NewServer(Config{Addr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0"}, Deps{}, log)
	require.NoError(t, srv.Start())
	defer srv.Stop(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := grpc.NewClient(srv.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: DispatcherHealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, res.Status)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer stopCancel()
	require.NoError(t, srv.Stop(stopCtx))
	require.NoError(t, srv.Stop(stopCtx))

	_, err = http.Get("http://" + srv.Addr() + "/health")
	assert.Error(t, err)
}

func TestStartFailsWhenPortTaken(t *testing.T) {
	first := NewServer(Config{Addr: "127.0.0.1:0"}, Deps{}, nil)
	require.NoError(t, first.Start())
	defer first.Stop(context.Background())

	second := NewServer(Config{Addr: first.Addr()}, Deps{}, nil)
	err := second.Start()
	require.Error(t, err)
	assert.NotEmpty(t, errors.GetAllHints(err))
}
