package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/exchange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type credMap map[string]exchange.Credentials

func (m credMap) GetCredentials(_ context.Context, clientID string) (exchange.Credentials, error) {
	c, ok := m[clientID]
	if !ok {
		return exchange.Credentials{}, core.ErrConfigMissing
	}
	return c, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []core.RiskEvent
}

func (l *eventLog) Publish(_ context.Context, _ core.Topic, ev core.RiskEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// bridge is a fake balance bridge that sends messages then waits for the client to leave.
func bridge(t *testing.T, messages ...string) (*httptest.Server, chan url.Values) {
	t.Helper()
	queries := make(chan url.Values, 4)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		queries <- r.URL.Query()
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv, queries
}

func testCreds() credMap {
	return credMap{"c1": {Exchange: "mock", APIKey: "key-1", APISecret: "secret-1"}}
}

func TestStream_URL(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
		wantErr  bool
	}{
		{"http://localhost:8090", "ws://localhost:8090/ws/realtime?api_key=k&api_secret=s", false},
		{"https://bridge.example.com/", "wss://bridge.example.com/ws/realtime?api_key=k&api_secret=s", false},
		{"ws://10.0.0.1:9000/base", "ws://10.0.0.1:9000/base/ws/realtime?api_key=k&api_secret=s", false},
		{"ftp://nope", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			s := NewStream(StreamConfig{Endpoint: tt.endpoint}, nil, nil, nil, nil)
			got, err := s.URL(exchange.Credentials{APIKey: "k", APISecret: "s"})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStream_ForwardsBalanceMessages(t *testing.T) {
	srv, queries := bridge(t,
		`{"type":"CONNECTION","accountId":"acc-1","status":"connected"}`,
		`{"type":"BALANCE_UPDATE","totalBalance":950.5,"previousBalance":1000}`,
		`{"type":"PNL_UPDATE","totalBalance":940,"totalUnrealizedPnl":-12.25}`,
		`{"type":"PNL_UPDATE","totalUnrealizedPnl":-3}`,
		`{"type":"ERROR","message":"upstream hiccup"}`,
		`not json`,
	)
	defer srv.Close()

	rec := &recorder{}
	s := NewStream(StreamConfig{Endpoint: srv.URL}, testCreds(), rec, nil, nil)

	require.NoError(t, s.Connect(context.Background(), "c1"))
	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 10*time.Millisecond)

	q := <-queries
	assert.Equal(t, "key-1", q.Get("api_key"))
	assert.Equal(t, "secret-1", q.Get("api_secret"))

	got := rec.all()
	assert.Equal(t, "c1", got[0].ClientID)
	assert.Equal(t, core.SourceWebSocket, got[0].Source)
	assert.Equal(t, "950.5", got[0].NewBalance.String())
	require.NotNil(t, got[0].PreviousBalance)
	assert.Equal(t, "1000", got[0].PreviousBalance.String())

	assert.Equal(t, "940", got[1].NewBalance.String())
	require.NotNil(t, got[1].UnrealizedPnl)
	assert.Equal(t, "-12.25", got[1].UnrealizedPnl.String())

	conn, ok := s.Registry().Get("c1")
	require.True(t, ok)
	assert.Equal(t, StateConnected, conn.State)
	assert.False(t, conn.LastMessage.IsZero())

	s.Close()
	assert.Equal(t, 0, s.Registry().Count())
}

func TestStream_ConnectTwice(t *testing.T) {
	srv, _ := bridge(t)
	defer srv.Close()

	s := NewStream(StreamConfig{Endpoint: srv.URL}, testCreds(), &recorder{}, nil, nil)
	defer s.Close()

	require.NoError(t, s.Connect(context.Background(), "c1"))
	assert.ErrorIs(t, s.Connect(context.Background(), "c1"), ErrAlreadyStreaming)
}

func TestStream_ConnectRequiresConfig(t *testing.T) {
	s := NewStream(StreamConfig{}, testCreds(), &recorder{}, nil, nil)
	assert.False(t, s.Enabled())
	assert.ErrorIs(t, s.Connect(context.Background(), "c1"), core.ErrConfigMissing)

	s = NewStream(StreamConfig{Endpoint: "http://localhost:1"}, testCreds(), &recorder{}, nil, nil)
	assert.ErrorIs(t, s.Connect(context.Background(), "unknown"), core.ErrConfigMissing)
}

func TestStream_PublishesMonitoringErrorAfterMaxFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	events := &eventLog{}
	s := NewStream(StreamConfig{
		Endpoint:       srv.URL,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MaxFailures:    3,
	}, testCreds(), &recorder{}, nil, nil)
	s.SetPublisher(events)

	require.NoError(t, s.Connect(context.Background(), "c1"))
	require.Eventually(t, func() bool { return events.len() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		c, _ := s.Registry().Get("c1")
		return c.Failures >= 6
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, events.len(), "one alert per failure streak")

	events.mu.Lock()
	ev := events.events[0]
	events.mu.Unlock()
	assert.Equal(t, core.EventMonitoringError, ev.EventType)
	assert.Equal(t, "c1", ev.ClientID)

	c, _ := s.Registry().Get("c1")
	assert.Equal(t, StateReconnecting, c.State)
	assert.NotEmpty(t, c.LastError)

	s.Disconnect("c1")
	_, ok := s.Registry().Get("c1")
	assert.False(t, ok)
}

func TestConnectionRegistry(t *testing.T) {
	r := NewConnectionRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	assert.True(t, r.Add("b", cancel, done))
	assert.False(t, r.Add("b", cancel, done))
	assert.True(t, r.Add("a", func() {}, make(chan struct{})))

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []string{"a", "b"}, r.IDs())
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ClientID)
	assert.Equal(t, StateConnecting, list[0].State)

	r.update("b", func(c *Connection) { c.State = StateConnected })
	assert.Equal(t, 1, r.Connected())

	ch := r.Remove("b")
	assert.NotNil(t, ch)
	assert.Error(t, ctx.Err(), "remove cancels the read loop")
	assert.Nil(t, r.Remove("b"))
	assert.Equal(t, 1, r.Count())
}
