package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/massawatch/internal/bot"
	"github.com/loykin/massawatch/internal/config"
	"github.com/loykin/massawatch/internal/messenger"
	"github.com/loykin/massawatch/internal/notify"
	"github.com/loykin/massawatch/internal/registry"
	"github.com/loykin/massawatch/internal/runner"
)

const subscriber = int64(7)

func addr(c string) string { return "AU" + strings.Repeat(c, 51) }

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func runServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := natstest.DefaultTestOptions
	opts.Port = -1
	s := natstest.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

// fakeNode is always connected and reports a missed block in the latest
// cycle of every address it is asked about.
func fakeNode(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params [][]string      `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var result any
		switch req.Method {
		case "get_status":
			result = map[string]any{"node_id": "N1", "connected_nodes": map[string]any{"N2": []any{"10.0.0.2", true}}}
		case "get_addresses":
			var infos []map[string]any
			if len(req.Params) > 0 {
				for _, a := range req.Params[0] {
					infos = append(infos, map[string]any{
						"address":              a,
						"final_balance":        "12.5",
						"candidate_balance":    "12.5",
						"final_roll_count":     1,
						"candidate_roll_count": 1,
						"cycle_infos": []map[string]any{
							{"cycle": 10, "is_final": true, "ok_count": 5, "nok_count": 0, "active_rolls": 1},
							{"cycle": 11, "is_final": false, "ok_count": 3, "nok_count": 2, "active_rolls": 1},
						},
					})
				}
			}
			result = infos
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, natsURL, rpcURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DataDir: dir,
		Node: config.NodeConfig{
			Name:          "fake-node",
			Binary:        "/bin/sh",
			Args:          []string{"-c", "sleep 30"},
			RPCURL:        rpcURL,
			ProbeTimeout:  time.Second,
			QueryTimeout:  2 * time.Second,
			PollInterval:  50 * time.Millisecond,
			Cooldown:      50 * time.Millisecond,
			StopGrace:     time.Second,
			ShutdownGrace: 2 * time.Second,
		},
		Registry: config.RegistryConfig{DSN: filepath.Join(dir, "watching.csv")},
		Pipeline: config.PipelineConfig{
			Enabled: true,
			Config:  notify.Config{BatchSize: 10, Throttle: time.Minute},
		},
		Messenger: messenger.Config{URL: natsURL, Prefix: "mw", Admin: 1, Username: "massabot"},
		Runner:    runner.BackoffConfig{Floor: 50 * time.Millisecond, Ceiling: time.Second, Multiplier: 1.5, Window: time.Minute},
	}
}

func nextText(t *testing.T, sub *nats.Subscription) string {
	t.Helper()
	msg, err := sub.NextMsg(10 * time.Second)
	require.NoError(t, err)
	var m messenger.Message
	require.NoError(t, json.Unmarshal(msg.Data, &m))
	return m.Text
}

func TestSessionEndToEnd(t *testing.T) {
	requireUnix(t)
	if testing.Short() {
		t.Skip("spawns a child process")
	}
	s := runServer(t)
	rpc := fakeNode(t)
	cfg := testConfig(t, s.ClientURL(), rpc.URL)

	seed := registry.NewCSVStore(cfg.Registry.DSN)
	require.NoError(t, seed.Save(context.Background(), []registry.Row{
		{Subject: addr("a"), Subscriber: subscriber, Prefs: registry.DefaultPrefs()},
	}))

	peer, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	t.Cleanup(peer.Close)
	admin, err := peer.SubscribeSync("mw.admin")
	require.NoError(t, err)
	out, err := peer.SubscribeSync("mw.out.7")
	require.NoError(t, err)
	require.NoError(t, peer.Flush())

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Registry().Stats().Pairs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	assert.Equal(t, "Bot started successfully as massabot.", nextText(t, admin))
	assert.Equal(t, "API started successfully.", nextText(t, admin))
	assert.Contains(t, nextText(t, out), "Missed blocks detected")

	snap, ok := a.Node()
	require.True(t, ok)
	assert.True(t, snap.EverAlive)
	assert.True(t, a.PipelineStarted())

	data, _ := json.Marshal(bot.Request{Subscriber: 8, Private: true, Text: "/watch " + addr("b")})
	msg, err := peer.Request("mw.in", data, 5*time.Second)
	require.NoError(t, err)
	var reply messenger.Message
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.Equal(t, "Started watching address: "+addr("b"), reply.Text)

	data, _ = json.Marshal(bot.Request{Subscriber: subscriber, Private: true, Text: "/status"})
	msg, err = peer.Request("mw.in", data, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.True(t, reply.HTML)
	assert.Contains(t, reply.Text, addr("a"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Equal(t, "Bot stopped by user.", nextText(t, admin))

	_, ok = a.Node()
	assert.False(t, ok)

	f, err := os.ReadFile(cfg.Registry.DSN)
	require.NoError(t, err)
	assert.Contains(t, string(f), addr("a"))
	assert.Contains(t, string(f), addr("b")+",8,true,false")
}

func TestSessionRetriesWhenBinaryIsMissing(t *testing.T) {
	s := runServer(t)
	rpc := fakeNode(t)
	cfg := testConfig(t, s.ClientURL(), rpc.URL)
	cfg.Node.Binary = filepath.Join(t.TempDir(), "missing-node")

	peer, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	t.Cleanup(peer.Close)
	admin, err := peer.SubscribeSync("mw.admin")
	require.NoError(t, err)
	require.NoError(t, peer.Flush())

	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	assert.Equal(t, "Bot started successfully as massabot.", nextText(t, admin))
	assert.True(t, strings.HasPrefix(nextText(t, admin), "Error in main loop:"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
	_, err = os.Stat(cfg.Registry.DSN)
	assert.NoError(t, err, "registry is persisted after a failed session")
}

func TestRelayDialsWhenDetached(t *testing.T) {
	s := runServer(t)
	peer, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	t.Cleanup(peer.Close)
	admin, err := peer.SubscribeSync("mw.admin")
	require.NoError(t, err)
	require.NoError(t, peer.Flush())

	r := newRelay(messenger.Config{URL: s.ClientURL(), Prefix: "mw"}, nil)
	require.NoError(t, r.Notify(context.Background(), "detached"))
	assert.Equal(t, "detached", nextText(t, admin))
}

func TestNewRejectsBadRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watching.csv")
	require.NoError(t, os.WriteFile(path, []byte("address,user\nAU1,notanumber\n"), 0o644))
	cfg := &config.Config{Registry: config.RegistryConfig{DSN: path}}
	_, err := New(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, registry.ErrMalformedRow)
}
