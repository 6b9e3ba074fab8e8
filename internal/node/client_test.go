package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode answers JSON-RPC calls with handler's result or error.
func fakeNode(t *testing.T, handler func(method string, params json.RawMessage) (any, *jsonrpc2.Error)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req jsonrpc2.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var params json.RawMessage
		if req.Params != nil {
			params = *req.Params
		}
		result, rpcErr := handler(req.Method, params)
		resp := map[string]any{"jsonrpc": "2.0", "id": &req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestAliveRequiresConnectedPeers(t *testing.T) {
	peers := map[string]any{}
	srv, _ := fakeNode(t, func(method string, _ json.RawMessage) (any, *jsonrpc2.Error) {
		assert.Equal(t, "get_status", method)
		return map[string]any{"node_id": "N1", "connected_nodes": peers}, nil
	})
	c := New(srv.URL)
	assert.False(t, c.Alive(context.Background()))

	peers["N2"] = []any{"1.2.3.4", true}
	assert.True(t, c.Alive(context.Background()))
}

func TestAliveFalseOnErrors(t *testing.T) {
	srv, _ := fakeNode(t, func(string, json.RawMessage) (any, *jsonrpc2.Error) {
		return nil, &jsonrpc2.Error{Code: -32000, Message: "boom"}
	})
	assert.False(t, New(srv.URL).Alive(context.Background()))

	nullSrv, _ := fakeNode(t, func(string, json.RawMessage) (any, *jsonrpc2.Error) { return nil, nil })
	_, err := New(nullSrv.URL).Status(context.Background())
	assert.ErrorIs(t, err, ErrNoResult)
	assert.False(t, New(nullSrv.URL).Alive(context.Background()))

	down := httptest.NewServer(http.NotFoundHandler())
	url := down.URL
	down.Close()
	assert.False(t, New(url).Alive(context.Background()))
}

func TestAliveRespectsContextTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.False(t, New(srv.URL).Alive(ctx))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestHTTPClientTimeoutBoundsQueries(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := New(srv.URL, WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	start := time.Now()
	_, err := c.Addresses(context.Background(), []string{"AU1"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := New(srv.URL).Addresses(context.Background(), []string{"AU1"})
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusServiceUnavailable, he.Code)
}

func TestAddressesSendsNestedParams(t *testing.T) {
	var gotParams json.RawMessage
	srv, calls := fakeNode(t, func(method string, params json.RawMessage) (any, *jsonrpc2.Error) {
		assert.Equal(t, "get_addresses", method)
		gotParams = params
		return []map[string]any{{
			"address":              "AU1",
			"final_balance":        "12.5",
			"candidate_balance":    "13",
			"final_roll_count":     2,
			"candidate_roll_count": 3,
			"cycle_infos": []map[string]any{
				{"cycle": 10, "is_final": true, "ok_count": 4, "nok_count": 0, "active_rolls": 2},
				{"cycle": 11, "is_final": false, "ok_count": 1, "nok_count": 1, "active_rolls": nil},
			},
		}}, nil
	})
	infos, err := New(srv.URL).Addresses(context.Background(), []string{"AU1", "AU2"})
	require.NoError(t, err)
	assert.JSONEq(t, `[["AU1","AU2"]]`, string(gotParams))
	require.Len(t, infos, 1)
	assert.Equal(t, "12.5", infos[0].FinalBalance)
	assert.Equal(t, uint64(2), infos[0].FinalRollCount)
	require.Len(t, infos[0].CycleInfos, 2)
	assert.Nil(t, infos[0].CycleInfos[1].ActiveRolls)
	assert.Equal(t, uint64(2), *infos[0].CycleInfos[0].ActiveRolls)

	none, err := New(srv.URL).Addresses(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.Equal(t, int32(1), calls.Load(), "empty input must not call the node")
}

func TestRecentCycles(t *testing.T) {
	a := AddressInfo{CycleInfos: []CycleInfo{{Cycle: 3}, {Cycle: 5}, {Cycle: 4}, {Cycle: 1}}}
	got := a.RecentCycles(2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(5), got[0].Cycle)
	assert.Equal(t, uint64(4), got[1].Cycle)
	assert.Len(t, a.RecentCycles(10), 4)
	assert.Equal(t, uint64(3), a.CycleInfos[0].Cycle, "input is not reordered")
}
