package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

const xcall = "cxf4958b242a264fc11d7d8d95f79035e35b21c1bb"

func trackerEntry(sn int) map[string]any {
	indexed, _ := json.Marshal([]string{"ResponseMessage(int,int,str)", "0x" + strconv.FormatInt(int64(sn), 16)})
	return map[string]any{
		"address":          xcall,
		"indexed":          string(indexed),
		"data":             `["0x0",""]`,
		"transaction_hash": "0xabc",
		"block_number":     1000 + sn,
		"method":           "ResponseMessage",
	}
}

func TestFetchRecentLogsPages(t *testing.T) {
	var queries []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/logs", r.URL.Path)
		q := r.URL.Query()
		queries = append(queries, map[string]string{"address": q.Get("address"), "limit": q.Get("limit"), "skip": q.Get("skip")})
		skip, _ := strconv.Atoi(q.Get("skip"))
		var page []any
		switch skip {
		case 0:
			page = []any{trackerEntry(5), trackerEntry(4)}
		case 2:
			page = []any{trackerEntry(3), map[string]any{"address": xcall, "indexed": nil}}
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL + "/", Chain: "berlin", PageSize: 2, Pages: 3}, nil, nil)
	require.NoError(t, err)

	logs, err := client.FetchRecentLogs(context.Background(), xcall)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	require.Equal(t, "ResponseMessage(int,int,str)", logs[0].Signature)
	require.Equal(t, "0x5", logs[0].Indexed[1])
	require.Equal(t, uint64(1005), logs[0].Height)
	require.Equal(t, "berlin", logs[2].Chain)
	require.Equal(t, []string{"0x0", ""}, logs[2].Data)

	require.Len(t, queries, 3)
	require.Equal(t, map[string]string{"address": xcall, "limit": "2", "skip": "0"}, queries[0])
	require.Equal(t, "2", queries[1]["skip"])
	require.Equal(t, "4", queries[2]["skip"])
}

func TestFetchRecentLogsStopsOnShortPage(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode([]any{trackerEntry(1)})
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, PageSize: 10, Pages: 5}, nil, nil)
	require.NoError(t, err)
	logs, err := client.FetchRecentLogs(context.Background(), xcall)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, 1, calls)
}

func TestFetchRecentLogsNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL}, nil, nil)
	require.NoError(t, err)
	logs, err := client.FetchRecentLogs(context.Background(), xcall)
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestFetchRecentLogsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL}, nil, nil)
	require.NoError(t, err)
	_, err = client.FetchRecentLogs(context.Background(), xcall)
	require.ErrorContains(t, err, "status=502")

	_, err = client.FetchRecentLogs(context.Background(), " ")
	require.ErrorContains(t, err, "contract required")
}

func TestRateLimitHonoursContext(t *testing.T) {
	client, err := New(Config{BaseURL: "http://127.0.0.1:1", RequestsPerSecond: 0.001}, nil, nil)
	require.NoError(t, err)
	require.True(t, client.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.FetchRecentLogs(ctx, xcall)
	require.Error(t, err)
}

func TestFetchRecentLogsDropsMalformedEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"address":"cx1","indexed":"[not json"},` +
			`{"address":"cx1","indexed":"[\"RollbackMessage(int)\",\"0x2a\"]"}]`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL}, nil, nil)
	require.NoError(t, err)
	logs, err := client.FetchRecentLogs(context.Background(), xcall)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "RollbackMessage(int)", logs[0].Signature)
	require.Equal(t, "0x2a", logs[0].Indexed[1])
}
