package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/research41/stata-mcp/internal/history"
)

func TestSendIndexesDocument(t *testing.T) {
	var (
		body []byte
		path string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	s := New(ts.URL+"/", "idx")
	e := history.Event{
		Type:       history.EventSpawn,
		OccurredAt: at,
		Record:     history.Record{Service: "localhost:4000", PID: 42, State: "starting"},
	}
	require.NoError(t, s.Send(context.Background(), e))
	assert.True(t, strings.HasPrefix(path, "/idx-2026.03.04/_doc/"), path)
	assert.Len(t, strings.TrimPrefix(path, "/idx-2026.03.04/_doc/"), 36)
	assert.Equal(t, "spawn", gjson.GetBytes(body, "type").String())
	assert.Equal(t, int64(42), gjson.GetBytes(body, "record.pid").Int())
	assert.Equal(t, "localhost:4000", gjson.GetBytes(body, "record.service").String())
	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "2026-03-04T10:00:00Z", doc["@timestamp"])
}

func TestSendReportsStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "mapper_parsing_exception")
	}))
	defer ts.Close()
	err := New(ts.URL, "idx").Send(context.Background(), history.Event{Type: history.EventExit})
	assert.ErrorContains(t, err, "400")
	assert.ErrorContains(t, err, "mapper_parsing_exception")
}
