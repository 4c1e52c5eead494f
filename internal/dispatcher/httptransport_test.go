package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetmesh/orchestrator/internal/types"
)

func TestHTTPTransport_DispatchTaskAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tasks/execute", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.Client())
	endpoint := strings.TrimPrefix(srv.URL, "http://")
	err := transport.DispatchTask(context.Background(), endpoint, &types.Task{TaskID: "t1"})
	require.NoError(t, err)
}

func TestHTTPTransport_DispatchTaskRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.Client())
	endpoint := strings.TrimPrefix(srv.URL, "http://")
	err := transport.DispatchTask(context.Background(), endpoint, &types.Task{TaskID: "t1"})
	require.Error(t, err)
}

func TestHTTPTransport_DispatchTaskUnreachable(t *testing.T) {
	transport := NewHTTPTransport(nil)
	err := transport.DispatchTask(context.Background(), "127.0.0.1:1", &types.Task{TaskID: "t1"})
	require.Error(t, err)
}

func TestHTTPTransport_CancelTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tasks/t1/cancel", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.Client())
	endpoint := strings.TrimPrefix(srv.URL, "http://")
	err := transport.CancelTask(context.Background(), endpoint, "t1")
	require.NoError(t, err)
}
