package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/packagewjx/gpu-fleet-monitor/pkg/server"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices/ingest", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(tokenHeader) != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) == "{}" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"device.slug and device.name are required","field":"device"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/api/servers", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&server.FleetData{
			LiveServers: 1,
			Result:      []*server.ServerInfo{{ID: 1, Name: "GPU 01"}},
		})
	})
	mux.HandleFunc("/api/servers/1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(&server.ServerInfo{ID: 1, Name: "GPU 01", ValidIP: "10.0.0.1"})
	})
	mux.HandleFunc("/api/servers/1/ip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"10.0.0.1"}`))
	})
	mux.HandleFunc("/api/servers/1/monitor", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`[{"recordedAt":"2024-05-01T11:00:00Z","gpuUtilization":10},
			{"recordedAt":"2024-05-01T11:05:00Z","gpuUtilization":20}]`))
	})
	mux.HandleFunc("/api/servers/2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"Device not found"}`))
	})
	mux.HandleFunc("/api/driver", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"mysql","totalDevices":3}`))
	})
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"healthy":true,"status":"ok"}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestApiClient_Ingest(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	c := NewApiClient(ts.URL+"/", "secret")
	assert.NoError(t, c.Ingest(ctx, []byte(`{"device":{"slug":"a","name":"b"}}`)))

	err := c.Ingest(ctx, []byte(`{}`))
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, "device", statusErr.Field)

	err = NewApiClient(ts.URL, "wrong").Ingest(ctx, []byte(`{}`))
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Equal(t, "Unauthorized", statusErr.Message)
}

func TestApiClient_Query(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := NewApiClient(ts.URL, "")

	data, err := c.GetServerData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, data.LiveServers)
	require.Len(t, data.Result, 1)

	info, err := c.GetServerDetail(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", info.ValidIP)

	_, err = c.GetServerDetail(ctx, 2)
	assert.Equal(t, server.ErrDeviceNotFound, err)

	assert.Equal(t, "10.0.0.1", c.GetServerIP(ctx, 1))
	assert.Equal(t, "", c.GetServerIP(ctx, 3))

	points, err := c.GetServerMonitor(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, float64(20), points[1].GpuUtilization)

	driver, err := c.GetDriverInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), driver.TotalDevices)

	assert.True(t, c.PerformHealthCheck(ctx))
	ts.Close()
	assert.False(t, c.PerformHealthCheck(ctx))
}
