package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/packagewjx/gpu-fleet-monitor/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
)

func TestServerConfig_Complete(t *testing.T) {
	config := ServerConfig{
		Port:           DefaultPort,
		DatabaseDriver: DriverSqlite,
		DatabaseDSN:    ":memory:",
	}
	configCopy := config
	require.NoError(t, configCopy.Complete())
	assert.Equal(t, DefaultFreshnessWindow, configCopy.FreshnessWindow)
	assert.Equal(t, DefaultMonitorLimit, configCopy.MonitorLimit)
	assert.Equal(t, int64(DefaultMaxBodyBytes), configCopy.MaxBodyBytes)
	assert.Equal(t, float64(DefaultIdleThreshold), configCopy.IdleThresholdPercent)

	configCopy = config
	configCopy.IdleThresholdPercent = 25
	require.NoError(t, configCopy.Complete())
	assert.Equal(t, float64(25), configCopy.IdleThresholdPercent)

	configCopy = config
	configCopy.Port = 0
	assert.Error(t, configCopy.Complete())

	configCopy = config
	configCopy.FreshnessWindow = time.Second
	assert.Error(t, configCopy.Complete())

	configCopy = config
	configCopy.IdleThresholdPercent = 120
	assert.Error(t, configCopy.Complete())

	configCopy = config
	configCopy.DatabaseDSN = ""
	assert.Error(t, configCopy.Complete())

	// mysql没有DSN时使用环境变量
	t.Setenv("MYSQL_SERVICE_HOST", "db")
	t.Setenv("MYSQL_SERVICE_PORT", "3306")
	configCopy = ServerConfig{Port: DefaultPort}
	require.NoError(t, configCopy.Complete())
	assert.Equal(t, DriverMysql, configCopy.DatabaseDriver)
	assert.Contains(t, configCopy.DatabaseDSN, "@tcp(db:3306)/")

	// 令牌不会出现在日志中
	configCopy.IngestToken = "top-secret"
	assert.NotContains(t, configCopy.String(), "top-secret")
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(&ServerConfig{
		Port:           DefaultPort,
		DatabaseDriver: DriverSqlite,
		DatabaseDSN:    ":memory:",
	}, zap.NewNop())
	assert.NoError(t, err)

	_, err = NewServer(&ServerConfig{Port: 80}, zap.NewNop())
	assert.Error(t, err)
}

const validBody = `{
	"device":{"slug":"gpu-01","name":"GPU 01","ipAddress":"10.0.0.1"},
	"snapshot":{"recordedAt":"2024-05-01T11:59:00Z"},
	"accelerators":[{"name":"A100","memoryTotalBytes":100,"memoryUsedBytes":50,"utilization":70}]}`

func doRequest(handler http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		request.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	result := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &result), recorder.Body.String())
	return result
}

func TestServer_Ingest(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.buildHandler()
	token := map[string]string{IngestTokenHeader: "secret"}

	recorder := doRequest(handler, http.MethodPost, "/api/devices/ingest", validBody, nil)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, "Unauthorized", decodeBody(t, recorder)["error"])

	recorder = doRequest(handler, http.MethodPost, "/api/devices/ingest", validBody,
		map[string]string{IngestTokenHeader: "secreT"})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = doRequest(handler, http.MethodGet, "/api/devices/ingest", "", token)
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)

	recorder = doRequest(handler, http.MethodPost, "/api/devices/ingest", `{"device":{"name":"x"}}`, token)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, "device.slug and device.name are required", body["error"])
	assert.Equal(t, "device", body["field"])

	recorder = doRequest(handler, http.MethodPost, "/api/devices/ingest", `not json`, token)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "Invalid JSON payload", decodeBody(t, recorder)["error"])

	recorder = doRequest(handler, http.MethodPost, "/api/devices/ingest", validBody, token)
	assert.Equal(t, http.StatusCreated, recorder.Code)
	assert.Equal(t, true, decodeBody(t, recorder)["ok"])

	count, err := s.dao.CountDevices(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestServer_IngestWithoutToken(t *testing.T) {
	s := newTestServer(t, &ServerConfig{
		Port:           DefaultPort,
		DatabaseDriver: DriverSqlite,
		DatabaseDSN:    ":memory:",
	})
	recorder := doRequest(s.buildHandler(), http.MethodPost, "/api/devices/ingest", validBody,
		map[string]string{IngestTokenHeader: ""})
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Equal(t, "LabIngestToken is not configured", decodeBody(t, recorder)["error"])
}

func TestServer_IngestTooLarge(t *testing.T) {
	s := newTestServer(t, &ServerConfig{
		Port:           DefaultPort,
		DatabaseDriver: DriverSqlite,
		DatabaseDSN:    ":memory:",
		IngestToken:    "secret",
		MaxBodyBytes:   64,
	})
	recorder := doRequest(s.buildHandler(), http.MethodPost, "/api/devices/ingest", validBody,
		map[string]string{IngestTokenHeader: "secret"})
	assert.Equal(t, http.StatusRequestEntityTooLarge, recorder.Code)
}

func TestServer_IngestStoreFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	dao, err := newDao(DriverMysql, mysql.New(mysql.Config{Conn: db, SkipInitializeWithVersion: true}), false, zap.NewNop())
	require.NoError(t, err)

	config := &ServerConfig{Port: DefaultPort, DatabaseDriver: DriverMysql, DatabaseDSN: "mock", IngestToken: "secret"}
	require.NoError(t, config.Complete())
	s := newServerImpl(config, dao, zap.NewNop())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `devices`").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	recorder := doRequest(s.buildHandler(), http.MethodPost, "/api/devices/ingest", validBody,
		map[string]string{IngestTokenHeader: "secret"})
	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
	assert.Equal(t, "Failed to record snapshot", decodeBody(t, recorder)["error"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.buildHandler()

	recorder := doRequest(handler, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, DriverSqlite, body["source"])
	assert.Equal(t, "2024-05-01T12:00:00Z", body["timestamp"])

	recorder = doRequest(handler, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, "OK", recorder.Body.String())

	/*
		配置站点密码后需要会话
	*/
	s.config.SitePassword = "pw"
	recorder = doRequest(handler, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusSeeOther, recorder.Code)
	assert.Equal(t, "/", recorder.Header().Get("Location"))

	recorder = doRequest(handler, http.MethodGet, "/api/health", "", map[string]string{"Cookie": SessionCookieName + "=pw"})
	assert.Equal(t, http.StatusOK, recorder.Code)

	s.sessionChecker = func(r *http.Request) bool { return true }
	sqlDB, err := s.dao.DB().DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	recorder = doRequest(handler, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	body = decodeBody(t, recorder)
	assert.Equal(t, false, body["healthy"])
	assert.Equal(t, "error", body["status"])
}

func TestServer_Query(t *testing.T) {
	s := newTestServer(t, nil)
	handler := s.buildHandler()
	token := map[string]string{IngestTokenHeader: "secret"}
	require.Equal(t, http.StatusCreated, doRequest(handler, http.MethodPost, "/api/devices/ingest", validBody, token).Code)

	recorder := doRequest(handler, http.MethodGet, "/api/servers", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	data := &server.FleetData{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), data))
	require.Len(t, data.Result, 1)
	assert.Equal(t, 1, data.LiveServers)
	assert.NotContains(t, recorder.Body.String(), "10.0.0.1")
	id := data.Result[0].ID

	recorder = doRequest(handler, http.MethodGet, "/api/servers/"+itoa(id), "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	info := &server.ServerInfo{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), info))
	assert.Equal(t, "10.0.0.1", info.ValidIP)
	assert.Equal(t, float64(70), info.Status.GPU)

	recorder = doRequest(handler, http.MethodGet, "/api/servers/999", "", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = doRequest(handler, http.MethodGet, "/api/servers/abc", "", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	recorder = doRequest(handler, http.MethodGet, "/api/servers/"+itoa(id)+"/ip", "", nil)
	assert.Equal(t, "10.0.0.1", decodeBody(t, recorder)["ip"])

	recorder = doRequest(handler, http.MethodGet, "/api/servers/"+itoa(id)+"/monitor?limit=10", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	points := make([]*server.MonitorPoint, 0)
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &points))
	require.Len(t, points, 1)
	assert.Equal(t, float64(70), points[0].GpuUtilization)

	recorder = doRequest(handler, http.MethodGet, "/api/servers/"+itoa(id)+"/monitor?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = doRequest(handler, http.MethodGet, "/api/driver", "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	driver := &server.DriverInfo{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), driver))
	assert.Equal(t, int64(1), driver.TotalDevices)
}

func itoa(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
