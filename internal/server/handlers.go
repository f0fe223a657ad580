package server

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/packagewjx/gpu-fleet-monitor/internal/ingest"
	"github.com/packagewjx/gpu-fleet-monitor/pkg/server"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	IngestTokenHeader = "x-lab-token"
	SessionCookieName = "lab-session"
)

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type healthBody struct {
	Healthy   bool   `json:"healthy"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	Source    string `json:"source"`
}

var serverPathPattern = regexp.MustCompile(`^/api/servers/(\d+)(/monitor|/ip)?/?$`)

func (s *serverImpl) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices/ingest", s.handleIngest)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/servers", s.handleServerList)
	mux.HandleFunc("/api/servers/", s.handleServer)
	mux.HandleFunc("/api/driver", s.handleDriver)
	mux.HandleFunc("/healthz", func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte("OK"))
	})
	return mux
}

func (s *serverImpl) handleIngest(writer http.ResponseWriter, request *http.Request) {
	if !allowMethod(writer, request, http.MethodPost) {
		return
	}

	if s.config.IngestToken == "" {
		writeJSON(writer, http.StatusServiceUnavailable, errorBody{Error: "LabIngestToken is not configured"})
		return
	}
	token := request.Header.Get(IngestTokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.IngestToken)) != 1 {
		writeJSON(writer, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(writer, request.Body, s.config.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(writer, http.StatusRequestEntityTooLarge, errorBody{Error: "Payload too large"})
			return
		}
		writeJSON(writer, http.StatusBadRequest, errorBody{Error: "Invalid JSON payload"})
		return
	}

	payload, err := ingest.Normalize(body, s.now())
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			writeJSON(writer, http.StatusBadRequest, errorBody{Error: verr.Message, Field: verr.Field})
			return
		}
		s.logger.Error("解析上报数据出错", zap.Error(err))
		writeJSON(writer, http.StatusBadRequest, errorBody{Error: "Invalid JSON payload"})
		return
	}

	if err = s.dao.RecordSnapshot(request.Context(), payload); err != nil {
		s.logger.Error("保存上报数据失败", zap.String("slug", payload.Device.Slug), zap.Error(err))
		writeJSON(writer, http.StatusInternalServerError, errorBody{Error: "Failed to record snapshot"})
		return
	}

	writeJSON(writer, http.StatusCreated, map[string]bool{"ok": true})
}

func (s *serverImpl) handleHealth(writer http.ResponseWriter, request *http.Request) {
	if !allowMethod(writer, request, http.MethodGet) {
		return
	}
	if s.config.SitePassword != "" && !s.sessionChecker(request) {
		http.Redirect(writer, request, "/", http.StatusSeeOther)
		return
	}

	healthy := s.PerformHealthCheck(request.Context())
	body := healthBody{
		Healthy:   healthy,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		Status:    "ok",
		Source:    s.dao.Driver(),
	}
	status := http.StatusOK
	if !healthy {
		body.Status = "error"
		status = http.StatusServiceUnavailable
	}
	writeJSON(writer, status, body)
}

func (s *serverImpl) handleServerList(writer http.ResponseWriter, request *http.Request) {
	if !allowMethod(writer, request, http.MethodGet) {
		return
	}
	data, err := s.GetServerData(request.Context())
	if err != nil {
		writeJSON(writer, http.StatusInternalServerError, errorBody{Error: "Failed to load servers"})
		return
	}
	writeJSON(writer, http.StatusOK, data)
}

func (s *serverImpl) handleServer(writer http.ResponseWriter, request *http.Request) {
	if !allowMethod(writer, request, http.MethodGet) {
		return
	}
	subMatch := serverPathPattern.FindStringSubmatch(request.URL.Path)
	if subMatch == nil {
		http.NotFound(writer, request)
		return
	}
	id, err := strconv.ParseUint(subMatch[1], 10, 32)
	if err != nil {
		http.NotFound(writer, request)
		return
	}

	ctx := request.Context()
	switch subMatch[2] {
	case "/monitor":
		limit := 0
		if raw := request.URL.Query().Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				writeJSON(writer, http.StatusBadRequest, errorBody{Error: "Invalid limit", Field: "limit"})
				return
			}
		}
		points, err := s.GetServerMonitor(ctx, uint(id), limit)
		if err != nil {
			writeJSON(writer, http.StatusInternalServerError, errorBody{Error: "Failed to load monitor data"})
			return
		}
		writeJSON(writer, http.StatusOK, points)
	case "/ip":
		writeJSON(writer, http.StatusOK, map[string]string{"ip": s.GetServerIP(ctx, uint(id))})
	default:
		info, err := s.GetServerDetail(ctx, uint(id))
		if errors.Cause(err) == server.ErrDeviceNotFound {
			writeJSON(writer, http.StatusNotFound, errorBody{Error: "Device not found"})
			return
		} else if err != nil {
			writeJSON(writer, http.StatusInternalServerError, errorBody{Error: "Failed to load server"})
			return
		}
		writeJSON(writer, http.StatusOK, info)
	}
}

func (s *serverImpl) handleDriver(writer http.ResponseWriter, request *http.Request) {
	if !allowMethod(writer, request, http.MethodGet) {
		return
	}
	info, err := s.GetDriverInfo(request.Context())
	if err != nil {
		writeJSON(writer, http.StatusInternalServerError, errorBody{Error: "Failed to load driver info"})
		return
	}
	writeJSON(writer, http.StatusOK, info)
}

// 默认的会话检查：cookie中的值与站点密码一致
func (s *serverImpl) passwordCookieChecker(request *http.Request) bool {
	cookie, err := request.Cookie(SessionCookieName)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(s.config.SitePassword)) == 1
}

func allowMethod(writer http.ResponseWriter, request *http.Request, method string) bool {
	if request.Method == method {
		return true
	}
	writer.Header().Set("Allow", method)
	writeJSON(writer, http.StatusMethodNotAllowed, errorBody{Error: "Method Not Allowed"})
	return false
}

func writeJSON(writer http.ResponseWriter, status int, body interface{}) {
	marshal, err := json.Marshal(body)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusInternalServerError)
		return
	}

	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_, _ = writer.Write(marshal)
}
