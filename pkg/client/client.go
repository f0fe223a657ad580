package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/packagewjx/gpu-fleet-monitor/pkg/server"
	"github.com/pkg/errors"
)

const DefaultApiHostBaseUrl = "http://gpu-fleet-monitor.gpu-fleet-monitor:3000"

const tokenHeader = "x-lab-token"

// Client 在server.API之外提供上报接口
type Client interface {
	server.API
	// 上报一次采集数据，body为原始JSON
	Ingest(ctx context.Context, body []byte) error
}

// StatusError 服务器返回了非2xx状态码
type StatusError struct {
	StatusCode int
	Message    string
	Field      string
}

func (e *StatusError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("服务器返回%d：%s（%s）", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("服务器返回%d：%s", e.StatusCode, e.Message)
}

func NewApiClient(baseUrl, token string) Client {
	if baseUrl == "" {
		baseUrl = DefaultApiHostBaseUrl
	}
	return &apiClient{
		baseUrl: strings.TrimSuffix(baseUrl, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

var _ Client = &apiClient{}

type apiClient struct {
	baseUrl string
	token   string
	http    *http.Client
}

func (a *apiClient) Ingest(ctx context.Context, body []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseUrl+"/api/devices/ingest", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "创建请求时出现异常")
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(tokenHeader, a.token)
	return a.do(request, nil)
}

func (a *apiClient) GetServerData(ctx context.Context) (*server.FleetData, error) {
	dest := &server.FleetData{}
	if err := a.get(ctx, "/api/servers", dest); err != nil {
		return nil, err
	}
	return dest, nil
}

func (a *apiClient) GetServerDetail(ctx context.Context, id uint) (*server.ServerInfo, error) {
	dest := &server.ServerInfo{}
	err := a.get(ctx, fmt.Sprintf("/api/servers/%d", id), dest)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return nil, server.ErrDeviceNotFound
	} else if err != nil {
		return nil, err
	}
	return dest, nil
}

func (a *apiClient) GetServerMonitor(ctx context.Context, id uint, limit int) ([]*server.MonitorPoint, error) {
	path := fmt.Sprintf("/api/servers/%d/monitor", id)
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	dest := make([]*server.MonitorPoint, 0)
	if err := a.get(ctx, path, &dest); err != nil {
		return nil, err
	}
	return dest, nil
}

func (a *apiClient) GetServerIP(ctx context.Context, id uint) string {
	dest := struct {
		IP string `json:"ip"`
	}{}
	if err := a.get(ctx, fmt.Sprintf("/api/servers/%d/ip", id), &dest); err != nil {
		return ""
	}
	return dest.IP
}

func (a *apiClient) GetDriverInfo(ctx context.Context) (*server.DriverInfo, error) {
	dest := &server.DriverInfo{}
	if err := a.get(ctx, "/api/driver", dest); err != nil {
		return nil, err
	}
	return dest, nil
}

func (a *apiClient) PerformHealthCheck(ctx context.Context) bool {
	dest := struct {
		Healthy bool `json:"healthy"`
	}{}
	if err := a.get(ctx, "/api/health", &dest); err != nil {
		return false
	}
	return dest.Healthy
}

func (a *apiClient) get(ctx context.Context, path string, dest interface{}) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseUrl+path, nil)
	if err != nil {
		return errors.Wrap(err, "创建请求时出现异常")
	}
	return a.do(request, dest)
}

func (a *apiClient) do(request *http.Request, dest interface{}) error {
	response, err := a.http.Do(request)
	if err != nil {
		return errors.Wrap(err, "请求时出现异常")
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return errors.Wrap(err, "读取时出现异常")
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: response.StatusCode}
		errBody := struct {
			Error string `json:"error"`
			Field string `json:"field"`
		}{}
		if json.Unmarshal(body, &errBody) == nil && errBody.Error != "" {
			statusErr.Message = errBody.Error
			statusErr.Field = errBody.Field
		} else {
			statusErr.Message = http.StatusText(response.StatusCode)
		}
		return statusErr
	}

	if dest == nil {
		return nil
	}
	err = json.Unmarshal(body, dest)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("解析json异常，json为\n%s", string(body)))
	}
	return nil
}
