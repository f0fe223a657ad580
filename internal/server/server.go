package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/packagewjx/gpu-fleet-monitor/internal/aggregate"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultPort            = 3000
	DefaultDatabaseDriver  = DriverMysql
	DefaultFreshnessWindow = aggregate.DefaultFreshnessWindow
	DefaultIdleThreshold   = aggregate.DefaultIdleThresholdPercent
	DefaultMonitorLimit    = 288
	DefaultMaxBodyBytes    = 4 << 20
)

const shutdownTimeout = 10 * time.Second

// SessionChecker 判断请求是否来自已登录的会话
type SessionChecker func(r *http.Request) bool

type ServerConfig struct {
	Port                 uint16        // 本服务器监听端口
	DatabaseDriver       string        // mysql、postgres或sqlite
	DatabaseDSN          string        // 为空且使用mysql时，从MYSQL_SERVICE_HOST与MYSQL_SERVICE_PORT环境变量生成
	IngestToken          string        `json:"-"` // 为空时拒绝所有上报
	SitePassword         string        `json:"-"` // 不为空时健康检查需要登录
	FreshnessWindow      time.Duration // 超过此时间没有快照的设备视为离线
	IdleThresholdPercent float64       // 显存利用率低于此值的加速卡视为空闲
	MonitorLimit         int           // 监控曲线默认返回的点数
	MaxBodyBytes         int64         // 上报请求体的最大字节数
}

func (s ServerConfig) String() string {
	marshal, _ := json.Marshal(s)
	return string(marshal)
}

func (config *ServerConfig) Complete() error {
	if config.Port < 1024 {
		return fmt.Errorf("端口号应该在1024到65535之间，现在为%d", config.Port)
	}

	if config.DatabaseDriver == "" {
		config.DatabaseDriver = DefaultDatabaseDriver
	}
	if config.DatabaseDSN == "" {
		if config.DatabaseDriver != DriverMysql {
			return fmt.Errorf("数据库类型为%s时必须指定DSN", config.DatabaseDriver)
		}
		config.DatabaseDSN = fmt.Sprintf("root:%s@tcp(%s:%s)/fleet?charset=utf8mb4&parseTime=True&loc=UTC",
			os.Getenv("MYSQL_PASSWORD"), os.Getenv("MYSQL_SERVICE_HOST"), os.Getenv("MYSQL_SERVICE_PORT"))
	}

	if config.FreshnessWindow == 0 {
		config.FreshnessWindow = DefaultFreshnessWindow
	} else if config.FreshnessWindow < time.Minute {
		return fmt.Errorf("在线判定时间不能短于1分钟，现在是%fs", config.FreshnessWindow.Seconds())
	}

	if config.IdleThresholdPercent == 0 {
		config.IdleThresholdPercent = DefaultIdleThreshold
	} else if config.IdleThresholdPercent < 0 || config.IdleThresholdPercent > 100 {
		return fmt.Errorf("空闲阈值应该在0到100之间，现在为%f", config.IdleThresholdPercent)
	}

	if config.MonitorLimit <= 0 {
		config.MonitorLimit = DefaultMonitorLimit
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}

	return nil
}

func (config *ServerConfig) aggregateConfig() aggregate.Config {
	return aggregate.Config{
		FreshnessWindow:      config.FreshnessWindow,
		IdleThresholdPercent: config.IdleThresholdPercent,
	}
}

type Server interface {
	Start() error
}

func NewServer(config *ServerConfig, logger *zap.Logger) (Server, error) {
	if err := config.Complete(); err != nil {
		return nil, err
	}

	dao, err := NewDao(config.DatabaseDriver, config.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}

	return newServerImpl(config, dao, logger), nil
}

func newServerImpl(config *ServerConfig, dao Dao, logger *zap.Logger) *serverImpl {
	s := &serverImpl{
		config: config,
		dao:    dao,
		logger: logger.Named("server"),
		now:    time.Now,
	}
	s.sessionChecker = s.passwordCookieChecker
	return s
}

type serverImpl struct {
	config         *ServerConfig
	dao            Dao
	logger         *zap.Logger
	now            func() time.Time
	sessionChecker SessionChecker
}

func (s *serverImpl) Start() error {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.logger.Info("服务器启动", zap.Stringer("config", s.config))
	if s.config.IngestToken == "" {
		s.logger.Warn("没有配置上报令牌，所有上报请求将被拒绝")
	}

	server := s.buildServer()
	errCh := make(chan error)
	go s.serve(server, errCh)

	// 注册信号接收器
	termSigChan := make(chan os.Signal, 1)
	signal.Notify(termSigChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-termSigChan:
		shutdownCtx, shutdownCancel := context.WithTimeout(rootCtx, shutdownTimeout)
		defer shutdownCancel()
		err := server.Shutdown(shutdownCtx)
		if err != nil {
			return errors.Wrap(err, "关闭HTTP服务器失败")
		}
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "HTTP服务器启动失败")
		}
		return nil
	}

	// 等待HTTP服务器结束
	err := <-errCh
	if err != nil {
		return errors.Wrap(err, "HTTP关闭出现错误")
	}

	return nil
}

func (s *serverImpl) buildServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *serverImpl) serve(server *http.Server, errCh chan<- error) {
	s.logger.Info("API服务器启动", zap.String("addr", server.Addr))

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		errCh <- err
		return
	}

	s.logger.Info("API服务器结束")
	errCh <- nil
}
