package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow"
	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/internal/server"
	"github.com/BaSui01/gateflow/internal/telemetry"
)

// =============================================================================
// 🖥️ Server 装配
// =============================================================================

// Server 进程外壳：网关 App + 进程中间件 + 业务/metrics 双监听
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	app            *gateflow.App
	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{cfg: cfg, logger: logger, otel: otel}
}

// Start 装配网关并拉起 HTTP / metrics 服务
func (s *Server) Start() error {
	app, err := gateflow.New(s.cfg, gateflow.WithLogger(s.logger))
	if err != nil {
		return fmt.Errorf("assemble gateway: %w", err)
	}
	s.app = app

	handler := Chain(app.Handler,
		Recovery(s.logger),
		SecurityHeaders(),
		TraceContext(),
		Tracing(),
		RequestLogger(s.logger),
		MetricsMiddleware(app.Metrics),
	)

	s.httpManager = server.NewManager(handler, server.Config{
		Addr:            s.cfg.Server.Addr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		// 网关口上跑 SSE 长对话流，写超时交给每次尝试的 context
		DisableWriteTimeout: true,
	}, s.logger)
	if cert, key := s.cfg.Server.TLSCert, s.cfg.Server.TLSKey; cert != "" && key != "" {
		err = s.httpManager.StartTLS(cert, key)
	} else {
		err = s.httpManager.Start()
	}
	if err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("all servers started",
		zap.String("addr", s.cfg.Server.Addr),
		zap.String("metrics_addr", s.cfg.Server.MetricsAddr),
	)
	return nil
}

// startMetricsServer 独立端口暴露 Prometheus 指标
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	s.metricsManager = server.NewManager(mux, server.Config{
		Addr:            s.cfg.Server.MetricsAddr,
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 先停入口让在途请求收尾，再关 App 排空队列与连接
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("http server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.app != nil {
		if err := s.app.Close(ctx); err != nil {
			s.logger.Error("gateway close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
