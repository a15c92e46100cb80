// ============================================================================
// GearGuard 開發用後端
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 以 fixture 請求表同時提供 REST (gin) 與 gRPC 兩種介面，供看板示範與測試
//
// REST:
//   GET  /api/maintenance-requests      完整請求列表
//   PUT  /api/maintenance/:id/status    {"status": "..."} → {"success": true}
//   GET  /healthz
//   GET  /metrics                       提供 handler 時才掛載
//
// 錯誤對應:
//   未知 id        → 404 / NotFound
//   未知狀態       → 400 / InvalidArgument
//   終止狀態不可移 → 409 / FailedPrecondition（reject_terminal 開啟時）
//
// 不是正式後端：沒有認證、沒有資料庫、沒有並發控制。
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/gearguard-board/internal/boarderr"
	"github.com/ChuLiYu/gearguard-board/internal/logger"
	"github.com/ChuLiYu/gearguard-board/internal/transport"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// shutdownTimeout HTTP 優雅關閉的等待時間
const shutdownTimeout = 5 * time.Second

// Config 監聽位址，空字串表示不啟動該介面
type Config struct {
	HTTPAddr string
	GRPCAddr string
}

// Server 開發用後端
type Server struct {
	table   *Table
	router  *gin.Engine
	grpc    *grpc.Server
	log     *zap.Logger
	config  Config
	metrics http.Handler
}

// New 建立後端
//
// 參數：
//   - config: 監聽位址
//   - table: 請求表
//   - log: 可為 nil
//   - metrics: /metrics handler，可為 nil
func New(config Config, table *Table, log *zap.Logger, metrics http.Handler) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		table:   table,
		log:     log,
		config:  config,
		metrics: metrics,
		grpc:    grpc.NewServer(),
	}
	transport.RegisterBoardServer(s.grpc, table)
	s.router = s.routes()
	return s
}

// Router 回傳 gin engine（測試用）
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware(s.log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := r.Group("/api")
	api.GET("/maintenance-requests", s.listRequests)
	api.PUT("/maintenance/:id/status", s.updateStatus)
	return r
}

func (s *Server) listRequests(c *gin.Context) {
	reqs, err := s.table.ListRequests(c.Request.Context())
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, reqs)
}

func (s *Server) updateStatus(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.fail(c, http.StatusBadRequest, fmt.Errorf("invalid request id %q", c.Param("id")))
		return
	}

	var body transport.StatusUpdate
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	if err := s.table.UpdateStatus(c.Request.Context(), types.RequestID(id), body.Status); err != nil {
		s.fail(c, statusCode(err), err)
		return
	}

	s.log.Info("status updated",
		zap.Int64("request_id", id),
		zap.String("status", string(body.Status)))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) fail(c *gin.Context, code int, err error) {
	_ = c.Error(err)
	c.JSON(code, gin.H{"detail": err.Error()})
}

func statusCode(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, boarderr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, boarderr.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &verrs):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Run 啟動 HTTP 與 gRPC 監聽，直到 ctx 結束
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	var httpSrv *http.Server
	if s.config.HTTPAddr != "" {
		httpSrv = &http.Server{Addr: s.config.HTTPAddr, Handler: s.router}
		go func() {
			s.log.Info("http listening", zap.String("addr", s.config.HTTPAddr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if s.config.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.config.GRPCAddr)
		if err != nil {
			if httpSrv != nil {
				_ = httpSrv.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", s.config.GRPCAddr, err)
		}
		go func() {
			s.log.Info("grpc listening", zap.String("addr", s.config.GRPCAddr))
			if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}
	}
	s.grpc.GracefulStop()

	s.log.Info("dev backend stopped")
	return runErr
}
