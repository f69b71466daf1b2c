package plants

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/plant-analytics/pkg/config"
	"github.com/nao1215/plant-analytics/pkg/httpserver"
	"github.com/nao1215/plant-analytics/pkg/middleware"
	"github.com/nao1215/plant-analytics/pkg/validate"
)

// serviceName はヘルスチェックとメトリクスで使用するサービス名。
const serviceName = "backend-api"

// 上位発電所の取得件数。
const (
	DefaultLimit = 12
	MaxLimit     = 10000
)

// エラーコード。
const (
	codeValidation = "VALIDATION_ERROR"
	codeInternal   = "INTERNAL_ERROR"
)

// Server はデータAPIのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// development が真の場合はエラー詳細をレスポンスに含める。
	development bool
	repo        Repository
	metrics     *middleware.Metrics
	logger      *slog.Logger
}

// topQuery は上位発電所取得のクエリパラメータ。
type topQuery struct {
	Limit *int   `form:"limit" validate:"omitempty,min=1,max=10000"`
	State string `form:"state" validate:"omitempty,len=2,alpha"`
	Year  *int   `form:"year" validate:"omitempty,min=2000,max=2030"`
}

// filters はレスポンスに含める絞り込み条件。
type filters struct {
	Limit int    `json:"limit"`
	State string `json:"state,omitempty"`
	Year  int    `json:"year,omitempty"`
}

// meta はレスポンスのメタ情報。cachedはGatewayのキャッシュから返した場合にtrueに書き換えられる。
type meta struct {
	Count     int      `json:"count"`
	Filters   *filters `json:"filters,omitempty"`
	Timestamp string   `json:"timestamp"`
	Cached    bool     `json:"cached"`
}

type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
	Meta    meta `json:"meta"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewServer は新しいデータAPIのサーバーを生成する。
func NewServer(cfg *config.Plants, repo Repository, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:      gin.New(),
		port:        cfg.Port,
		development: cfg.IsDevelopment(),
		repo:        repo,
		metrics:     middleware.NewMetrics(serviceName),
		logger:      logger,
	}
	s.router.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.RequestLogger(logger, "/health", "/metrics"),
		middleware.CORS(cfg.CORSOrigin),
		s.metrics.Middleware(),
		middleware.RequireGatewaySource(cfg.GatewaySource, !cfg.IsDevelopment(), "/health"),
	)
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまで待機する。
func (s *Server) Run(ctx context.Context) error {
	return httpserver.Serve(ctx, ":"+s.port, s.router)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	plants := s.router.Group("/power-plants")
	{
		plants.GET("/top", s.handleTop())
		plants.GET("/states", s.handleStates())
		plants.GET("/years", s.handleYears())
	}
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

// handleTop は正味発電量の上位発電所を返すハンドラを返す。
func (s *Server) handleTop() gin.HandlerFunc {
	return func(c *gin.Context) {
		var q topQuery
		if err := c.ShouldBindQuery(&q); err != nil {
			s.abortValidation(c, []string{"クエリパラメータの形式が不正です"})
			return
		}
		if msgs := validate.Messages(&q); len(msgs) > 0 {
			s.abortValidation(c, msgs)
			return
		}

		tq := TopQuery{Limit: DefaultLimit, State: strings.ToUpper(q.State)}
		if q.Limit != nil {
			tq.Limit = *q.Limit
		}
		if q.Year != nil {
			tq.Year = *q.Year
		}

		result, err := s.repo.Top(c.Request.Context(), tq)
		if err != nil {
			s.abortInternal(c, "発電所データの取得に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, envelope{
			Success: true,
			Data:    result,
			Meta: meta{
				Count:     len(result),
				Filters:   &filters{Limit: tq.Limit, State: tq.State, Year: tq.Year},
				Timestamp: now(),
			},
		})
	}
}

// handleStates は州の一覧を返すハンドラを返す。
func (s *Server) handleStates() gin.HandlerFunc {
	return func(c *gin.Context) {
		states, err := s.repo.States(c.Request.Context())
		if err != nil {
			s.abortInternal(c, "州の一覧の取得に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, envelope{
			Success: true,
			Data:    states,
			Meta:    meta{Count: len(states), Timestamp: now()},
		})
	}
}

// handleYears は年の一覧を返すハンドラを返す。
func (s *Server) handleYears() gin.HandlerFunc {
	return func(c *gin.Context) {
		years, err := s.repo.Years(c.Request.Context())
		if err != nil {
			s.abortInternal(c, "年の一覧の取得に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, envelope{
			Success: true,
			Data:    years,
			Meta:    meta{Count: len(years), Timestamp: now()},
		})
	}
}

// handleHealth はヘルスチェックのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		if err := s.repo.Ping(ctx); err != nil {
			s.logger.WarnContext(ctx, "データベースに接続できません", slog.Any("error", err))
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"service":   serviceName,
			"timestamp": now(),
		})
	}
}

func (s *Server) abortValidation(c *gin.Context, msgs []string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error": errorBody{
			Code:    codeValidation,
			Message: "クエリパラメータが不正です",
			Details: msgs,
		},
	})
}

// abortInternal は500を返す。エラーの詳細は開発環境でのみレスポンスに含める。
func (s *Server) abortInternal(c *gin.Context, message string, err error) {
	s.logger.ErrorContext(c.Request.Context(), message,
		slog.String("path", c.Request.URL.Path),
		slog.String("request_id", middleware.GetRequestID(c)),
		slog.Any("error", err),
	)
	body := errorBody{Code: codeInternal, Message: message}
	if s.development {
		body.Details = err.Error()
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": body})
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
