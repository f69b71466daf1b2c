package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/plant-analytics/pkg/cache"
	"github.com/nao1215/plant-analytics/pkg/config"
	"github.com/nao1215/plant-analytics/pkg/httpclient"
	"github.com/nao1215/plant-analytics/pkg/httpserver"
	"github.com/nao1215/plant-analytics/pkg/middleware"
)

// serviceName はメトリクスとログに付与するサービス名。
const serviceName = "api-gateway"

// Upstream名。503のエラーメッセージに使われる。
const (
	upstreamBackend = "backend-api"
	upstreamAuth    = "auth-service"
)

// Server はAPI GatewayのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	cfg    *config.Gateway

	verifier Verifier
	// cache は読み取りキャッシュ。無効な場合はnil。
	cache *cache.Store
	// backend はデータAPIへのプロキシ。
	backend *Proxy
	// auth は認証サービスへのプロキシ。
	auth *Proxy

	global      *middleware.RateLimiter
	authLimiter *middleware.RateLimiter
	metrics     *middleware.Metrics
	logger      *slog.Logger
}

// NewServer は新しいGatewayサーバーを生成する。metricsがnilの場合は新しく生成する。
func NewServer(cfg *config.Gateway, verifier Verifier, backend, auth *Proxy, metrics *middleware.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = middleware.NewMetrics(serviceName)
	}
	s := &Server{
		router:      gin.New(),
		cfg:         cfg,
		verifier:    verifier,
		backend:     backend,
		auth:        auth,
		global:      middleware.NewRateLimiter(cfg.RateLimitMaxRequests, cfg.RateLimitWindow),
		authLimiter: middleware.NewRateLimiter(cfg.AuthRateLimitMax, cfg.RateLimitWindow),
		metrics:     metrics,
		logger:      logger,
	}
	s.router.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.RequestLogger(logger, "/health"),
		middleware.CORS(cfg.CORSOrigin),
		s.metrics.Middleware(),
	)
	s.setupRoutes()
	return s
}

// New は設定から認証クライアントとプロキシを組み立ててサーバーを生成する。
// storeがnil、またはキャッシュが無効な場合は読み取りキャッシュを使用しない。
func New(cfg *config.Gateway, store *cache.Store, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := middleware.NewMetrics(serviceName)
	if !cfg.CacheEnabled {
		store = nil
	}

	backendOpts := []ProxyOption{WithLogger(logger), WithMaxRequestBytes(cfg.MaxRequestBytes)}
	if store != nil {
		if err := store.Register(metrics.Registerer()); err != nil {
			return nil, err
		}
		backendOpts = append(backendOpts, WithReadCache(store, DefaultCacheRules()...))
	}
	clientOpts := []httpclient.Option{
		httpclient.WithRetries(cfg.ProxyRetries),
		httpclient.WithMaxResponseBytes(cfg.MaxResponseBytes),
	}
	backend := NewProxy(upstreamBackend, httpclient.New(cfg.BackendURL, cfg.ProxyTimeout, clientOpts...), cfg.GatewaySource, backendOpts...)
	auth := NewProxy(upstreamAuth, httpclient.New(cfg.AuthServiceURL, cfg.ProxyTimeout, clientOpts...), cfg.GatewaySource,
		WithLogger(logger), WithMaxRequestBytes(cfg.MaxRequestBytes))
	verifier := NewAuthClient(cfg.AuthServiceURL, cfg.VerifyTimeout, logger)

	s := NewServer(cfg, verifier, backend, auth, metrics, logger)
	s.cache = store
	return s, nil
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまで待機する。
func (s *Server) Run(ctx context.Context) error {
	return httpserver.Serve(ctx, ":"+s.cfg.Port, s.router)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	admit := Admission(s.global)

	s.router.GET("/", s.handleRoot())
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/gateway/metrics", gin.WrapH(s.metrics.Handler()))

	// 認証サービスへの転送（より厳しい流量制限）
	auth := s.router.Group("/auth", Chain(admit, Admission(s.authLimiter)))
	{
		auth.POST("/login", s.auth.Handler(""))
		auth.POST("/register", s.auth.Handler(""))
		auth.POST("/verify", s.auth.Handler(""))
		auth.GET("/health", s.auth.Handler(""))
	}

	// 認証必須のデータAPI
	s.router.Any("/api/*path", Chain(admit, RequiredAuth(s.verifier)), s.backend.Handler("/api"))
	// 認証任意のデータAPI
	s.router.Any("/public/*path", Chain(admit, OptionalAuth(s.verifier)), s.backend.Handler("/public"))
	// データAPIのメトリクス
	s.router.Any("/metrics", Chain(admit), s.backend.Handler(""))
}

// handleRoot はゲートウェイの概要を返すハンドラを返す。
func (s *Server) handleRoot() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":        s.cfg.AppName,
			"version":     s.cfg.AppVersion,
			"environment": s.cfg.Environment,
			"message":     "Plant Analytics API Gateway",
			"endpoints": gin.H{
				"auth":   "/auth (認証サービスへ転送)",
				"api":    "/api (認証必須)",
				"public": "/public (認証任意)",
				"health": "/health",
			},
		})
	}
}

// handleHealth はヘルスチェックのハンドラを返す。
// キャッシュはなくても動作するため、Redisの状態はステータスコードに影響しない。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		cacheStatus := "disabled"
		if s.cache != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
			defer cancel()
			cacheStatus = "connected"
			if !s.cache.Healthy(ctx) {
				cacheStatus = "disconnected"
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"version":     s.cfg.AppVersion,
			"environment": s.cfg.Environment,
			"cache":       cacheStatus,
		})
	}
}
