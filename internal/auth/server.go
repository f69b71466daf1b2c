package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/plant-analytics/pkg/config"
	"github.com/nao1215/plant-analytics/pkg/httpserver"
	"github.com/nao1215/plant-analytics/pkg/identity"
	"github.com/nao1215/plant-analytics/pkg/middleware"
	"github.com/nao1215/plant-analytics/pkg/validate"
)

// serviceName はヘルスチェックとメトリクスで使用するサービス名。
const serviceName = "auth-service"

// Server は認証サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port    string
	service *Service
	metrics *middleware.Metrics
	logger  *slog.Logger
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// registerRequest はユーザー登録リクエストのボディ。
// bcryptは72バイトを超えるパスワードを扱えないため上限を設ける。
type registerRequest struct {
	Email     string `json:"email" validate:"required,email,max=255"`
	Password  string `json:"password" validate:"required,max=72"`
	FirstName string `json:"firstName" validate:"required,max=100"`
	LastName  string `json:"lastName" validate:"required,max=100"`
}

// verifyRequest はトークン検証リクエストのボディ。
type verifyRequest struct {
	Token string `json:"token"`
}

// NewServer は新しい認証サービスのサーバーを生成する。
func NewServer(cfg *config.Auth, service *Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:  gin.New(),
		port:    cfg.Port,
		service: service,
		metrics: middleware.NewMetrics(serviceName),
		logger:  logger,
	}
	s.router.Use(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.RequestLogger(logger, "/auth/health"),
		middleware.CORS(cfg.CORSOrigin),
		s.metrics.Middleware(),
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
	auth := s.router.Group("/auth")
	{
		auth.POST("/login", s.handleLogin())
		auth.POST("/register", s.handleRegister())
		auth.POST("/verify", s.handleVerify())
		auth.GET("/health", s.handleHealth())
	}
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

// handleLogin はログインを処理するハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if !bindAndValidate(c, &req) {
			return
		}

		result, err := s.service.Login(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// handleRegister はユーザー登録を処理するハンドラを返す。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if !bindAndValidate(c, &req) {
			return
		}

		result, err := s.service.Register(c.Request.Context(), RegisterInput{
			Email:     req.Email,
			Password:  req.Password,
			FirstName: req.FirstName,
			LastName:  req.LastName,
		})
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

// handleVerify はトークン検証を処理するハンドラを返す。
// ボディが不正な場合も含め、常に200で検証結果を返す。
func (s *Server) handleVerify() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" {
			c.JSON(http.StatusOK, identity.Invalid(identity.ErrKindInvalidToken))
			return
		}
		c.JSON(http.StatusOK, s.service.VerifyToken(c.Request.Context(), req.Token))
	}
}

// handleHealth はヘルスチェックのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		if err := s.service.Ping(ctx); err != nil {
			s.logger.WarnContext(ctx, "ユーザーストアに接続できません", slog.Any("error", err))
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    status,
			"service":   serviceName,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// abortWithError はサービスのエラーをステータスコードに変換してレスポンスを返す。
func (s *Server) abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, ErrAlreadyExists):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.ErrorContext(c.Request.Context(), "認証処理に失敗しました",
			slog.String("path", c.Request.URL.Path),
			slog.String("request_id", middleware.GetRequestID(c)),
			slog.Any("error", err),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
	}
}

// bindAndValidate はJSONボディを読み込んで検証する。失敗した場合は400を返してfalseを返す。
func bindAndValidate(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
		return false
	}
	if msgs := validate.Messages(req); len(msgs) > 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "入力内容が不正です",
			"details": msgs,
		})
		return false
	}
	return true
}
