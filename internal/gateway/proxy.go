package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/plant-analytics/pkg/cache"
	"github.com/nao1215/plant-analytics/pkg/httpclient"
	"github.com/nao1215/plant-analytics/pkg/identity"
	"github.com/nao1215/plant-analytics/pkg/middleware"
)

// HeaderCache はキャッシュのヒット/ミスを示すレスポンスヘッダー。
const HeaderCache = "X-Cache"

// DefaultMaxRequestBytes は転送するリクエストボディの上限の既定値。
const DefaultMaxRequestBytes = 10 << 20

// hopByHopHeaders は転送しないホップバイホップヘッダー。
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ForwardRequest はバックエンドへ転送するリクエスト。
type ForwardRequest struct {
	Method   string
	Path     string
	RawQuery string
	Body     []byte
	Header   http.Header
	// Subject は認証済みユーザー。nilの場合はユーザーヘッダーを付与しない。
	Subject *identity.Subject
}

// Response はクライアントへ返すレスポンス。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Cached はキャッシュから返したかどうか。
	Cached bool
}

// CacheRule はキャッシュ対象の読み取りエンドポイント。
type CacheRule struct {
	// Path はバックエンド側のパス。
	Path string
	// Prefix はキャッシュキーの接頭辞。
	Prefix string
	TTL    time.Duration
}

// DefaultCacheRules は発電所データAPIのキャッシュ対象。
// 絞り込み結果は5分、列挙値は10分保持する。
func DefaultCacheRules() []CacheRule {
	return []CacheRule{
		{Path: "/power-plants/top", Prefix: "top_power_plants", TTL: 300 * time.Second},
		{Path: "/power-plants/states", Prefix: "available_states", TTL: 600 * time.Second},
		{Path: "/power-plants/years", Prefix: "available_years", TTL: 600 * time.Second},
	}
}

// Proxy は1つのバックエンドへリクエストを転送するリバースプロキシ。
type Proxy struct {
	// name はエラーメッセージとログに使うバックエンド名。
	name   string
	client *httpclient.Client
	// source はX-Gateway-Sourceヘッダーに設定する値。
	source string
	store  *cache.Store
	rules  map[string]CacheRule
	// maxRequestBytes はリクエストボディの上限。超えた場合は転送せず413を返す。
	maxRequestBytes int64
	logger          *slog.Logger
}

// ProxyOption はProxyの設定を変更する。
type ProxyOption func(*Proxy)

// WithReadCache はrulesに一致するGETリクエストをstoreでキャッシュする。
func WithReadCache(store *cache.Store, rules ...CacheRule) ProxyOption {
	return func(p *Proxy) {
		p.store = store
		for _, r := range rules {
			p.rules[r.Path] = r
		}
	}
}

// WithLogger はProxyが使用するロガーを設定する。
func WithLogger(l *slog.Logger) ProxyOption {
	return func(p *Proxy) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMaxRequestBytes は転送するリクエストボディの上限を設定する。
func WithMaxRequestBytes(n int64) ProxyOption {
	return func(p *Proxy) {
		if n > 0 {
			p.maxRequestBytes = n
		}
	}
}

// NewProxy はProxyを生成する。
func NewProxy(name string, client *httpclient.Client, source string, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		name:   name,
		client: client,
		source: source,
		rules:           make(map[string]CacheRule),
		maxRequestBytes: DefaultMaxRequestBytes,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ResolveTarget はゲートウェイ側の接頭辞を取り除いたバックエンドのパスを返す。
// pathは文字列として扱い、パーセントエスケープはデコードしない。
func ResolveTarget(prefix, path string) string {
	if prefix == "" {
		return path
	}
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		return path
	}
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}

// targetPath はエスケープを保ったまま接頭辞を取り除いたパスを返す。
func targetPath(prefix string, u *url.URL) string {
	escaped := u.EscapedPath()
	if prefix == "" || strings.HasPrefix(escaped, prefix) {
		return ResolveTarget(prefix, escaped)
	}
	// 接頭辞そのものがエスケープされている場合
	return (&url.URL{Path: ResolveTarget(prefix, u.Path)}).EscapedPath()
}

// Forward はリクエストをバックエンドへ転送する。
// バックエンドが応答した場合はステータスとボディをそのまま返し、
// 接続できない場合は503、レスポンスが上限を超えた場合は502を返す。
func (p *Proxy) Forward(ctx context.Context, req ForwardRequest) Response {
	rule, cacheable := p.rules[req.Path]
	if cacheable && p.store != nil && req.Method == http.MethodGet {
		if key, err := cache.Key(rule.Prefix, queryParams(req.RawQuery)); err == nil {
			return p.forwardCached(ctx, req, rule, key)
		}
	}

	resp, err := p.send(ctx, req)
	if err != nil {
		return p.failure(ctx, req, err)
	}
	return relay(resp)
}

// upstreamStatus はキャッシュ対象のリクエストでバックエンドが200以外を返したことを表す。
type upstreamStatus struct {
	resp *httpclient.Response
}

func (e *upstreamStatus) Error() string {
	return fmt.Sprintf("バックエンドがステータス%dを返しました", e.resp.StatusCode)
}

func (p *Proxy) forwardCached(ctx context.Context, req ForwardRequest, rule CacheRule, key string) Response {
	body, hit, err := p.store.Fetch(ctx, key, rule.TTL, func(ctx context.Context) ([]byte, bool, error) {
		resp, err := p.send(ctx, req)
		if err != nil {
			return nil, false, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, false, &upstreamStatus{resp: resp}
		}
		return resp.Body, hasResults(resp.Body), nil
	})

	var us *upstreamStatus
	switch {
	case errors.As(err, &us):
		out := relay(us.resp)
		out.Header.Set(HeaderCache, "MISS")
		return out
	case err != nil:
		return p.failure(ctx, req, err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=utf-8")
	if hit {
		header.Set(HeaderCache, "HIT")
		return Response{StatusCode: http.StatusOK, Header: header, Body: markCached(body), Cached: true}
	}
	header.Set(HeaderCache, "MISS")
	return Response{StatusCode: http.StatusOK, Header: header, Body: body}
}

func (p *Proxy) send(ctx context.Context, req ForwardRequest) (*httpclient.Response, error) {
	return p.client.Do(ctx, req.Method, req.Path, req.RawQuery, p.outboundHeader(req), req.Body)
}

// outboundHeader は転送用のヘッダーを組み立てる。
// 受信したX-Gateway-Source・X-User-ID・X-User-Emailは常に破棄し、ゲートウェイが設定し直す。
func (p *Proxy) outboundHeader(req ForwardRequest) http.Header {
	h := req.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, name := range strings.Split(h.Get("Connection"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			h.Del(name)
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	h.Del("Host")
	h.Del("Content-Length")
	h.Del(identity.HeaderGatewaySource)
	h.Del(identity.HeaderUserID)
	h.Del(identity.HeaderUserEmail)

	h.Set(identity.HeaderGatewaySource, p.source)
	if req.Subject != nil {
		h.Set(identity.HeaderUserID, req.Subject.ID)
		h.Set(identity.HeaderUserEmail, req.Subject.Email)
	}
	return h
}

// failure は転送の失敗をクライアントへのエラーレスポンスに変換する。
func (p *Proxy) failure(ctx context.Context, req ForwardRequest, err error) Response {
	status, message, logMsg := http.StatusServiceUnavailable, p.name+"に接続できません", "バックエンドに接続できません"
	if errors.Is(err, httpclient.ErrResponseTooLarge) {
		status, message, logMsg = http.StatusBadGateway, p.name+"のレスポンスが大きすぎます", "バックエンドのレスポンスが上限を超えました"
	}
	p.logger.WarnContext(ctx, logMsg,
		slog.String("upstream", p.name),
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Any("error", err),
	)
	body, _ := json.Marshal(gin.H{"error": message})
	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=utf-8")
	return Response{StatusCode: status, Header: header, Body: body}
}

// relay はバックエンドのステータス・Content-Type・ボディをそのまま返すレスポンスを作る。
func relay(resp *httpclient.Response) Response {
	header := http.Header{}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}
	if loc := resp.Header.Get("Location"); loc != "" {
		header.Set("Location", loc)
	}
	return Response{StatusCode: resp.StatusCode, Header: header, Body: resp.Body}
}

// queryParams はクエリ文字列をキャッシュキー用のパラメータに変換する。同名の値は先頭を使う。
func queryParams(rawQuery string) map[string]any {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil
	}
	params := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

// hasResults は結果が空でないかを判定する。
// トップレベルの配列、またはdataフィールドの配列が空でなければtrueを返す。
func hasResults(body []byte) bool {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case []any:
		return len(t) > 0
	case map[string]any:
		switch data := t["data"].(type) {
		case []any:
			return len(data) > 0
		case nil:
			return false
		default:
			return true
		}
	}
	return false
}

// markCached はmetaオブジェクトを持つレスポンスのmeta.cachedをtrueに書き換える。
func markCached(body []byte) []byte {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return body
	}
	rawMeta, ok := envelope["meta"]
	if !ok {
		return body
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(rawMeta, &meta); err != nil || meta == nil {
		return body
	}
	meta["cached"] = json.RawMessage("true")

	var err error
	if envelope["meta"], err = json.Marshal(meta); err != nil {
		return body
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return body
	}
	return out
}

// Handler は接頭辞prefixを取り除いてリクエストを転送するGinハンドラを返す。
func (p *Proxy) Handler(prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > p.maxRequestBytes {
			abortTooLarge(c)
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, p.maxRequestBytes+1))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "リクエストボディの読み込みに失敗しました"})
			return
		}
		if int64(len(body)) > p.maxRequestBytes {
			abortTooLarge(c)
			return
		}

		header := c.Request.Header.Clone()
		header.Set(middleware.HeaderRequestID, middleware.GetRequestID(c))
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+c.ClientIP())
		} else {
			header.Set("X-Forwarded-For", c.ClientIP())
		}

		req := ForwardRequest{
			Method:   c.Request.Method,
			Path:     targetPath(prefix, c.Request.URL),
			RawQuery: c.Request.URL.RawQuery,
			Body:     body,
			Header:   header,
		}
		if s, ok := SubjectFrom(c); ok {
			req.Subject = &s
		}
		if len(req.Body) == 0 {
			req.Body = nil
		}

		resp := p.Forward(c.Request.Context(), req)
		for k, vs := range resp.Header {
			for _, v := range vs {
				c.Writer.Header().Add(k, v)
			}
		}
		c.Status(resp.StatusCode)
		if len(resp.Body) > 0 && c.Request.Method != http.MethodHead {
			_, _ = c.Writer.Write(resp.Body)
		}
	}
}

func abortTooLarge(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "リクエストボディが大きすぎます"})
}
