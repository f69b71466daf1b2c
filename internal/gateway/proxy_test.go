package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/nao1215/plant-analytics/pkg/cache"
	"github.com/nao1215/plant-analytics/pkg/httpclient"
	"github.com/nao1215/plant-analytics/pkg/identity"
	"github.com/nao1215/plant-analytics/pkg/middleware"
)

const testSource = "test-gateway"

// fakeBackend はテスト用のデータAPI。受け取ったリクエストを記録する。
type fakeBackend struct {
	srv  *httptest.Server
	hits atomic.Int32

	mu      sync.Mutex
	last    *http.Request
	results []any
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()

	b := &fakeBackend{results: []any{map[string]any{"plantName": "Plant A", "netGeneration": 100}}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /power-plants/top", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		results := b.results
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    results,
			"meta":    map[string]any{"count": len(results), "cached": false},
		})
	})
	mux.HandleFunc("GET /power-plants/states", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false})
	})
	mux.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"user_id":    r.Header.Get(identity.HeaderUserID),
			"user_email": r.Header.Get(identity.HeaderUserEmail),
			"source":     r.Header.Get(identity.HeaderGatewaySource),
			"query":      r.URL.RawQuery,
			"method":     r.Method,
		})
	})
	mux.HandleFunc("POST /items", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", "/items/1")
		writeJSON(w, http.StatusCreated, map[string]string{"id": "1"})
	})

	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		b.mu.Lock()
		b.last = r.Clone(context.Background())
		b.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) setResults(results []any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results = results
}

// lastURL は最後に受け取ったリクエストのエスケープ済みパスとクエリを返す。
func (b *fakeBackend) lastURL() (string, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return "", ""
	}
	return b.last.URL.EscapedPath(), b.last.URL.RawQuery
}

func (b *fakeBackend) lastHeader() http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return nil
	}
	return b.last.Header
}

// newTestCache はminiredisに接続したキャッシュを生成する。
func newTestCache(t *testing.T) (*cache.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.New(client, time.Hour), mr
}

func newTestProxy(t *testing.T, baseURL string, opts ...ProxyOption) *Proxy {
	t.Helper()

	opts = append([]ProxyOption{WithLogger(discardLogger())}, opts...)
	return NewProxy(upstreamBackend, httpclient.New(baseURL, time.Second), testSource, opts...)
}

func getTop(p *Proxy, rawQuery string) Response {
	return p.Forward(context.Background(), ForwardRequest{
		Method:   http.MethodGet,
		Path:     "/power-plants/top",
		RawQuery: rawQuery,
		Header:   http.Header{},
	})
}

func TestResolveTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix string
		path   string
		want   string
	}{
		{prefix: "/api", path: "/api/power-plants/top", want: "/power-plants/top"},
		{prefix: "/api", path: "/api", want: "/"},
		{prefix: "/public", path: "/public/power-plants/states", want: "/power-plants/states"},
		{prefix: "", path: "/auth/login", want: "/auth/login"},
		{prefix: "/api", path: "/metrics", want: "/metrics"},
		{prefix: "/api", path: "/api/files/a%3Fadmin=1", want: "/files/a%3Fadmin=1"},
		{prefix: "/api", path: "/api/files/a%2Fb", want: "/files/a%2Fb"},
	}

	for _, tt := range tests {
		if got := ResolveTarget(tt.prefix, tt.path); got != tt.want {
			t.Errorf("ResolveTarget(%q, %q) = %q, want %q", tt.prefix, tt.path, got, tt.want)
		}
	}
}

func TestProxy_ForwardHeaders(t *testing.T) {
	t.Parallel()

	t.Run("偽装されたユーザーヘッダーは破棄される", func(t *testing.T) {
		t.Parallel()

		b := newFakeBackend(t)
		p := newTestProxy(t, b.srv.URL)

		header := http.Header{}
		header.Set(identity.HeaderUserID, "attacker")
		header.Set(identity.HeaderUserEmail, "attacker@example.com")
		header.Set(identity.HeaderGatewaySource, "spoofed")
		header.Set("Connection", "X-Secret")
		header.Set("X-Secret", "hop")
		header.Set("Accept", "application/json")

		resp := p.Forward(context.Background(), ForwardRequest{Method: http.MethodGet, Path: "/whoami", Header: header})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}

		got := b.lastHeader()
		if v := got.Get(identity.HeaderUserID); v != "" {
			t.Errorf("X-User-IDが転送されました: %q", v)
		}
		if v := got.Get(identity.HeaderUserEmail); v != "" {
			t.Errorf("X-User-Emailが転送されました: %q", v)
		}
		if v := got.Get(identity.HeaderGatewaySource); v != testSource {
			t.Errorf("X-Gateway-Source = %q, want %q", v, testSource)
		}
		if v := got.Get("X-Secret"); v != "" {
			t.Errorf("Connectionで指定されたヘッダーが転送されました: %q", v)
		}
		if v := got.Get("Accept"); v != "application/json" {
			t.Errorf("Accept = %q, want application/json", v)
		}
	})

	t.Run("認証済みユーザーはヘッダーで伝播される", func(t *testing.T) {
		t.Parallel()

		b := newFakeBackend(t)
		p := newTestProxy(t, b.srv.URL)

		header := http.Header{}
		header.Set(identity.HeaderUserID, "attacker")
		resp := p.Forward(context.Background(), ForwardRequest{
			Method:  http.MethodGet,
			Path:    "/whoami",
			Header:  header,
			Subject: &identity.Subject{ID: "user-1", Email: "alice@example.com"},
		})

		var body map[string]string
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			t.Fatalf("デコードに失敗: %v", err)
		}
		if body["user_id"] != "user-1" || body["user_email"] != "alice@example.com" {
			t.Errorf("ユーザーヘッダー = %v", body)
		}
	})
}

func TestProxy_ForwardRelay(t *testing.T) {
	t.Parallel()

	t.Run("バックエンドのステータスとLocationをそのまま返す", func(t *testing.T) {
		t.Parallel()

		b := newFakeBackend(t)
		p := newTestProxy(t, b.srv.URL)

		resp := p.Forward(context.Background(), ForwardRequest{
			Method: http.MethodPost,
			Path:   "/items",
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   []byte(`{"name":"x"}`),
		})
		if resp.StatusCode != http.StatusCreated {
			t.Errorf("status = %d, want 201", resp.StatusCode)
		}
		if loc := resp.Header.Get("Location"); loc != "/items/1" {
			t.Errorf("Location = %q, want /items/1", loc)
		}
	})

	t.Run("存在しないパスは404を返す", func(t *testing.T) {
		t.Parallel()

		b := newFakeBackend(t)
		p := newTestProxy(t, b.srv.URL)

		resp := p.Forward(context.Background(), ForwardRequest{Method: http.MethodGet, Path: "/missing", Header: http.Header{}})
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("上限を超えるレスポンスは切り詰めず502を返す", func(t *testing.T) {
		t.Parallel()

		b := newFakeBackend(t)
		client := httpclient.New(b.srv.URL, time.Second, httpclient.WithMaxResponseBytes(8))
		p := NewProxy(upstreamBackend, client, testSource, WithLogger(discardLogger()))

		resp := p.Forward(context.Background(), ForwardRequest{Method: http.MethodGet, Path: "/whoami", Header: http.Header{}})
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("status = %d, want 502", resp.StatusCode)
		}
		var body map[string]string
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			t.Fatalf("デコードに失敗: %v", err)
		}
		if body["error"] != upstreamBackend+"のレスポンスが大きすぎます" {
			t.Errorf("error = %q", body["error"])
		}
	})

	t.Run("接続できない場合は503", func(t *testing.T) {
		t.Parallel()

		p := newTestProxy(t, "http://127.0.0.1:1")
		resp := p.Forward(context.Background(), ForwardRequest{Method: http.MethodGet, Path: "/whoami", Header: http.Header{}})
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", resp.StatusCode)
		}
		var body map[string]string
		if err := json.Unmarshal(resp.Body, &body); err != nil {
			t.Fatalf("デコードに失敗: %v", err)
		}
		if body["error"] != upstreamBackend+"に接続できません" {
			t.Errorf("error = %q", body["error"])
		}
	})
}

func TestProxy_ReadCache(t *testing.T) {
	t.Parallel()

	t.Run("2回目はキャッシュから返しmeta.cachedをtrueにする", func(t *testing.T) {
		t.Parallel()

		b := newFakeBackend(t)
		store, _ := newTestCache(t)
		p := newTestProxy(t, b.srv.URL, WithReadCache(store, DefaultCacheRules()...))

		first := getTop(p, "limit=5&state=CA")
		if first.Header.Get(HeaderCache) != "MISS" || first.Cached {
			t.Fatalf("1回目: X-Cache = %q, want MISS", first.Header.Get(HeaderCache))
		}
		second := getTop(p, "state=CA&limit=5")
		if second.Header.Get(HeaderCache) != "HIT" || !second.Cached {
			t.Fatalf("2回目: X-Cache = %q, want HIT", second.Header.Get(HeaderCache))
		}
		if got := b.hits.Load(); got != 1 {
			t.Errorf("バックエンド呼び出し回数 = %d, want 1", got)
		}

		var body struct {
			Meta struct {
				Cached bool `json:"cached"`
				Count  int  `json:"count"`
			} `json:"meta"`
		}
		if err := json.Unmarshal(second.Body, &body); err != nil {
			t.Fatalf("デコードに失敗: %v", err)
		}
		if !body.Meta.Cached || body.Meta.Count != 1 {
			t.Errorf("meta = %+v, want cached=true count=1", body.Meta)
		}
	})

	t.Run("クエリが異なれば別のキーになる", func(t *testing.T) {
		t.Parallel()

		b := newFakeBackend(t)
		store, _ := newTestCache(t)
		p := newTestProxy(t, b.srv.URL, WithReadCache(store, DefaultCacheRules()...))

		getTop(p, "limit=5")
		getTop(p, "limit=6")
		if got := b.hits.Load(); got != 2 {
			t.Errorf("バックエンド呼び出し回数 = %d, want 2", got)
		}
	})

	t.Run("空の結果はキャッシュしない", func(t *testing.T) {
		t.Parallel()

		b := newFakeBackend(t)
		b.setResults([]any{})
		store, _ := newTestCache(t)
		p := newTestProxy(t, b.srv.URL, WithReadCache(store, DefaultCacheRules()...))

		getTop(p, "state=ZZ")
		resp := getTop(p, "state=ZZ")
		if resp.Header.Get(HeaderCache) != "MISS" {
			t.Errorf("X-Cache = %q, want MISS", resp.Header.Get(HeaderCache))
		}
		if got := b.hits.Load(); got != 2 {
			t.Errorf("バックエンド呼び出し回数 = %d, want 2", got)
		}
	})

	t.Run("200以外はキャッシュせずそのまま返す", func(t *testing.T) {
		t.Parallel()

		b := newFakeBackend(t)
		store, _ := newTestCache(t)
		p := newTestProxy(t, b.srv.URL, WithReadCache(store, DefaultCacheRules()...))

		for i := range 2 {
			resp := p.Forward(context.Background(), ForwardRequest{Method: http.MethodGet, Path: "/power-plants/states", Header: http.Header{}})
			if resp.StatusCode != http.StatusInternalServerError {
				t.Fatalf("%d回目: status = %d, want 500", i+1, resp.StatusCode)
			}
			if resp.Header.Get(HeaderCache) != "MISS" {
				t.Errorf("%d回目: X-Cache = %q, want MISS", i+1, resp.Header.Get(HeaderCache))
			}
		}
		if got := b.hits.Load(); got != 2 {
			t.Errorf("バックエンド呼び出し回数 = %d, want 2", got)
		}
	})

	t.Run("TTL経過後はバックエンドを再度呼び出す", func(t *testing.T) {
		t.Parallel()

		b := newFakeBackend(t)
		store, mr := newTestCache(t)
		p := newTestProxy(t, b.srv.URL, WithReadCache(store, DefaultCacheRules()...))

		getTop(p, "limit=1")
		mr.FastForward(301 * time.Second)
		resp := getTop(p, "limit=1")
		if resp.Header.Get(HeaderCache) != "MISS" {
			t.Errorf("X-Cache = %q, want MISS", resp.Header.Get(HeaderCache))
		}
		if got := b.hits.Load(); got != 2 {
			t.Errorf("バックエンド呼び出し回数 = %d, want 2", got)
		}
	})

	t.Run("Redisが停止していてもバックエンドから返す", func(t *testing.T) {
		t.Parallel()

		b := newFakeBackend(t)
		client := redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 100 * time.Millisecond,
			MaxRetries:  -1,
		})
		t.Cleanup(func() { _ = client.Close() })
		store := cache.New(client, time.Hour)
		p := newTestProxy(t, b.srv.URL, WithReadCache(store, DefaultCacheRules()...))

		resp := getTop(p, "limit=1")
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("最初の要求元が切断しても相乗りした要求元には200を返す", func(t *testing.T) {
		t.Parallel()

		var once sync.Once
		started := make(chan struct{})
		release := make(chan struct{})
		backendCtxErr := make(chan error, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			once.Do(func() { close(started) })
			<-release
			backendCtxErr <- r.Context().Err()
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"data":    []any{map[string]any{"plantName": "Plant A"}},
				"meta":    map[string]any{"count": 1, "cached": false},
			})
		}))
		t.Cleanup(srv.Close)
		store, _ := newTestCache(t)
		p := newTestProxy(t, srv.URL, WithReadCache(store, DefaultCacheRules()...))

		leaderCtx, cancel := context.WithCancel(context.Background())
		leaderDone := make(chan Response, 1)
		go func() {
			leaderDone <- p.Forward(leaderCtx, ForwardRequest{Method: http.MethodGet, Path: "/power-plants/top", RawQuery: "limit=1", Header: http.Header{}})
		}()
		<-started
		cancel()
		<-leaderDone

		followerDone := make(chan Response, 1)
		go func() {
			followerDone <- getTop(p, "limit=1")
		}()
		time.Sleep(50 * time.Millisecond)
		close(release)

		resp := <-followerDone
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200 (body=%s)", resp.StatusCode, resp.Body)
		}
		if err := <-backendCtxErr; err != nil {
			t.Errorf("バックエンドへのリクエストがキャンセルされた: %v", err)
		}
	})

	t.Run("キャッシュ無しの場合はX-Cacheを付けない", func(t *testing.T) {
		t.Parallel()

		b := newFakeBackend(t)
		p := newTestProxy(t, b.srv.URL)

		resp := getTop(p, "limit=1")
		if resp.Header.Get(HeaderCache) != "" {
			t.Errorf("X-Cache = %q, want empty", resp.Header.Get(HeaderCache))
		}
	})
}

func TestProxy_Handler(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t)
	p := newTestProxy(t, b.srv.URL)

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Any("/api/*path", p.Handler("/api"))

	req := httptest.NewRequest(http.MethodGet, "/api/whoami?limit=3", nil)
	req.Header.Set(middleware.HeaderRequestID, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body=%s)", w.Code, w.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("デコードに失敗: %v", err)
	}
	if body["query"] != "limit=3" {
		t.Errorf("query = %q, want limit=3", body["query"])
	}

	got := b.lastHeader()
	if v := got.Get(middleware.HeaderRequestID); v != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", v)
	}
	if v := got.Get("X-Forwarded-For"); v == "" {
		t.Error("X-Forwarded-Forが設定されていません")
	}
}

func TestProxy_HandlerRawPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		target    string
		wantPath  string
		wantQuery string
	}{
		{"エスケープされた?はクエリにならない", "/api/files/a%3Fadmin=1?x=2", "/files/a%3Fadmin=1", "x=2"},
		{"エスケープされた/はパス区切りにならない", "/api/files/a%2Fb", "/files/a%2Fb", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := newFakeBackend(t)
			r := gin.New()
			r.Any("/api/*path", newTestProxy(t, b.srv.URL).Handler("/api"))

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.target, nil))

			path, query := b.lastURL()
			if path != tt.wantPath || query != tt.wantQuery {
				t.Errorf("転送先 = %q ? %q, want %q ? %q", path, query, tt.wantPath, tt.wantQuery)
			}
		})
	}
}

func TestProxy_HandlerBodyLimit(t *testing.T) {
	t.Parallel()

	newRouter := func(t *testing.T) (*gin.Engine, *fakeBackend) {
		t.Helper()

		b := newFakeBackend(t)
		r := gin.New()
		r.Any("/api/*path", newTestProxy(t, b.srv.URL, WithMaxRequestBytes(16)).Handler("/api"))
		return r, b
	}

	tests := []struct {
		name          string
		body          string
		unknownLength bool
		wantStatus    int
		wantHits      int32
	}{
		{"上限ちょうどのボディは転送される", strings.Repeat("a", 16), false, http.StatusCreated, 1},
		{"上限を超えるボディは413で転送されない", strings.Repeat("a", 17), false, http.StatusRequestEntityTooLarge, 0},
		{"長さ不明でも上限を超えるボディは413で転送されない", strings.Repeat("a", 17), true, http.StatusRequestEntityTooLarge, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, b := newRouter(t)
			req := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(tt.body))
			if tt.unknownLength {
				req.ContentLength = -1
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body=%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if got := b.hits.Load(); got != tt.wantHits {
				t.Errorf("バックエンド呼び出し回数 = %d, want %d", got, tt.wantHits)
			}
			if tt.wantStatus == http.StatusRequestEntityTooLarge {
				var body map[string]string
				if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["error"] == "" {
					t.Errorf("errorフィールドがありません: %s", w.Body.String())
				}
			}
		})
	}
}

func TestHasResults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want bool
	}{
		{name: "空でない配列", body: `[1]`, want: true},
		{name: "空の配列", body: `[]`, want: false},
		{name: "dataが空でない", body: `{"data":[{"a":1}]}`, want: true},
		{name: "dataが空", body: `{"data":[]}`, want: false},
		{name: "dataが無い", body: `{"success":true}`, want: false},
		{name: "dataがオブジェクト", body: `{"data":{"a":1}}`, want: true},
		{name: "JSONでない", body: `oops`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := hasResults([]byte(tt.body)); got != tt.want {
				t.Errorf("hasResults(%s) = %v, want %v", tt.body, got, tt.want)
			}
		})
	}
}
