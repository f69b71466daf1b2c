package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/plant-analytics/pkg/config"
	"github.com/nao1215/plant-analytics/pkg/identity"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestServer はインメモリのSQLiteを使った認証サーバーを生成する。
func newTestServer(t *testing.T) *Server {
	t.Helper()

	svc, _ := newTestService(t)
	cfg := &config.Auth{Port: "0", CORSOrigin: []string{"*"}}
	return NewServer(cfg, svc, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("リクエストボディのエンコードに失敗: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

var aliceRegistration = map[string]string{
	"email":     "alice@example.com",
	"password":  "correct-horse",
	"firstName": "Alice",
	"lastName":  "Smith",
}

func TestServer_Register(t *testing.T) {
	t.Parallel()

	t.Run("登録に成功すると201とトークンが返ること", func(t *testing.T) {
		t.Parallel()

		w := doJSON(t, newTestServer(t), http.MethodPost, "/auth/register", aliceRegistration)
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
		}

		var res AuthResult
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if res.AccessToken == "" || res.User.FirstName != "Alice" {
			t.Errorf("レスポンス = %+v", res)
		}
	})

	t.Run("重複した登録は409になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		doJSON(t, s, http.MethodPost, "/auth/register", aliceRegistration)
		w := doJSON(t, s, http.MethodPost, "/auth/register", aliceRegistration)

		if w.Code != http.StatusConflict {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusConflict)
		}
	})

	t.Run("入力が不正な場合は400と詳細が返ること", func(t *testing.T) {
		t.Parallel()

		w := doJSON(t, newTestServer(t), http.MethodPost, "/auth/register", map[string]string{
			"email":    "not-an-email",
			"password": "",
		})
		if w.Code != http.StatusBadRequest {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
		var body struct {
			Details []string `json:"details"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &body)
		if len(body.Details) < 3 {
			t.Errorf("details = %v, email・password・氏名の検証失敗を期待", body.Details)
		}
	})

	t.Run("短いパスワードでも登録後に同じユーザーとしてログインできること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t)
		rw := doJSON(t, s, http.MethodPost, "/auth/register", map[string]string{
			"email":     "a@x.com",
			"password":  "p1",
			"firstName": "A",
			"lastName":  "X",
		})
		if rw.Code != http.StatusCreated {
			t.Fatalf("登録のステータスコード = %d, want %d: %s", rw.Code, http.StatusCreated, rw.Body.String())
		}
		lw := doJSON(t, s, http.MethodPost, "/auth/login", map[string]string{"email": "a@x.com", "password": "p1"})
		if lw.Code != http.StatusOK {
			t.Fatalf("ログインのステータスコード = %d, want %d: %s", lw.Code, http.StatusOK, lw.Body.String())
		}

		var reg, login AuthResult
		if err := json.Unmarshal(rw.Body.Bytes(), &reg); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if err := json.Unmarshal(lw.Body.Bytes(), &login); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if login.AccessToken == "" || login.AccessToken == reg.AccessToken {
			t.Errorf("ログイン時のトークン = %q, 登録時と異なる値を期待", login.AccessToken)
		}
		if login.User.ID != reg.User.ID {
			t.Errorf("ユーザーID = %q, want %q", login.User.ID, reg.User.ID)
		}
	})

	t.Run("JSONでないボディは400になること", func(t *testing.T) {
		t.Parallel()

		w := doJSON(t, newTestServer(t), http.MethodPost, "/auth/register", "{broken")
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

func TestServer_LoginAndVerify(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	if w := doJSON(t, s, http.MethodPost, "/auth/register", aliceRegistration); w.Code != http.StatusCreated {
		t.Fatalf("ユーザー登録に失敗: %d %s", w.Code, w.Body.String())
	}

	t.Run("ログインに成功すると200とトークンが返り検証できること", func(t *testing.T) {
		t.Parallel()

		w := doJSON(t, s, http.MethodPost, "/auth/login", map[string]string{
			"email":    "ALICE@example.com",
			"password": "correct-horse",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var res AuthResult
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}

		vw := doJSON(t, s, http.MethodPost, "/auth/verify", map[string]string{"token": res.AccessToken})
		if vw.Code != http.StatusOK {
			t.Fatalf("検証のステータスコード = %d, want %d", vw.Code, http.StatusOK)
		}
		var vr identity.VerificationResult
		if err := json.Unmarshal(vw.Body.Bytes(), &vr); err != nil {
			t.Fatalf("検証結果のパースに失敗: %v", err)
		}
		if !vr.Valid || vr.User == nil || vr.User.Email != "alice@example.com" {
			t.Errorf("検証結果 = %+v", vr)
		}
	})

	t.Run("パスワードが違う場合は401になること", func(t *testing.T) {
		t.Parallel()

		w := doJSON(t, s, http.MethodPost, "/auth/login", map[string]string{
			"email":    "alice@example.com",
			"password": "wrong",
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("不正なトークンでも200で無効な結果が返ること", func(t *testing.T) {
		t.Parallel()

		for _, body := range []any{map[string]string{"token": "garbage"}, map[string]string{}, "{broken"} {
			w := doJSON(t, s, http.MethodPost, "/auth/verify", body)
			if w.Code != http.StatusOK {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
			}
			var vr identity.VerificationResult
			_ = json.Unmarshal(w.Body.Bytes(), &vr)
			if vr.Valid || vr.Error != identity.ErrKindInvalidToken {
				t.Errorf("検証結果 = %+v, want invalid_token", vr)
			}
		}
	})
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	t.Run("ストアに接続できる場合はhealthyになること", func(t *testing.T) {
		t.Parallel()

		w := doJSON(t, newTestServer(t), http.MethodGet, "/auth/health", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]string
		_ = json.Unmarshal(w.Body.Bytes(), &body)
		if body["status"] != "healthy" || body["service"] != "auth-service" {
			t.Errorf("レスポンス = %v", body)
		}
	})

	t.Run("ストアに接続できない場合は503になること", func(t *testing.T) {
		t.Parallel()

		svc := NewService(failingStore{err: http.ErrHandlerTimeout}, NewTokenIssuer(testSecret, time.Hour), 0, nil)
		s := NewServer(&config.Auth{Port: "0"}, svc, nil)

		w := doJSON(t, s, http.MethodGet, "/auth/health", nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	})
}
