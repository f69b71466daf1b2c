package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout はタイムアウト未指定時に使用する値。
const DefaultTimeout = 30 * time.Second

// DefaultMaxResponseBytes は読み込むレスポンスボディの上限の既定値。
const DefaultMaxResponseBytes = 32 << 20

// ErrResponseTooLarge はレスポンスボディが上限を超えたことを表す。
var ErrResponseTooLarge = errors.New("レスポンスボディが上限を超えています")

// StatusError は2xx以外のステータスが返されたことを表すエラー。
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, string(e.Body))
}

// Response はバックエンドから受け取ったレスポンス。ボディは読み込み済み。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client はサービス間通信用のHTTPクライアント。
// タイムアウトとリトライの設定を持つ。
type Client struct {
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
	// retries は冪等なメソッドで通信エラー時に再試行する回数。
	retries int
	// retryBackoff は再試行までの待ち時間。
	retryBackoff time.Duration
	// maxResponseBytes はレスポンスボディの上限。超えた場合はErrResponseTooLargeを返す。
	maxResponseBytes int64
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithRetries は冪等なメソッドの再試行回数を設定する。
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithMaxResponseBytes はレスポンスボディの上限を設定する。
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResponseBytes = n
		}
	}
}

// New は新しいサービス間通信用HTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://auth-service:5000"）を指定する。
// timeoutが0以下の場合はDefaultTimeoutを使用する。
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			// リダイレクトは追跡せずそのままクライアントへ中継する
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL:          baseURL,
		retries:          1,
		retryBackoff:     100 * time.Millisecond,
		maxResponseBytes: DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
// 2xx以外のステータスは*StatusErrorとして返す。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")

	resp, err := c.Do(ctx, method, path, "", header, payload)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: resp.Body}
	}

	if result != nil {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// Do はbaseURL+path(+?rawQuery)へリクエストを送信し、レスポンス全体を読み込んで返す。
// ステータスコードに関わらずレスポンスを受け取れた場合はエラーを返さない。
// GET/HEADのみ、通信エラー時に設定回数まで再試行する。
// ボディが上限を超えた場合は再試行せずErrResponseTooLargeを返す。
func (c *Client) Do(ctx context.Context, method, path, rawQuery string, header http.Header, body []byte) (*Response, error) {
	url := c.baseURL + path
	if rawQuery != "" {
		url += "?" + rawQuery
	}

	attempts := 1
	if method == http.MethodGet || method == http.MethodHead {
		attempts += c.retries
	}

	var lastErr error
	for i := range attempts {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", ctx.Err())
			case <-time.After(c.retryBackoff):
			}
		}

		resp, err := c.send(ctx, method, url, header, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, ErrResponseTooLarge) {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, method, url string, header http.Header, body []byte) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み込みに失敗: %w", err)
	}
	if int64(len(data)) > c.maxResponseBytes {
		return nil, fmt.Errorf("%w: status=%d, limit=%d", ErrResponseTooLarge, resp.StatusCode, c.maxResponseBytes)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
