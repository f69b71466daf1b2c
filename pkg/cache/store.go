package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/nao1215/plant-analytics/pkg/config"
)

// DefaultTTL はTTL未指定時の有効期限。
const DefaultTTL = time.Hour

// ErrUnkeyable はパラメータからキャッシュキーを生成できないことを表す。
var ErrUnkeyable = errors.New("キャッシュキーを生成できません")

// Loader はキャッシュミス時に値を取得する関数。
// cacheableがfalseの値（空の結果など）はキャッシュに保存しない。
type Loader func(ctx context.Context) (value []byte, cacheable bool, err error)

// Store はキャッシュアサイド方式のキーバリューストア。
// clientがnilの場合は常にミスとして動作する。
type Store struct {
	client     redis.UniversalClient
	defaultTTL time.Duration
	// loadTimeout はloaderに与える期限。0の場合は期限を設けない。
	loadTimeout time.Duration
	logger      *slog.Logger
	group       singleflight.Group

	lookups *prometheus.CounterVec
}

// Option はStoreの設定を変更する。
type Option func(*Store)

// WithLogger はStoreが使用するロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLoadTimeout はキャッシュミス時のloaderの実行期限を設定する。
func WithLoadTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.loadTimeout = d
		}
	}
}

// New はStoreを生成する。defaultTTLが0以下の場合はDefaultTTLを使用する。
func New(client redis.UniversalClient, defaultTTL time.Duration, opts ...Option) *Store {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	s := &Store{
		client:     client,
		defaultTTL: defaultTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register はキャッシュのヒット/ミス件数のメトリクスをregに登録する。
func (s *Store) Register(reg prometheus.Registerer) error {
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "キャッシュ参照の件数（result=hit|miss|error）",
	}, []string{"result"})
	if err := reg.Register(lookups); err != nil {
		return fmt.Errorf("キャッシュメトリクスの登録に失敗: %w", err)
	}
	s.lookups = lookups
	return nil
}

// NewClient は設定からRedisクライアントを生成する。接続は遅延して行われる。
func NewClient(cfg config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// Ping はRedisへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return errors.New("Redisクライアントが設定されていません")
	}
	return s.client.Ping(ctx).Err()
}

// Healthy はRedisに接続できるかを返す。
func (s *Store) Healthy(ctx context.Context) bool {
	return s.Ping(ctx) == nil
}

// Close はRedisクライアントを閉じる。
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Get はkeyの値を返す。存在しない場合やRedisの障害時はfalseを返す。
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	if s.client == nil {
		return nil, false
	}
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		s.observe("miss")
		return nil, false
	}
	if err != nil {
		s.observe("error")
		s.logger.WarnContext(ctx, "キャッシュの取得に失敗しました", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	s.observe("hit")
	return val, true
}

// Set はkeyに値をTTL付きで保存する。ttlが0以下の場合はデフォルトTTLを使用する。
// 失敗はログに記録するのみで呼び出し側には返さない。
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if s.client == nil {
		return
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		s.logger.WarnContext(ctx, "キャッシュの保存に失敗しました", slog.String("key", key), slog.Any("error", err))
	}
}

type fetchResult struct {
	value []byte
	hit   bool
}

// Fetch はキャッシュアサイド方式で値を取得する。
// ヒットした場合はキャッシュの値とtrueを返す。ミスした場合はloaderを呼び出し、
// cacheableな値のみ保存する。同じkeyへの同時ミスはloaderの呼び出し1回にまとめる。
// loaderは呼び出し元のキャンセルから切り離して実行するため、
// 最初の呼び出し元が離脱しても相乗りした呼び出し元は結果を受け取れる。
func (s *Store) Fetch(ctx context.Context, key string, ttl time.Duration, loader Loader) ([]byte, bool, error) {
	ch := s.group.DoChan(key, func() (any, error) {
		lctx := context.WithoutCancel(ctx)
		if s.loadTimeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(lctx, s.loadTimeout)
			defer cancel()
		}

		if val, ok := s.Get(lctx, key); ok {
			return fetchResult{value: val, hit: true}, nil
		}
		val, cacheable, err := loader(lctx)
		if err != nil {
			return nil, err
		}
		if cacheable {
			s.Set(lctx, key, val, ttl)
		}
		return fetchResult{value: val}, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		r := res.Val.(fetchResult)
		return r.value, r.hit, nil
	}
}

func (s *Store) observe(result string) {
	if s.lookups != nil {
		s.lookups.WithLabelValues(result).Inc()
	}
}

// Key はprefixとパラメータからキャッシュキーを生成する。
// nil・nilポインタ・空文字列の値は除外し、名前順に並べたJSONを"prefix:"に続けて連結する。
// 同じパラメータの集合からは常に同じキーが生成される。
// JSONに変換できない値を含む場合はErrUnkeyableを返し、呼び出し側はキャッシュを使用しない。
func Key(prefix string, params map[string]any) (string, error) {
	filtered := make(map[string]any, len(params))
	for k, v := range params {
		if isEmpty(v) {
			continue
		}
		filtered[k] = v
	}
	// encoding/jsonはmapのキーを昇順に並べて出力する
	b, err := json.Marshal(filtered)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnkeyable, err)
	}
	return prefix + ":" + string(b), nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
