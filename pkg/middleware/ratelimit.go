package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// 一定時間アクセスのないクライアントのリミッターは破棄する。
const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter はクライアントIP単位のトークンバケット方式のレート制限。
// windowあたりlimit回までのリクエストを許可する。
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*clientLimiter
	every     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter はwindowあたりlimit回を上限とするRateLimiterを生成する。
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	return &RateLimiter{
		limiters:  make(map[string]*clientLimiter),
		every:     rate.Every(window / time.Duration(limit)),
		burst:     limit,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow はkeyのクライアントが1リクエスト消費できるかを判定する。
// 拒否した場合は次にリクエストできるまでの待ち時間を返す。
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := rl.now()
	l := rl.get(key, now)

	r := l.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// AbortTooManyRequests はRetry-Afterヘッダー付きで429を返し、リクエストを中断する。
func AbortTooManyRequests(c *gin.Context, wait time.Duration) {
	c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds(wait)))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error": "リクエストが多すぎます。しばらくしてから再試行してください",
	})
}

// RetryAfterSeconds は待ち時間をRetry-Afterヘッダー用の秒数（最低1秒）に切り上げる。
func RetryAfterSeconds(wait time.Duration) int {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func (rl *RateLimiter) get(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > limiterSweepInterval {
		for k, v := range rl.limiters {
			if now.Sub(v.lastSeen) > limiterIdleTTL {
				delete(rl.limiters, k)
			}
		}
		rl.lastSweep = now
	}

	if v, ok := rl.limiters[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	l := rate.NewLimiter(rl.every, rl.burst)
	rl.limiters[key] = &clientLimiter{limiter: l, lastSeen: now}
	return l
}

// size は保持しているリミッターの数を返す。
func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
