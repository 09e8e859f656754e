// Package ratelimit はルート×クライアントIP単位のレート制限を提供します。
package ratelimit

import (
	"context"
	"time"
)

// Result は1リクエスト分の判定結果です。
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter はキーごとの毎分リクエスト数を判定します。
type Limiter interface {
	Allow(ctx context.Context, key string, perMinute int) (Result, error)
}
