// Package storage はストレージ抽象化レイヤーを提供します。
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound は対象の成果物が存在しない場合に返されます。
	ErrNotFound = errors.New("artifact not found")
	// ErrInvalidName は成果物名が不正な場合に返されます。
	ErrInvalidName = errors.New("invalid artifact name")
	// ErrExpiredURL はダウンロードURLの有効期限切れを表します。
	ErrExpiredURL = errors.New("download url expired")
	// ErrBadSignature はダウンロードURLの署名不一致を表します。
	ErrBadSignature = errors.New("download url signature mismatch")
)

// Storage は名前付きバイナリの保存と取得を提供します。
type Storage interface {
	Save(ctx context.Context, name string, r io.Reader) (int64, error)
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	Stat(ctx context.Context, name string) (int64, error)
	Delete(ctx context.Context, name string) error
	SignedURL(name string, expiry time.Duration) (string, time.Time, error)
}
