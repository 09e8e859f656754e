package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Local はローカルファイルシステム上の成果物ストレージです。
// ダウンロードURLはHMAC-SHA256で署名した期限付きURLを生成します。
type Local struct {
	baseDir string
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewLocal は保存先ディレクトリを作成して Local を返します。
func NewLocal(baseDir, baseURL string, secret []byte) (*Local, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir is required")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("signing secret is required")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &Local{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
	}, nil
}

// Save は成果物を保存し、書き込んだバイト数を返します。
func (l *Local) Save(ctx context.Context, name string, r io.Reader) (int64, error) {
	path, err := l.pathFor(name)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("failed to create artifact: %w", err)
	}
	defer file.Close()

	written, err := io.Copy(file, r)
	if err != nil {
		return written, fmt.Errorf("failed to write artifact: %w", err)
	}
	return written, nil
}

// Open は成果物のリーダーとサイズを返します。
func (l *Local) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	path, err := l.pathFor(name)
	if err != nil {
		return nil, 0, err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, 0, fmt.Errorf("failed to open artifact: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return file, info.Size(), nil
}

// Stat は成果物の存在確認とサイズ取得を行います。
func (l *Local) Stat(ctx context.Context, name string) (int64, error) {
	path, err := l.pathFor(name)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return 0, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return info.Size(), nil
}

// Delete は成果物を削除します。存在しない場合はエラーになりません。
func (l *Local) Delete(ctx context.Context, name string) error {
	path, err := l.pathFor(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// SignedURL は期限付きダウンロードURLと有効期限を返します。
func (l *Local) SignedURL(name string, expiry time.Duration) (string, time.Time, error) {
	if _, err := sanitizeName(name); err != nil {
		return "", time.Time{}, err
	}

	expiresAt := l.now().Add(expiry).UTC()
	sig := l.sign(name, expiresAt.Unix())
	signed := fmt.Sprintf("%s/api/files/%s?exp=%d&sig=%s",
		l.baseURL, url.PathEscape(name), expiresAt.Unix(), sig)
	return signed, expiresAt, nil
}

// VerifyURL は署名と有効期限を検証します。
func (l *Local) VerifyURL(name, expRaw, sig string) error {
	if _, err := sanitizeName(name); err != nil {
		return err
	}

	exp, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad expiry", ErrBadSignature)
	}

	expected := l.sign(name, exp)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrBadSignature
	}
	if l.now().UTC().After(time.Unix(exp, 0)) {
		return ErrExpiredURL
	}
	return nil
}

func (l *Local) sign(name string, exp int64) string {
	mac := hmac.New(sha256.New, l.secret)
	fmt.Fprintf(mac, "%s:%d", name, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

func (l *Local) pathFor(name string) (string, error) {
	clean, err := sanitizeName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.baseDir, clean), nil
}

// sanitizeName はパス区切りや相対参照を含む名前を拒否します。
func sanitizeName(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}
