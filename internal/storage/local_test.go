package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	local, err := NewLocal(t.TempDir(), "http://localhost:8080", []byte("test-secret"))
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	return local
}

func TestSaveAndOpenRoundTrip(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()
	payload := []byte("converted artifact body")

	written, err := local.Save(ctx, "out.epub", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if written != int64(len(payload)) {
		t.Fatalf("unexpected written size: %d", written)
	}

	reader, size, err := local.Open(ctx, "out.epub")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer reader.Close()

	if size != int64(len(payload)) {
		t.Fatalf("unexpected size: %d", size)
	}
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("failed to read artifact: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("unexpected artifact content: %q", got)
	}

	if statSize, err := local.Stat(ctx, "out.epub"); err != nil || statSize != int64(len(payload)) {
		t.Fatalf("unexpected stat result: size=%d err=%v", statSize, err)
	}
}

func TestOpenMissingArtifact(t *testing.T) {
	local := newTestLocal(t)

	if _, _, err := local.Open(context.Background(), "missing.epub"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := local.Stat(context.Background(), "missing.epub"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Stat, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()

	if _, err := local.Save(ctx, "out.epub", strings.NewReader("x")); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := local.Delete(ctx, "out.epub"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if err := local.Delete(ctx, "out.epub"); err != nil {
		t.Fatalf("repeated Delete returned error: %v", err)
	}
}

func TestRejectsTraversalNames(t *testing.T) {
	local := newTestLocal(t)
	ctx := context.Background()

	for _, name := range []string{"", ".", "..", "../escape", "a/b", "a\\b"} {
		if _, err := local.Stat(ctx, name); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("expected ErrInvalidName for %q, got %v", name, err)
		}
	}
}

func TestSignedURLVerification(t *testing.T) {
	local := newTestLocal(t)

	signed, expiresAt, err := local.SignedURL("out.epub", 5*time.Minute)
	if err != nil {
		t.Fatalf("SignedURL returned error: %v", err)
	}
	if expiresAt.Before(time.Now()) {
		t.Fatalf("expiry is already in the past: %v", expiresAt)
	}

	parsed, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("failed to parse signed url: %v", err)
	}
	if !strings.HasPrefix(signed, "http://localhost:8080/api/files/") {
		t.Fatalf("unexpected url shape: %s", signed)
	}

	exp := parsed.Query().Get("exp")
	sig := parsed.Query().Get("sig")
	if err := local.VerifyURL("out.epub", exp, sig); err != nil {
		t.Fatalf("VerifyURL rejected a fresh url: %v", err)
	}

	// 署名の改ざん
	if err := local.VerifyURL("out.epub", exp, sig+"00"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	// 別の成果物名への流用
	if err := local.VerifyURL("other.epub", exp, sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for different name, got %v", err)
	}
	// 期限の改ざん
	if err := local.VerifyURL("out.epub", "9999999999", sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature for altered expiry, got %v", err)
	}
}

func TestSignedURLExpiry(t *testing.T) {
	local := newTestLocal(t)

	base := time.Now()
	local.now = func() time.Time { return base }

	signed, _, err := local.SignedURL("out.epub", time.Minute)
	if err != nil {
		t.Fatalf("SignedURL returned error: %v", err)
	}
	parsed, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("failed to parse signed url: %v", err)
	}
	exp := parsed.Query().Get("exp")
	sig := parsed.Query().Get("sig")

	local.now = func() time.Time { return base.Add(2 * time.Minute) }
	if err := local.VerifyURL("out.epub", exp, sig); !errors.Is(err, ErrExpiredURL) {
		t.Fatalf("expected ErrExpiredURL, got %v", err)
	}
}
