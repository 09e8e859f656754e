package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/doc-relay/internal/config"
	"github.com/yourusername/doc-relay/internal/jobs"
	"github.com/yourusername/doc-relay/internal/storage"
)

func newHandlerTestStore(t *testing.T) *jobs.Store {
	t.Helper()
	return jobs.NewStore(log.New(io.Discard, "", 0))
}

func newHandlerTestStorage(t *testing.T) *storage.Local {
	t.Helper()
	local, err := storage.NewLocal(t.TempDir(), "http://localhost:8080", []byte("handler-test-secret"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return local
}

func handlerTestConfig() *config.Config {
	return &config.Config{
		GinMode:            "test",
		OutputExtension:    "epub",
		DownloadTTLSeconds: 300,
	}
}

func serveJSON(t *testing.T, router *gin.Engine, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))

	payload := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to parse response body %q: %v", rec.Body.String(), err)
		}
	}
	return rec, payload
}

func TestJobStatusHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newHandlerTestStore(t)
	router := gin.New()
	router.GET("/api/jobs/:id", jobStatusHandler(store))

	pendingID := jobs.NewJobID()
	if _, err := store.Create(pendingID, "report.pdf"); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if err := store.UpdateExecution(pendingID, jobs.ExecutionInfo{ID: "E1", Status: "running"}); err != nil {
		t.Fatalf("failed to attach execution: %v", err)
	}

	t.Run("pending job", func(t *testing.T) {
		rec, payload := serveJSON(t, router, http.MethodGet, "/api/jobs/"+pendingID)
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
		if payload["status"] != "pending" {
			t.Fatalf("unexpected job status: %v", payload["status"])
		}
		if payload["ready"] != false {
			t.Fatalf("pending job must not be ready: %v", payload["ready"])
		}
		exec, ok := payload["execution"].(map[string]any)
		if !ok || exec["executionId"] != "E1" {
			t.Fatalf("unexpected execution: %v", payload["execution"])
		}
		if _, present := payload["downloadUrl"]; present {
			t.Fatal("pending job must not expose a download url")
		}
	})

	t.Run("completed job with cached url", func(t *testing.T) {
		doneID := jobs.NewJobID()
		if _, err := store.Create(doneID, "report.pdf"); err != nil {
			t.Fatalf("failed to create job: %v", err)
		}
		if err := store.Complete(doneID, "R1.epub"); err != nil {
			t.Fatalf("failed to complete job: %v", err)
		}
		if err := store.SetDownloadURL(doneID, "http://localhost:8080/api/files/R1.epub?exp=1&sig=x", time.Now().Add(5*time.Minute)); err != nil {
			t.Fatalf("failed to cache url: %v", err)
		}

		rec, payload := serveJSON(t, router, http.MethodGet, "/api/jobs/"+doneID)
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
		if payload["status"] != "done" || payload["ready"] != true {
			t.Fatalf("unexpected payload: %v", payload)
		}
		if payload["downloadUrl"] == nil {
			t.Fatal("completed job with a fresh cached url must expose it")
		}
	})

	t.Run("failed job reports error info", func(t *testing.T) {
		failedID := jobs.NewJobID()
		if _, err := store.Create(failedID, "report.pdf"); err != nil {
			t.Fatalf("failed to create job: %v", err)
		}
		if err := store.Fail(failedID, &jobs.ErrorInfo{Code: "WORKFLOW_FAILED", Message: "boom"}); err != nil {
			t.Fatalf("failed to fail job: %v", err)
		}

		rec, payload := serveJSON(t, router, http.MethodGet, "/api/jobs/"+failedID)
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
		errInfo, ok := payload["error"].(map[string]any)
		if !ok || errInfo["code"] != "WORKFLOW_FAILED" {
			t.Fatalf("unexpected error info: %v", payload["error"])
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		rec, payload := serveJSON(t, router, http.MethodGet, "/api/jobs/"+jobs.NewJobID())
		if rec.Code != http.StatusNotFound {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
		if payload["code"] != "JOB_NOT_FOUND" {
			t.Fatalf("unexpected code: %v", payload["code"])
		}
	})

	t.Run("malformed id", func(t *testing.T) {
		rec, payload := serveJSON(t, router, http.MethodGet, "/api/jobs/not-a-uuid")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
		if payload["code"] != "INVALID_JOB_ID" {
			t.Fatalf("unexpected code: %v", payload["code"])
		}
	})
}

func TestJobExecutionHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newHandlerTestStore(t)
	router := gin.New()
	router.GET("/api/jobs/:id/execution", jobExecutionHandler(store))

	withExec := jobs.NewJobID()
	if _, err := store.Create(withExec, "report.pdf"); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if err := store.UpdateExecution(withExec, jobs.ExecutionInfo{ID: "E1", Status: "running", Mode: "production"}); err != nil {
		t.Fatalf("failed to attach execution: %v", err)
	}

	withoutExec := jobs.NewJobID()
	if _, err := store.Create(withoutExec, "plain.pdf"); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}

	rec, payload := serveJSON(t, router, http.MethodGet, "/api/jobs/"+withExec+"/execution")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	exec, ok := payload["execution"].(map[string]any)
	if !ok || exec["executionId"] != "E1" {
		t.Fatalf("unexpected execution: %v", payload["execution"])
	}

	rec, payload = serveJSON(t, router, http.MethodGet, "/api/jobs/"+withoutExec+"/execution")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if payload["code"] != "EXECUTION_NOT_FOUND" {
		t.Fatalf("unexpected code: %v", payload["code"])
	}
}

func TestDownloadURLHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newHandlerTestStore(t)
	artifacts := newHandlerTestStorage(t)
	cfg := handlerTestConfig()

	router := gin.New()
	router.GET("/api/jobs/:id/download-url", downloadURLHandler(store, artifacts, cfg))

	t.Run("pending job is not ready", func(t *testing.T) {
		jobID := jobs.NewJobID()
		if _, err := store.Create(jobID, "report.pdf"); err != nil {
			t.Fatalf("failed to create job: %v", err)
		}

		rec, payload := serveJSON(t, router, http.MethodGet, "/api/jobs/"+jobID+"/download-url")
		if rec.Code != http.StatusConflict {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
		if payload["code"] != "JOB_NOT_READY" {
			t.Fatalf("unexpected code: %v", payload["code"])
		}
	})

	t.Run("failed job has no artifact", func(t *testing.T) {
		jobID := jobs.NewJobID()
		if _, err := store.Create(jobID, "report.pdf"); err != nil {
			t.Fatalf("failed to create job: %v", err)
		}
		if err := store.Fail(jobID, &jobs.ErrorInfo{Code: "WORKFLOW_FAILED", Message: "boom"}); err != nil {
			t.Fatalf("failed to fail job: %v", err)
		}

		rec, payload := serveJSON(t, router, http.MethodGet, "/api/jobs/"+jobID+"/download-url")
		if rec.Code != http.StatusConflict {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
		if payload["code"] != "JOB_FAILED" {
			t.Fatalf("unexpected code: %v", payload["code"])
		}
	})

	t.Run("completed job issues and reuses a signed url", func(t *testing.T) {
		if _, err := artifacts.Save(context.Background(), "R1.epub", strings.NewReader("epub payload")); err != nil {
			t.Fatalf("failed to save artifact: %v", err)
		}

		jobID := jobs.NewJobID()
		if _, err := store.Create(jobID, "report.pdf"); err != nil {
			t.Fatalf("failed to create job: %v", err)
		}
		if err := store.Complete(jobID, "R1.epub"); err != nil {
			t.Fatalf("failed to complete job: %v", err)
		}

		rec, payload := serveJSON(t, router, http.MethodGet, "/api/jobs/"+jobID+"/download-url")
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
		}
		first, _ := payload["url"].(string)
		if first == "" || !strings.Contains(first, "/api/files/R1.epub?") {
			t.Fatalf("unexpected url: %q", first)
		}
		if payload["filename"] != "report.epub" {
			t.Fatalf("unexpected filename: %v", payload["filename"])
		}
		if payload["expiresInSeconds"] == nil {
			t.Fatal("expiresInSeconds is missing")
		}

		// 期限に余裕があるうちは同じURLが返る
		rec, payload = serveJSON(t, router, http.MethodGet, "/api/jobs/"+jobID+"/download-url")
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status on reuse: %d", rec.Code)
		}
		if second, _ := payload["url"].(string); second != first {
			t.Fatalf("cached url was not reused: %q vs %q", first, second)
		}
	})

	t.Run("missing artifact", func(t *testing.T) {
		jobID := jobs.NewJobID()
		if _, err := store.Create(jobID, "report.pdf"); err != nil {
			t.Fatalf("failed to create job: %v", err)
		}
		if err := store.Complete(jobID, "vanished.epub"); err != nil {
			t.Fatalf("failed to complete job: %v", err)
		}

		rec, payload := serveJSON(t, router, http.MethodGet, "/api/jobs/"+jobID+"/download-url")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
		if payload["code"] != "ARTIFACT_NOT_FOUND" {
			t.Fatalf("unexpected code: %v", payload["code"])
		}
	})
}

func TestFileDownloadHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	artifacts := newHandlerTestStorage(t)

	router := gin.New()
	router.GET("/api/files/:name", fileDownloadHandler(artifacts))

	content := "%PDF-1.4 converted artifact body"
	if _, err := artifacts.Save(context.Background(), "R1.epub", strings.NewReader(content)); err != nil {
		t.Fatalf("failed to save artifact: %v", err)
	}

	signedPath := func(t *testing.T, name string, ttl time.Duration) string {
		t.Helper()
		signed, _, err := artifacts.SignedURL(name, ttl)
		if err != nil {
			t.Fatalf("failed to sign url: %v", err)
		}
		parsed, err := url.Parse(signed)
		if err != nil {
			t.Fatalf("failed to parse signed url: %v", err)
		}
		return parsed.Path + "?" + parsed.RawQuery
	}

	t.Run("valid signature streams the artifact", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, signedPath(t, "R1.epub", 5*time.Minute), nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
		}
		if rec.Body.String() != content {
			t.Fatalf("unexpected body: %q", rec.Body.String())
		}
		if disp := rec.Header().Get("Content-Disposition"); !strings.Contains(disp, "R1.epub") {
			t.Fatalf("unexpected content disposition: %q", disp)
		}
		if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
			t.Fatalf("unexpected cache control: %q", cc)
		}
	})

	t.Run("tampered signature", func(t *testing.T) {
		target := signedPath(t, "R1.epub", 5*time.Minute)
		target = strings.Replace(target, "sig=", "sig=00", 1)

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

		if rec.Code != http.StatusForbidden {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
	})

	t.Run("expired url", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, signedPath(t, "R1.epub", -time.Minute), nil))

		if rec.Code != http.StatusGone {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
	})

	t.Run("signed url for a vanished artifact", func(t *testing.T) {
		if _, err := artifacts.Save(context.Background(), "gone.epub", strings.NewReader("x")); err != nil {
			t.Fatalf("failed to save artifact: %v", err)
		}
		target := signedPath(t, "gone.epub", 5*time.Minute)
		if err := artifacts.Delete(context.Background(), "gone.epub"); err != nil {
			t.Fatalf("failed to delete artifact: %v", err)
		}

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

		if rec.Code != http.StatusNotFound {
			t.Fatalf("unexpected status: %d", rec.Code)
		}
	})
}
