package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/doc-relay/internal/config"
	"github.com/yourusername/doc-relay/internal/convert"
	"github.com/yourusername/doc-relay/internal/jobs"
	"github.com/yourusername/doc-relay/internal/ratelimit"
	"github.com/yourusername/doc-relay/internal/storage"
	"github.com/yourusername/doc-relay/internal/workflow"
)

// downloadURLReuseWindow 以上の残り時間があるキャッシュ済みURLはそのまま返します。
const downloadURLReuseWindow = 30 * time.Second

// setupRoutes は API グループとジョブ関連の配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config) error {
	logger := log.Default()

	store := jobs.NewStore(logger)

	secret := cfg.DownloadSecret
	if secret == "" {
		// 未設定時は起動ごとのランダム鍵（再起動をまたぐURLは無効になる）
		generated, err := randomSecret()
		if err != nil {
			return err
		}
		secret = generated
		logger.Printf("DOWNLOAD_SECRET is not set; using a per-process random key")
	}

	artifacts, err := storage.NewLocal(cfg.StorageDir, cfg.PublicBaseURL, []byte(secret))
	if err != nil {
		return err
	}

	forwarder := workflow.NewForwarder(cfg, logger)
	svc, err := convert.NewService(cfg, store, forwarder, artifacts, logger)
	if err != nil {
		return err
	}

	limiter, err := setupLimiter(cfg, logger)
	if err != nil {
		return err
	}

	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	{
		api.POST("/convert",
			ratelimit.Middleware(limiter, "convert", cfg.RateLimitPerMinute, logger),
			convert.UploadHandler(svc),
		)
		api.GET("/jobs/:id",
			ratelimit.Middleware(limiter, "status", cfg.RateLimitPerMinute, logger),
			jobStatusHandler(store),
		)
		api.GET("/jobs/:id/execution",
			ratelimit.Middleware(limiter, "execution", cfg.RateLimitPerMinute, logger),
			jobExecutionHandler(store),
		)
		api.GET("/jobs/:id/download-url",
			ratelimit.Middleware(limiter, "download-url", cfg.RateLimitPerMinute, logger),
			downloadURLHandler(store, artifacts, cfg),
		)
		api.GET("/files/:name",
			ratelimit.Middleware(limiter, "files", cfg.RateLimitPerMinute, logger),
			fileDownloadHandler(artifacts),
		)

		// コールバックは信頼済み呼び出し元のため専用の緩い上限を適用する
		api.POST("/callback",
			ratelimit.Middleware(limiter, "callback", cfg.CallbackRateLimitPerMinute, logger),
			convert.CallbackHandler(svc, cfg.CallbackSecret),
		)

		// 運用確認用エンドポイントは開発モードのみ
		if cfg.GinMode != "release" {
			admin := api.Group("/admin")
			admin.GET("/jobs", jobsListHandler(store))
			admin.GET("/jobs/stats", jobsStatsHandler(store))
		}
	}

	return nil
}

// setupLimiter はRedisが構成されていればRedis、なければインメモリのレート制限を返します。
func setupLimiter(cfg *config.Config, logger *log.Logger) (ratelimit.Limiter, error) {
	if cfg.RedisURL == "" {
		logger.Printf("rate limiting uses the in-memory token bucket")
		return ratelimit.NewMemory(), nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	logger.Printf("rate limiting uses redis counters at %s", opt.Addr)
	return ratelimit.NewRedis(redis.NewClient(opt)), nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate download secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func jobStatusHandler(store *jobs.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if !jobs.ValidateJobID(jobID) {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_JOB_ID",
				"message": "jobId の形式が不正です。",
			})
			return
		}

		record, ok := store.Get(jobID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		payload := gin.H{
			"jobId":     record.JobID,
			"status":    record.Status,
			"ready":     record.Status == jobs.StatusSucceeded,
			"filename":  record.SourceFilename,
			"createdAt": record.CreatedAt,
			"updatedAt": record.UpdatedAt,
		}
		if record.Execution != nil {
			payload["execution"] = record.Execution
		}
		if record.DownloadURL != "" && time.Now().Before(record.DownloadExpiresAt) {
			payload["downloadUrl"] = record.DownloadURL
		}
		if record.Error != nil {
			payload["error"] = record.Error
		}

		c.JSON(http.StatusOK, payload)
	}
}

func jobExecutionHandler(store *jobs.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if !jobs.ValidateJobID(jobID) {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_JOB_ID",
				"message": "jobId の形式が不正です。",
			})
			return
		}

		record, ok := store.Get(jobID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}
		if record.Execution == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "EXECUTION_NOT_FOUND",
				"message": "このジョブには実行情報が記録されていません。",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"jobId":     record.JobID,
			"execution": record.Execution,
			"jobStatus": record.Status,
			"createdAt": record.CreatedAt,
			"updatedAt": record.UpdatedAt,
		})
	}
}

func downloadURLHandler(store *jobs.Store, artifacts *storage.Local, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if !jobs.ValidateJobID(jobID) {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_JOB_ID",
				"message": "jobId の形式が不正です。",
			})
			return
		}

		record, ok := store.Get(jobID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		switch record.Status {
		case jobs.StatusPending:
			c.JSON(http.StatusConflict, gin.H{
				"code":    "JOB_NOT_READY",
				"message": "ジョブはまだ完了していません。",
			})
			return
		case jobs.StatusFailed:
			c.JSON(http.StatusConflict, gin.H{
				"code":    "JOB_FAILED",
				"message": "ジョブは失敗したため成果物はありません。",
			})
			return
		}

		filename := workflow.DerivedFilename(record.SourceFilename, cfg.OutputExtension)

		// 有効期限に余裕のあるキャッシュ済みURLを再利用する
		if record.DownloadURL != "" {
			remaining := time.Until(record.DownloadExpiresAt)
			if remaining > downloadURLReuseWindow {
				c.JSON(http.StatusOK, gin.H{
					"url":              record.DownloadURL,
					"filename":         filename,
					"expiresInSeconds": int(remaining.Seconds()),
				})
				return
			}
		}

		if _, err := artifacts.Stat(c.Request.Context(), record.ResultRef); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "ARTIFACT_NOT_FOUND",
					"message": "ジョブの成果物が見つかりませんでした。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブの成果物取得に失敗しました。",
			})
			return
		}

		ttl := time.Duration(cfg.DownloadTTLSeconds) * time.Second
		signedURL, expiresAt, err := artifacts.SignedURL(record.ResultRef, ttl)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ダウンロードURLの生成に失敗しました。",
			})
			return
		}

		if err := store.SetDownloadURL(jobID, signedURL, expiresAt); err != nil {
			log.Printf("failed to cache download url for job=%s: %v", jobID, err)
		}

		c.JSON(http.StatusOK, gin.H{
			"url":              signedURL,
			"filename":         filename,
			"expiresInSeconds": cfg.DownloadTTLSeconds,
		})
	}
}

func fileDownloadHandler(artifacts *storage.Local) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")

		if err := artifacts.VerifyURL(name, c.Query("exp"), c.Query("sig")); err != nil {
			switch {
			case errors.Is(err, storage.ErrExpiredURL):
				c.JSON(http.StatusGone, gin.H{
					"code":    "URL_EXPIRED",
					"message": "ダウンロードURLの有効期限が切れています。",
				})
			default:
				c.JSON(http.StatusForbidden, gin.H{
					"code":    "INVALID_SIGNATURE",
					"message": "ダウンロードURLが不正です。",
				})
			}
			return
		}

		reader, size, err := artifacts.Open(c.Request.Context(), name)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "ARTIFACT_NOT_FOUND",
					"message": "ジョブの成果物が見つかりませんでした。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブの成果物取得に失敗しました。",
			})
			return
		}
		defer reader.Close()

		contentType := detectContentType(reader)

		encodedName := url.PathEscape(name)
		c.Header("Content-Type", contentType)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", name, encodedName))
		c.Header("Cache-Control", "no-store")
		c.DataFromReader(http.StatusOK, size, contentType, reader, nil)
	}
}

// detectContentType は先頭バイトから Content-Type を判定し、読み取り位置を戻します。
func detectContentType(reader io.ReadCloser) string {
	contentType := "application/octet-stream"
	seeker, ok := reader.(io.ReadSeeker)
	if !ok {
		return contentType
	}
	if mtype, err := mimetype.DetectReader(seeker); err == nil {
		contentType = mtype.String()
	}
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return "application/octet-stream"
	}
	return contentType
}

func jobsListHandler(store *jobs.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"jobs": store.All(),
		})
	}
}

func jobsStatsHandler(store *jobs.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, store.GetStats())
	}
}
