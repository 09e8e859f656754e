// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize int64 // アップロードファイルの最大サイズ（バイト）
	MaxPages    int   // アップロードPDFの最大ページ数

	// 外部ワークフロー設定
	WorkflowURL            string // 変換ワークフローのWebhook URL
	WorkflowTimeoutSeconds int    // ワークフロー転送のタイムアウト（秒）
	CallbackSecret         string // コールバック認証用の共有シークレット
	OutputExtension        string // 変換成果物の拡張子（ドットなし）

	// 成果物ストレージ設定
	StorageDir         string // 成果物の保存先ディレクトリ
	UploadTmpDir       string // アップロード一時ファイルの保存先（空の場合はOS既定）
	PublicBaseURL      string // ダウンロードURL生成用のベースURL
	DownloadSecret     string // ダウンロードURL署名用の秘密鍵
	DownloadTTLSeconds int    // ダウンロードURLの有効期間（秒）

	// レート制限設定
	RedisURL                   string // レート制限カウンタ用Redis接続URL（空の場合はインメモリ）
	RateLimitPerMinute         int    // 通常ルートの毎分リクエスト上限（IPごと）
	CallbackRateLimitPerMinute int    // コールバックルートの毎分リクエスト上限
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ファイル制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 50*1024*1024), // 50MB
		MaxPages:    getEnvAsInt("MAX_PAGES", 200),

		// 外部ワークフロー設定
		WorkflowURL:            getEnv("WORKFLOW_URL", ""),
		WorkflowTimeoutSeconds: getEnvAsInt("WORKFLOW_TIMEOUT_SECONDS", 30),
		CallbackSecret:         getEnv("CALLBACK_SECRET", ""),
		OutputExtension:        getEnv("OUTPUT_EXTENSION", "epub"),

		// 成果物ストレージ設定
		StorageDir:         getEnv("STORAGE_DIR", "./data/artifacts"),
		UploadTmpDir:       getEnv("UPLOAD_TMP_DIR", ""),
		PublicBaseURL:      getEnv("PUBLIC_BASE_URL", ""),
		DownloadSecret:     getEnv("DOWNLOAD_SECRET", ""),
		DownloadTTLSeconds: getEnvAsInt("DOWNLOAD_TTL_SECONDS", 300),

		// レート制限設定
		RedisURL:                   getEnv("REDIS_URL", ""),
		RateLimitPerMinute:         getEnvAsInt("RATE_LIMIT_PER_MINUTE", 60),
		CallbackRateLimitPerMinute: getEnvAsInt("CALLBACK_RATE_LIMIT_PER_MINUTE", 600),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発ではワークフロー設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.WorkflowURL == "" {
			return fmt.Errorf("WORKFLOW_URL is required in release mode")
		}
		if c.CallbackSecret == "" {
			return fmt.Errorf("CALLBACK_SECRET is required in release mode")
		}
		if c.DownloadSecret == "" {
			return fmt.Errorf("DOWNLOAD_SECRET is required in release mode")
		}
	}

	if c.WorkflowTimeoutSeconds <= 0 {
		return fmt.Errorf("WORKFLOW_TIMEOUT_SECONDS must be positive")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
