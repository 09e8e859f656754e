// Package workflow は外部変換ワークフローへの転送を担います。
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yourusername/doc-relay/internal/config"
)

// ackBodyLimit は応答ボディの読み取り上限です。実行情報のJSONが収まれば十分です。
const ackBodyLimit = 1 << 20

// Execution はワークフローが即時応答で返す実行記述子のワイヤ形式です。
type Execution struct {
	ID         string `json:"executionId"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	WebhookURL string `json:"webhookUrl"`
	Mode       string `json:"mode"`
}

// Ack は転送に対する即時応答です。
// 実行情報を伴わない受理応答も正常です（Execution は nil になります）。
type Ack struct {
	Execution *Execution
}

// ForwardError は転送の失敗を表します。
// 転送失敗はジョブを直接失敗させず、呼び出し側が扱いを決めます。
type ForwardError struct {
	Code    string
	Message string
	err     error
}

func (e *ForwardError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ForwardError) Unwrap() error {
	return e.err
}

func newForwardError(code, message string, err error) *ForwardError {
	return &ForwardError{Code: code, Message: message, err: err}
}

// Forwarder はアップロードされた成果物を外部ワークフローへ送信します。
// ジョブストアには一切触れません。
type Forwarder struct {
	endpoint  string
	outputExt string
	client    *http.Client
	logger    *log.Logger
}

// NewForwarder は Forwarder を作成します。
func NewForwarder(cfg *config.Config, logger *log.Logger) *Forwarder {
	if logger == nil {
		logger = log.Default()
	}
	return &Forwarder{
		endpoint:  cfg.WorkflowURL,
		outputExt: cfg.OutputExtension,
		client: &http.Client{
			Timeout: time.Duration(cfg.WorkflowTimeoutSeconds) * time.Second,
		},
		logger: logger,
	}
}

// Forward は成果物とジョブIDをmultipartでワークフローへ送信し、即時応答を解析します。
func (f *Forwarder) Forward(ctx context.Context, artifactPath, originalName, jobID string) (*Ack, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	if f.endpoint == "" {
		return nil, newForwardError("WORKFLOW_UNREACHABLE", "workflow endpoint is not configured", nil)
	}

	body, contentType, err := f.buildPayload(artifactPath, originalName, jobID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, body)
	if err != nil {
		return nil, newForwardError("WORKFLOW_UNREACHABLE", "failed to build workflow request", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, newForwardError("WORKFLOW_UNREACHABLE", "workflow request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, ackBodyLimit))
	if err != nil {
		return nil, newForwardError("WORKFLOW_BAD_RESPONSE", "failed to read workflow response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.logger.Printf("workflow rejected forward job=%s status=%d", jobID, resp.StatusCode)
		return nil, newForwardError("WORKFLOW_REJECTED",
			fmt.Sprintf("workflow returned status %d", resp.StatusCode), nil)
	}

	return parseAck(raw)
}

func (f *Forwarder) buildPayload(artifactPath, originalName, jobID string) (*bytes.Buffer, string, error) {
	file, err := os.Open(artifactPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("jobId", jobID); err != nil {
		return nil, "", fmt.Errorf("failed to write jobId field: %w", err)
	}
	if err := writer.WriteField("filename", originalName); err != nil {
		return nil, "", fmt.Errorf("failed to write filename field: %w", err)
	}
	if err := writer.WriteField("outputFilename", DerivedFilename(originalName, f.outputExt)); err != nil {
		return nil, "", fmt.Errorf("failed to write outputFilename field: %w", err)
	}

	part, err := writer.CreateFormFile("file", originalName)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create file part: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("failed to copy artifact into payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize payload: %w", err)
	}

	return body, writer.FormDataContentType(), nil
}

// parseAck は即時応答を解析します。
// 実行記述子の配列・素の受理応答・空ボディをいずれも正常として扱います。
func parseAck(raw []byte) (*Ack, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return &Ack{}, nil
	}

	var executions []Execution
	if err := json.Unmarshal(trimmed, &executions); err == nil {
		if len(executions) == 0 {
			return &Ack{}, nil
		}
		first := executions[0]
		return &Ack{Execution: &first}, nil
	}

	// 配列でないJSON（例: {"message":"Workflow was started"}）は実行情報なしの受理とみなす
	var bare map[string]any
	if err := json.Unmarshal(trimmed, &bare); err == nil {
		return &Ack{}, nil
	}

	return nil, newForwardError("WORKFLOW_BAD_RESPONSE", "workflow returned a malformed body", nil)
}

// DerivedFilename は元ファイル名の拡張子を成果物の拡張子に置き換えます。
func DerivedFilename(originalName, outputExt string) string {
	base := strings.TrimSuffix(originalName, filepath.Ext(originalName))
	if base == "" {
		base = "output"
	}
	if outputExt == "" {
		return base
	}
	return base + "." + strings.TrimPrefix(outputExt, ".")
}
