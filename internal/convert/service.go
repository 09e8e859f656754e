package convert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"os"

	"github.com/yourusername/doc-relay/internal/config"
	"github.com/yourusername/doc-relay/internal/jobs"
	"github.com/yourusername/doc-relay/internal/storage"
	"github.com/yourusername/doc-relay/internal/workflow"
)

// WorkflowForwarder は外部ワークフローへの転送を行うものが実装します。
type WorkflowForwarder interface {
	Forward(ctx context.Context, artifactPath, originalName, jobID string) (*workflow.Ack, error)
}

// ArtifactStore はコールバックで通知された成果物の存在確認に使用します。
type ArtifactStore interface {
	Stat(ctx context.Context, name string) (int64, error)
}

// Service は変換ジョブの受付・転送・コールバック適用をまとめます。
type Service struct {
	cfg       *config.Config
	store     *jobs.Store
	forwarder WorkflowForwarder
	artifacts ArtifactStore
	logger    *log.Logger
}

// NewService は Service を作成します。
func NewService(cfg *config.Config, store *jobs.Store, forwarder WorkflowForwarder, artifacts ArtifactStore, logger *log.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if forwarder == nil {
		return nil, errors.New("forwarder is nil")
	}
	if artifacts == nil {
		return nil, errors.New("artifacts is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		forwarder: forwarder,
		artifacts: artifacts,
		logger:    logger,
	}, nil
}

// UploadResult はアップロード受付の結果です。
type UploadResult struct {
	JobID     string
	Filename  string
	Execution *jobs.ExecutionInfo
}

// ProcessUpload はアップロードされたPDFを検証し、ジョブを登録して外部ワークフローへ転送します。
// 一時ファイルは成功・失敗にかかわらず削除されます。
func (s *Service) ProcessUpload(ctx context.Context, file *multipart.FileHeader) (*UploadResult, error) {
	if file == nil {
		return nil, newError("INVALID_INPUT", "PDFファイルを選択してください。", nil)
	}
	if file.Size <= 0 {
		return nil, newError("INVALID_INPUT", "空のファイルはアップロードできません。", nil)
	}
	if file.Size > s.cfg.MaxFileSize {
		return nil, newError("LIMIT_EXCEEDED", "ファイルサイズが上限を超えています。", nil)
	}

	tmpPath, err := s.saveUpload(file)
	if err != nil {
		return nil, err
	}
	defer func() {
		if removeErr := os.Remove(tmpPath); removeErr != nil {
			s.logger.Printf("failed to remove upload temp file %s: %v", tmpPath, removeErr)
		}
	}()

	if _, err := inspectPDF(tmpPath, s.cfg.MaxPages); err != nil {
		return nil, err
	}

	jobID := jobs.NewJobID()
	if _, err := s.store.Create(jobID, file.Filename); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	ack, err := s.forwarder.Forward(ctx, tmpPath, file.Filename, jobID)
	if err != nil {
		// 転送失敗はジョブ作成の失敗として呼び出し元へ返し、ジョブは失敗で記録する
		if failErr := s.store.Fail(jobID, &jobs.ErrorInfo{
			Code:    "FORWARDING_FAILED",
			Message: err.Error(),
		}); failErr != nil {
			s.logger.Printf("failed to mark job=%s as failed: %v", jobID, failErr)
		}
		return nil, err
	}

	result := &UploadResult{JobID: jobID, Filename: file.Filename}
	if ack != nil && ack.Execution != nil {
		exec := jobs.ExecutionInfo{
			ID:         ack.Execution.ID,
			Status:     ack.Execution.Status,
			Message:    ack.Execution.Message,
			WebhookURL: ack.Execution.WebhookURL,
			Mode:       ack.Execution.Mode,
		}
		if err := s.store.UpdateExecution(jobID, exec); err != nil {
			s.logger.Printf("failed to attach execution to job=%s: %v", jobID, err)
		} else {
			result.Execution = &exec
		}
	}

	return result, nil
}

func (s *Service) saveUpload(file *multipart.FileHeader) (string, error) {
	src, err := file.Open()
	if err != nil {
		return "", newError("INVALID_INPUT", "アップロードされたファイルを読み取れませんでした。", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(s.cfg.UploadTmpDir, "upload-*.pdf")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to finalize upload: %w", err)
	}
	return tmp.Name(), nil
}

// CallbackRequest は外部ワークフローからの完了通知です。
type CallbackRequest struct {
	JobID   string `json:"jobId" binding:"required"`
	Status  string `json:"status" binding:"required"`
	FileID  string `json:"fileId"`
	Message string `json:"message"`
}

// ApplyCallback は完了通知を検証してジョブストアへ適用します。
// 終端状態のジョブへの再通知は状態を変えません。
func (s *Service) ApplyCallback(ctx context.Context, req *CallbackRequest) (*jobs.Record, error) {
	if req == nil {
		return nil, newError("INVALID_INPUT", "コールバック本文が不正です。", nil)
	}
	if !jobs.ValidateJobID(req.JobID) {
		return nil, newError("INVALID_JOB_ID", "jobId の形式が不正です。", nil)
	}
	if _, ok := s.store.Get(req.JobID); !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, req.JobID)
	}

	switch req.Status {
	case "success":
		if req.FileID == "" {
			return nil, newError("INVALID_INPUT", "fileId を指定してください。", nil)
		}
		if _, err := s.artifacts.Stat(ctx, req.FileID); err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidName) {
				return nil, newError("ARTIFACT_NOT_FOUND", "通知された成果物が見つかりませんでした。", err)
			}
			return nil, fmt.Errorf("failed to verify artifact: %w", err)
		}
		if err := s.store.Complete(req.JobID, req.FileID); err != nil {
			return nil, err
		}
	case "error":
		message := req.Message
		if message == "" {
			message = "workflow reported a failure without detail"
		}
		if err := s.store.Fail(req.JobID, &jobs.ErrorInfo{
			Code:    "WORKFLOW_FAILED",
			Message: message,
		}); err != nil {
			return nil, err
		}
	default:
		return nil, newError("INVALID_INPUT", "status には success または error を指定してください。", nil)
	}

	record, ok := s.store.Get(req.JobID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", jobs.ErrNotFound, req.JobID)
	}
	return record, nil
}
