package convert

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/doc-relay/internal/jobs"
	"github.com/yourusername/doc-relay/internal/storage"
	"github.com/yourusername/doc-relay/internal/workflow"
)

// UploadService はアップロード受付を行うサービスが実装します。
type UploadService interface {
	ProcessUpload(ctx context.Context, file *multipart.FileHeader) (*UploadResult, error)
}

// UploadHandler は POST /api/convert のハンドラーを返します。
func UploadHandler(svc UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data でPDFファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		file, err := extractSingleFile(form)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": err.Error(),
			})
			return
		}

		result, err := svc.ProcessUpload(c.Request.Context(), file)
		if err != nil {
			respondWithError(c, err)
			return
		}

		payload := gin.H{
			"jobId":    result.JobID,
			"message":  "変換ジョブを受け付けました。",
			"filename": result.Filename,
		}
		if result.Execution != nil {
			payload["execution"] = result.Execution
		}
		c.JSON(http.StatusAccepted, payload)
	}
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, errors.New("PDFファイルを選択してください。")
	}
	if file := form.File["file"]; len(file) > 0 {
		return file[0], nil
	}
	if file := form.File["file[]"]; len(file) > 0 {
		return file[0], nil
	}
	if files := form.File["files"]; len(files) > 0 {
		return files[0], nil
	}
	if alt := form.File["files[]"]; len(alt) > 0 {
		return alt[0], nil
	}
	return nil, errors.New("PDFファイルを選択してください。")
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	var fwdErr *workflow.ForwardError
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusForCode(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.As(err, &fwdErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    "FORWARDING_FAILED",
			"message": "外部ワークフローへの転送に失敗しました。",
		})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "ARTIFACT_NOT_FOUND",
			"message": "ジョブの成果物が見つかりませんでした。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case "LIMIT_EXCEEDED":
		return http.StatusRequestEntityTooLarge
	case "ARTIFACT_NOT_FOUND":
		return http.StatusNotFound
	case "JOB_NOT_READY":
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
