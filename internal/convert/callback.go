package convert

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/doc-relay/internal/jobs"
)

// CallbackSecretHeader は外部ワークフローが共有シークレットを載せるヘッダーです。
const CallbackSecretHeader = "X-Workflow-Secret"

// CallbackService はコールバックの適用を行うサービスが実装します。
type CallbackService interface {
	ApplyCallback(ctx context.Context, req *CallbackRequest) (*jobs.Record, error)
}

// CallbackHandler は POST /api/callback のハンドラーを返します。
// 共有シークレットの検証はストアへアクセスする前に行います。
func CallbackHandler(svc CallbackService, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(CallbackSecretHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "コールバックの認証に失敗しました。",
			})
			return
		}

		var req CallbackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId と status を JSON で送ってください。",
			})
			return
		}

		record, err := svc.ApplyCallback(c.Request.Context(), &req)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"jobId":  record.JobID,
			"status": record.Status,
		})
	}
}
