package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "done"
	StatusFailed    Status = "error"
)

// IsTerminal は終端状態かどうかを返します。
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ExecutionInfo は外部ワークフローが返す実行の対応付け情報を保持します。
type ExecutionInfo struct {
	ID         string `json:"executionId"`
	Status     string `json:"executionStatus,omitempty"`
	Message    string `json:"executionMessage,omitempty"`
	WebhookURL string `json:"webhookUrl,omitempty"`
	Mode       string `json:"executionMode,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID             string         `json:"jobId"`
	SourceFilename    string         `json:"sourceFilename"`
	Status            Status         `json:"status"`
	Execution         *ExecutionInfo `json:"execution,omitempty"`
	ResultRef         string         `json:"resultRef,omitempty"`
	DownloadURL       string         `json:"downloadUrl,omitempty"`
	DownloadExpiresAt time.Time      `json:"downloadExpiresAt,omitempty"`
	Error             *ErrorInfo     `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// Stats はジョブ全体の集計値です。
type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Done    int `json:"done"`
	Error   int `json:"error"`
}
