package jobs

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound は対象のジョブが存在しない場合に返されます。
	ErrNotFound = errors.New("job not found")
	// ErrDuplicateID は同じIDのジョブが既に存在する場合に返されます。
	ErrDuplicateID = errors.New("job id already exists")
)

// Store はジョブ状態をプロセス内に保持し、状態遷移を一元管理します。
// 遷移は pending→done / pending→error のみで、終端状態からの遷移は
// 重複コールバック対策として無視されます。
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*Record
	logger *log.Logger
	now    func() time.Time
}

// NewStore は Store を作成します。
func NewStore(logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		jobs:   make(map[string]*Record),
		logger: logger,
		now:    time.Now,
	}
}

// Create は新しいジョブを pending 状態で登録します。
// IDの重複は ErrDuplicateID になります（ID生成側の一意性が前提のため発生しない想定）。
func (s *Store) Create(jobID, sourceFilename string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, jobID)
	}

	now := s.now().UTC()
	record := &Record{
		JobID:          jobID,
		SourceFilename: sourceFilename,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.jobs[jobID] = record
	return copyRecord(record), nil
}

// Get はジョブ情報を取得します。副作用はありません。
func (s *Store) Get(jobID string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return copyRecord(record), true
}

// UpdateExecution は外部ワークフローの実行情報をジョブに付与します。
// 終端状態のジョブへの付与は遅延した応答とみなしログのみで無視します。
func (s *Store) UpdateExecution(jobID string, exec ExecutionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if record.Status.IsTerminal() {
		s.logger.Printf("ignoring execution update for finished job=%s status=%s", jobID, record.Status)
		return nil
	}

	execCopy := exec
	record.Execution = &execCopy
	record.UpdatedAt = s.now().UTC()
	return nil
}

// Complete はジョブを done 状態に遷移させ、成果物の参照を記録します。
// 既に終端状態のジョブに対する呼び出しは状態を変えずに成功扱いとします
// （ネットワーク再送による重複コールバックへの冪等対応）。
func (s *Store) Complete(jobID, resultRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if record.Status.IsTerminal() {
		s.logger.Printf("ignoring duplicate completion for job=%s status=%s", jobID, record.Status)
		return nil
	}

	record.Status = StatusSucceeded
	record.ResultRef = resultRef
	record.Error = nil
	record.UpdatedAt = s.now().UTC()
	return nil
}

// Fail はジョブを error 状態に遷移させ、失敗理由を記録します。
// 冪等性の扱いは Complete と同じです。
func (s *Store) Fail(jobID string, errInfo *ErrorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if record.Status.IsTerminal() {
		s.logger.Printf("ignoring duplicate failure for job=%s status=%s", jobID, record.Status)
		return nil
	}

	record.Status = StatusFailed
	if errInfo != nil {
		errCopy := *errInfo
		record.Error = &errCopy
	} else {
		record.Error = &ErrorInfo{Code: "UNKNOWN", Message: "unknown failure"}
	}
	record.UpdatedAt = s.now().UTC()
	return nil
}

// SetDownloadURL は生成済みダウンロードURLをジョブに記録します。
// 状態を含むフィールドには触れません。
func (s *Store) SetDownloadURL(jobID, url string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}

	record.DownloadURL = url
	record.DownloadExpiresAt = expiresAt
	record.UpdatedAt = s.now().UTC()
	return nil
}

// All は登録済みジョブの一覧を作成日時の新しい順で返します。運用確認用です。
func (s *Store) All() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*Record, 0, len(s.jobs))
	for _, record := range s.jobs {
		records = append(records, copyRecord(record))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records
}

// GetStats はジョブ状態ごとの件数を返します。運用確認用です。
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Total: len(s.jobs)}
	for _, record := range s.jobs {
		switch record.Status {
		case StatusPending:
			stats.Pending++
		case StatusSucceeded:
			stats.Done++
		case StatusFailed:
			stats.Error++
		}
	}
	return stats
}

func copyRecord(record *Record) *Record {
	clone := *record
	if record.Execution != nil {
		exec := *record.Execution
		clone.Execution = &exec
	}
	if record.Error != nil {
		errInfo := *record.Error
		clone.Error = &errInfo
	}
	return &clone
}
