package jobs

import "github.com/google/uuid"

const jobIDLength = 36

// NewJobID は衝突耐性のあるジョブIDを生成します。
// 生成されるIDはURL・ファイル名に安全で、連番からの推測ができません。
func NewJobID() string {
	return uuid.NewString()
}

// ValidateJobID はジョブIDの構文を検証します。
// ストアへの問い合わせは行わず、正規形（36文字のUUID）のみを受け付けます。
func ValidateJobID(id string) bool {
	if len(id) != jobIDLength {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
