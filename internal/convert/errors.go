// Package convert はドキュメント変換ジョブの受付とコールバック適用を提供します。
package convert

import "fmt"

// Error はAPI境界へ返す分類済みのエラーです。
type Error struct {
	Code    string
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, err: err}
}
