package convert

import (
	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// pageCount はテストから差し替えられるようにしています。
var pageCount = func(path string) (int, error) {
	return pdfapi.PageCountFile(path)
}

// inspectPDF は保存済みアップロードの内容を検証し、ページ数を返します。
// 拡張子ではなくファイルシグネチャで判定します。
func inspectPDF(path string, maxPages int) (int, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return 0, newError("INVALID_INPUT", "ファイルの内容を確認できませんでした。", err)
	}
	if !mtype.Is("application/pdf") {
		return 0, newError("UNSUPPORTED_FILE", "PDFファイルのみアップロードできます。", nil)
	}

	pages, err := pageCount(path)
	if err != nil {
		return 0, newError("UNSUPPORTED_PDF", "PDFの解析に失敗しました。ファイルが破損していないか確認してください。", err)
	}
	if maxPages > 0 && pages > maxPages {
		return 0, newError("LIMIT_EXCEEDED", "ページ数が上限を超えています。", nil)
	}
	return pages, nil
}
