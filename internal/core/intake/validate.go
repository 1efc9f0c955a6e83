package intake

import (
	"bytes"
	"fmt"
	"mime"

	"github.com/dustin/go-humanize"
)

// AcceptedMimeType は受け付けるドキュメントの MIME タイプ
const AcceptedMimeType = "application/pdf"

// DefaultMaxUploadBytes はアップロードサイズ上限のデフォルト値（20MiB）
const DefaultMaxUploadBytes int64 = 20 << 20

var pdfMagic = []byte("%PDF-")

// Validate はアップロードのサイズとタイプを検証する
// 失敗時も FileInfo は可能な範囲で埋めて返す
func Validate(upload Upload, maxBytes int64) (FileInfo, error) {
	size := int64(len(upload.Data))
	info := FileInfo{
		OriginalName: upload.OriginalName,
		MimeType:     upload.MimeType,
		Size:         size,
		SizeHuman:    humanize.Bytes(uint64(size)),
		IsValidPDF:   bytes.HasPrefix(upload.Data, pdfMagic),
	}

	if size == 0 {
		return info, fmt.Errorf("%w: empty file", ErrInvalidDocument)
	}
	if maxBytes > 0 && size > maxBytes {
		return info, fmt.Errorf("%w: file size %s exceeds limit %s",
			ErrInvalidDocument, info.SizeHuman, humanize.Bytes(uint64(maxBytes)))
	}

	mediaType, _, err := mime.ParseMediaType(upload.MimeType)
	if err != nil || mediaType != AcceptedMimeType {
		return info, fmt.Errorf("%w: unsupported mime type %q", ErrInvalidDocument, upload.MimeType)
	}
	if !info.IsValidPDF {
		return info, fmt.Errorf("%w: missing PDF header", ErrInvalidDocument)
	}

	return info, nil
}
