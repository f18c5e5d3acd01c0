package media

import (
	"path"
	"strings"

	"github.com/Gopher0727/chatsync/internal/backoff"
	"github.com/Gopher0727/chatsync/internal/model"
)

// genericMIME are declared types that say nothing about the content, so
// the filename extension decides.
var genericMIME = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
}

var previewExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".avif": "image/avif",
	".heic": "image/heic",
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".ogv":  "video/ogg",
}

// PreviewMIME returns the MIME type used to decide on a preview: the
// declared type, or the one implied by the extension when the declared
// type is generic.
func PreviewMIME(att model.Attachment) string {
	declared := strings.ToLower(strings.TrimSpace(att.MimeType))
	if i := strings.IndexByte(declared, ';'); i >= 0 {
		declared = strings.TrimSpace(declared[:i])
	}
	if !genericMIME[declared] {
		return declared
	}
	return previewExt[strings.ToLower(path.Ext(att.Filename))]
}

// Eligible reports whether att gets an inline preview: an image or video
// strictly smaller than maxBytes.
func Eligible(att model.Attachment, maxBytes int64) bool {
	if att.SizeBytes < 0 || att.SizeBytes >= maxBytes {
		return false
	}
	mime := PreviewMIME(att)
	return strings.HasPrefix(mime, "image/") || strings.HasPrefix(mime, "video/")
}

// RetryDelayMs is the wait in milliseconds before retry number attempt.
func RetryDelayMs(attempt int, p backoff.Policy) float64 {
	return p.DelayMs(attempt)
}
