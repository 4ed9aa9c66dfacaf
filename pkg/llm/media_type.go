package llm

import (
	"net/http"
	"strings"
)

// maxImageBytes caps inline image payloads before base64 expansion.
const maxImageBytes = 20 * 1024 * 1024

// detectImageMediaType sniffs the MIME type of image bytes. Providers use it
// when a message attachment carries no explicit mime type.
func detectImageMediaType(data []byte) string {
	if len(data) == 0 {
		return "image/jpeg"
	}

	if detected := http.DetectContentType(data); strings.HasPrefix(detected, "image/") {
		return detected
	}

	if len(data) >= 4 {
		// PNG: 89 50 4E 47
		if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
			return "image/png"
		}
		// JPEG: FF D8 FF
		if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
			return "image/jpeg"
		}
		// GIF8
		if len(data) >= 6 && data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38 {
			return "image/gif"
		}
		// RIFF....WEBP
		if len(data) >= 12 && data[0] == 0x52 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x46 &&
			data[8] == 0x57 && data[9] == 0x45 && data[10] == 0x42 && data[11] == 0x50 {
			return "image/webp"
		}
	}

	return "image/jpeg"
}

// imageMimeType returns the attachment's declared mime type or a sniffed one.
func imageMimeType(img *Image) string {
	if img.MimeType != "" {
		return img.MimeType
	}
	return detectImageMediaType(img.Bytes)
}
