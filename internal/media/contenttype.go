package media

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// ContentTypeFor returns a browser-safe Content-Type for an attachment.
// It overrides sniffing for the formats chat actually sends, so a renamed
// file cannot smuggle a surprising type past the gateway.
func ContentTypeFor(name string, data []byte) string {
	ext := strings.ToLower(path.Ext(name))

	switch ext {
	case ".gif":
		return "image/gif"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	}

	if ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			return mt
		}
	}
	return http.DetectContentType(data)
}

// TypeFromName maps a file name to the message media kind the UI renders:
// "image", "gif", "video" or "audio". Empty when the name is not a media
// file we recognize.
func TypeFromName(name string) string {
	ct := ContentTypeFor(name, nil)
	switch {
	case ct == "image/gif":
		return "gif"
	case strings.HasPrefix(ct, "image/"):
		return "image"
	case strings.HasPrefix(ct, "video/"):
		return "video"
	case strings.HasPrefix(ct, "audio/"):
		return "audio"
	}
	return ""
}
