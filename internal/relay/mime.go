package relay

import (
	"mime"
	"net/url"
	"path"
	"strings"
)

// mediaTypes maps the extensions we recognise as chat media. Entries here win
// over whatever the upstream reported, which is usually octet-stream.
var mediaTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/ogg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".zip":  "application/zip",
}

const genericType = "application/octet-stream"

// MediaType returns the MIME type for a known media extension.
func MediaType(ext string) (string, bool) {
	t, ok := mediaTypes[strings.ToLower(ext)]
	return t, ok
}

// IsMediaURL reports whether s is a bare http(s) URL whose path ends in a
// known media extension.
func IsMediaURL(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, " \t\n") {
		return false
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	_, ok := MediaType(path.Ext(u.Path))
	return ok
}

// detectType picks the content type for an upload: a known extension first,
// then a specific upstream type, then the stdlib extension table.
func detectType(ext, upstream string) string {
	if t, ok := MediaType(ext); ok {
		return t
	}
	if upstream != "" {
		if mt, _, err := mime.ParseMediaType(upstream); err == nil && !isGeneric(mt) {
			return mt
		}
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return genericType
}

func isGeneric(mt string) bool {
	switch mt {
	case genericType, "binary/octet-stream", "application/binary", "text/plain":
		return true
	}
	return false
}

// KindForType classifies a MIME type into a message kind name.
func KindForType(mt string) string {
	switch {
	case strings.HasPrefix(mt, "image/"):
		return "image"
	case strings.HasPrefix(mt, "audio/"):
		return "voice"
	case strings.HasPrefix(mt, "video/"):
		return "video"
	default:
		return "file"
	}
}
