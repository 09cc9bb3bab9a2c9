package streamservice

import "strings"

// contentTypes maps media extensions to MIME types served on streams.
var contentTypes = map[string]string{
	".mkv":  "video/x-matroska",
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".m4v":  "video/x-m4v",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".ts":   "video/mp2t",
	".m2ts": "video/mp2t",
	".vob":  "video/dvd",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
	".m4a":  "audio/x-m4a",
	".wma":  "audio/x-ms-wma",
}

// ContentTypeFor resolves the MIME type for a filename, defaulting to
// application/octet-stream.
func ContentTypeFor(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx >= 0 {
		if ct, ok := contentTypes[strings.ToLower(name[idx:])]; ok {
			return ct
		}
	}
	return "application/octet-stream"
}
