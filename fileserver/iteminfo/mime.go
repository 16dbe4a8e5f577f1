package iteminfo

import (
	"path/filepath"
	"strings"
)

// mimeTypes is a fixed extension table so results do not depend on the host's mime.types files.
var mimeTypes = map[string]string{
	// video
	".3gp":  "video/3gpp",
	".avi":  "video/x-msvideo",
	".flv":  "video/x-flv",
	".m2ts": "video/mp2t",
	".m4v":  "video/x-m4v",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".mp4":  "video/mp4",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".ogv":  "video/ogg",
	".ts":   "video/mp2t",
	".webm": "video/webm",
	".wmv":  "video/x-ms-wmv",

	// audio
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".mp3":  "audio/mpeg",
	".oga":  "audio/ogg",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".wav":  "audio/x-wav",

	// images
	".bmp":  "image/bmp",
	".gif":  "image/gif",
	".heic": "image/heic",
	".ico":  "image/vnd.microsoft.icon",
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
	".png":  "image/png",
	".svg":  "image/svg+xml",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".webp": "image/webp",

	// text and documents
	".css":  "text/css",
	".csv":  "text/csv",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".epub": "application/epub+zip",
	".htm":  "text/html",
	".html": "text/html",
	".js":   "text/javascript",
	".json": "application/json",
	".md":   "text/markdown",
	".odt":  "application/vnd.oasis.opendocument.text",
	".pdf":  "application/pdf",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".py":   "text/x-python",
	".rtf":  "application/rtf",
	".sh":   "application/x-sh",
	".srt":  "application/x-subrip",
	".txt":  "text/plain",
	".vtt":  "text/vtt",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".xml":  "application/xml",
	".yaml": "application/yaml",
	".yml":  "application/yaml",

	// archives
	".7z":  "application/x-7z-compressed",
	".bz2": "application/x-bzip2",
	".gz":  "application/gzip",
	".iso": "application/x-iso9660-image",
	".rar": "application/vnd.rar",
	".tar": "application/x-tar",
	".xz":  "application/x-xz",
	".zip": "application/zip",
}

// MimeType guesses a mime type from the file extension. Unknown extensions return "".
func MimeType(name string) string {
	return mimeTypes[strings.ToLower(filepath.Ext(name))]
}

// IsVideo reports whether mimeType names a video format.
func IsVideo(mimeType string) bool {
	return strings.HasPrefix(mimeType, "video/")
}

// IsImage reports whether mimeType names an image format.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
