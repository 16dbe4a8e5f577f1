package iteminfo

import (
	"os"
)

// DefaultOwner is reported for every record; ownership is not resolved.
const DefaultOwner = "user1"

// FileRecord is the normalized listing representation of a file or directory.
type FileRecord struct {
	Name         string  `json:"name"`          // base name
	FullName     string  `json:"full_name"`     // path relative to where the walk started
	Size         int64   `json:"size"`          // size in bytes, 0 for directories
	IsDirectory  bool    `json:"is_directory"`  // whether the entry is a directory
	CreatedTime  int64   `json:"created_time"`  // unix milliseconds, best effort
	ModifiedTime int64   `json:"modified_time"` // unix milliseconds
	FileType     *string `json:"file_type"`     // mime type guessed from the extension, nil for directories
	Owner        string  `json:"owner"`
}

// Type returns the mime type or an empty string when unknown.
func (r FileRecord) Type() string {
	if r.FileType == nil {
		return ""
	}
	return *r.FileType
}

// Project converts a stat result into a FileRecord. It does no I/O of its own.
func Project(name, fullName string, info os.FileInfo) FileRecord {
	record := FileRecord{
		Name:         name,
		FullName:     fullName,
		IsDirectory:  info.IsDir(),
		ModifiedTime: info.ModTime().UnixMilli(),
		CreatedTime:  createdTime(info).UnixMilli(),
		Owner:        DefaultOwner,
	}
	if record.IsDirectory {
		return record
	}
	record.Size = info.Size()
	if mimeType := MimeType(name); mimeType != "" {
		record.FileType = &mimeType
	}
	return record
}
