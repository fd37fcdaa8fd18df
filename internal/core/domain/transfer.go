package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// TransferStatus is the state of a chunked upload.
//
//	pending -> in_progress -> verifying -> complete
//	                 \             \-----> failed
//	                  \------------------> failed
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferInProgress TransferStatus = "in_progress"
	TransferVerifying  TransferStatus = "verifying"
	TransferComplete   TransferStatus = "complete"
	TransferFailed     TransferStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TransferStatus) Terminal() bool {
	return s == TransferComplete || s == TransferFailed
}

// DefaultMaxFileSize is the upload ceiling (100 MiB).
const DefaultMaxFileSize int64 = 100 << 20

// FileCategory groups allowed extensions.
type FileCategory string

const (
	CategoryImage    FileCategory = "image"
	CategoryDocument FileCategory = "document"
	CategoryAudio    FileCategory = "audio"
	CategoryVideo    FileCategory = "video"
	CategoryArchive  FileCategory = "archive"
	CategoryCode     FileCategory = "code"
)

var allowedExtensions = map[string]FileCategory{
	".jpg": CategoryImage, ".jpeg": CategoryImage, ".png": CategoryImage,
	".gif": CategoryImage, ".bmp": CategoryImage, ".webp": CategoryImage,

	".pdf": CategoryDocument, ".doc": CategoryDocument, ".docx": CategoryDocument,
	".txt": CategoryDocument, ".rtf": CategoryDocument, ".odt": CategoryDocument,

	".mp3": CategoryAudio, ".wav": CategoryAudio, ".ogg": CategoryAudio,
	".m4a": CategoryAudio, ".flac": CategoryAudio,

	".mp4": CategoryVideo, ".avi": CategoryVideo, ".mkv": CategoryVideo,
	".mov": CategoryVideo, ".webm": CategoryVideo,

	".zip": CategoryArchive, ".rar": CategoryArchive, ".7z": CategoryArchive,
	".tar": CategoryArchive, ".gz": CategoryArchive,

	".py": CategoryCode, ".js": CategoryCode, ".html": CategoryCode,
	".css": CategoryCode, ".json": CategoryCode, ".xml": CategoryCode,
	".sql": CategoryCode, ".go": CategoryCode,
}

var blockedExtensions = map[string]struct{}{
	".exe": {}, ".bat": {}, ".cmd": {}, ".scr": {},
	".com": {}, ".pif": {}, ".vbs": {}, ".jar": {},
}

// ClassifyFile returns the category of filename based on its extension.
// Blocked and unknown extensions are rejected.
func ClassifyFile(filename string) (FileCategory, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return "", ErrDisallowedType.WithDetails("file has no extension")
	}
	if _, blocked := blockedExtensions[ext]; blocked {
		return "", ErrDisallowedType.WithDetails(ext + " files are blocked")
	}
	cat, ok := allowedExtensions[ext]
	if !ok {
		return "", ErrDisallowedType.WithDetails(ext + " is not an allowed extension")
	}
	return cat, nil
}

const maxSafeStemLength = 100

// SanitizeFilename strips path components and unsafe characters from a
// client-supplied filename. The extension is kept lowercase.
func SanitizeFilename(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	ext := strings.ToLower(filepath.Ext(base))
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.' || r == '(' || r == ')' || r == ' ':
			b.WriteRune(r)
		}
	}
	safe := strings.Trim(b.String(), ". ")
	if len(safe) > maxSafeStemLength {
		safe = safe[:maxSafeStemLength]
	}
	if safe == "" {
		safe = "file"
	}
	return safe + ext
}

// FileTransfer is a point-in-time view of an upload.
type FileTransfer struct {
	ID             string         `json:"id"`
	UploaderID     UserID         `json:"uploader_id"`
	Filename       string         `json:"filename"`
	StoredName     string         `json:"stored_name"`
	Category       FileCategory   `json:"category"`
	MimeHint       string         `json:"mime_hint,omitempty"`
	DeclaredSize   int64          `json:"declared_size"`
	ReceivedBytes  int64          `json:"received_bytes"`
	ExpectedDigest string         `json:"expected_digest,omitempty"`
	ChunkHashes    []string       `json:"chunk_hashes,omitempty"`
	Status         TransferStatus `json:"status"`
	RoomID         RoomID         `json:"room_id,omitempty"`
	RecipientID    UserID         `json:"recipient_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivity   time.Time      `json:"last_activity"`
}

// Progress returns the received fraction in [0, 1].
func (t *FileTransfer) Progress() float64 {
	if t.DeclaredSize <= 0 {
		return 0
	}
	return float64(t.ReceivedBytes) / float64(t.DeclaredSize)
}

// FileRecord is the persisted metadata of a finished transfer.
type FileRecord struct {
	TransferID  string         `json:"transfer_id"`
	UploaderID  UserID         `json:"uploader_id"`
	Filename    string         `json:"filename"`
	StoredName  string         `json:"stored_name"`
	Location    string         `json:"location,omitempty"`
	Category    FileCategory   `json:"category"`
	Size        int64          `json:"size"`
	Digest      string         `json:"digest"`
	Chunks      int            `json:"chunks"`
	Status      TransferStatus `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	RoomID      RoomID         `json:"room_id,omitempty"`
	RecipientID UserID         `json:"recipient_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt time.Time      `json:"completed_at"`
}
