package upload

// Control endpoint operations carried in ControlRequest.Operation.
const (
	OpGetUploadURL   = "get_upload_url"
	OpCompleteUpload = "complete_upload"
	OpGetDownloadURL = "get_download_url"
)

// ControlPath is the single endpoint that dispatches on operation.
const ControlPath = "/api/upload"

// FileInfo describes a candidate file before upload.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// ControlRequest is the body of every control call.
type ControlRequest struct {
	Operation string    `json:"operation"`
	FileInfo  *FileInfo `json:"file_info,omitempty"`
	Metadata  *Metadata `json:"metadata,omitempty"`
	FileID    string    `json:"file_id,omitempty"`
}

// UploadTarget is the answer to get_upload_url.
type UploadTarget struct {
	UploadURL string `json:"upload_url"`
	FileID    string `json:"file_id"`
	ExpiresIn int    `json:"expires_in,omitempty"`
}

type StoredFileInfo struct {
	Filename    string   `json:"filename"`
	FileType    string   `json:"file_type"`
	FileSize    int64    `json:"file_size"`
	ContentType string   `json:"content_type,omitempty"`
	FileHash    string   `json:"file_hash,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// DownloadTarget is the answer to get_download_url.
type DownloadTarget struct {
	DownloadURL string         `json:"download_url"`
	FileInfo    StoredFileInfo `json:"file_info"`
	ExpiresIn   int            `json:"expires_in,omitempty"`
}

// ErrorResponse is the body of every non-2xx control answer.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
