package protocol

// Channel frame types routed on payload.type.
const (
	TypeChatUser      = "chat.user"
	TypeChatRequest   = "chat.request"
	TypeChatDelta     = "chat.agent.delta"
	TypeChatDone      = "chat.agent.done"
	TypeSnapshotReq   = "snapshot.request"
	TypeSnapshotResp  = "snapshot.response"
	TypeFileSave      = "file.save"
	TypeFileSaveOK    = "file.save.ok"
	TypeFileSaveErr   = "file.save.error"
	TypeFileDelete    = "file.delete"
	TypeFileDeleteOK  = "file.delete.ok"
	TypeFileDeleteErr = "file.delete.error"
)

// Error codes carried on *.error frames.
const (
	CodeInvalidRequest = "invalid_request"
	CodeInvalidDocID   = "invalid_doc_id"
	CodeConflict       = "conflict"
	CodeNotFound       = "not_found"
)

// ChatDelta is the optional "thinking" placeholder preceding a ChatDone.
type ChatDelta struct {
	RequestID string `json:"request_id"`
	Delta     string `json:"delta"`
	MessageID int64  `json:"message_id,omitempty"`
}

// ChatDone is the single terminal frame for a chat request.
type ChatDone struct {
	RequestID string         `json:"request_id"`
	Content   string         `json:"content"`
	MessageID int64          `json:"message_id,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Doc is one managed file as exposed to the browser.
type Doc struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	BodyMarkdown string `json:"body_markdown"`
	BaseHash     string `json:"base_hash"`
}

// SnapshotResponse replays the current managed-file set.
type SnapshotResponse struct {
	RequestID   string `json:"request_id"`
	Reason      string `json:"reason"`
	Docs        []Doc  `json:"docs"`
	GeneratedAt string `json:"generated_at"`
}

// FileSaveOK acknowledges a managed-file write.
type FileSaveOK struct {
	RequestID string `json:"request_id"`
	DocID     string `json:"doc_id"`
	BaseHash  string `json:"base_hash"`
	Title     string `json:"title"`
}

// FileError reports a failed managed-file operation.
type FileError struct {
	RequestID   string `json:"request_id"`
	DocID       string `json:"doc_id"`
	Code        string `json:"code"`
	Message     string `json:"message,omitempty"`
	CurrentHash string `json:"current_hash,omitempty"`
}

// FileDeleteOK acknowledges a managed-file removal.
type FileDeleteOK struct {
	RequestID string `json:"request_id"`
	DocID     string `json:"doc_id"`
}

// ChunkEncodingBase64JSON is the only chunk encoding the supervisor emits:
// base64 of the payload's UTF-8 JSON serialization.
const ChunkEncodingBase64JSON = "base64json"

// ChunkEnvelope carries one slice of an oversized outbound payload.
// Indices are 1-based and contiguous; chunk_id is stable across frames.
type ChunkEnvelope struct {
	ChunkID       string `json:"chunk_id"`
	ChunkIndex    int    `json:"chunk_index"`
	ChunkTotal    int    `json:"chunk_total"`
	ChunkEncoding string `json:"chunk_encoding"`
	ChunkData     string `json:"chunk_data"`
	RequestID     string `json:"request_id,omitempty"`
}
