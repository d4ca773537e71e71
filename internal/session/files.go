package session

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/agentmc-ai/supervisor/internal/workspace"
	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

// fileRequest is the common identity of a file.save or file.delete payload.
type fileRequest struct {
	requestID string
	docID     string
	baseHash  string
	signalID  int64
}

func fileRequestFromSignal(sig protocol.Signal) fileRequest {
	p := sig.Payload
	return fileRequest{
		requestID: protocol.Str(p, "request_id", "requestId"),
		docID:     protocol.Str(p, "doc_id", "docId"),
		baseHash:  protocol.Str(p, "base_hash", "baseHash"),
		signalID:  sig.ID,
	}
}

// allowedDoc restricts file operations to the configured managed-file set.
func (w *Worker) allowedDoc(docID string) bool {
	return workspace.ValidDocID(docID) && slices.Contains(w.opts.Tuning.DocAllowlist, docID)
}

func (w *Worker) routeFileSave(ctx context.Context, sig protocol.Signal) {
	req := fileRequestFromSignal(sig)
	if req.requestID == "" {
		w.spawn(ctx, "file-save", func(hctx context.Context) error {
			return w.publishFileError(hctx, protocol.TypeFileSaveErr, req, protocol.CodeInvalidRequest, "request_id is required", "")
		})
		return
	}
	if !w.dedupe.MarkOnce("doc.save:" + req.requestID + ":" + req.docID) {
		w.logger.Debug("duplicate file.save", "request_id", req.requestID, "doc_id", req.docID)
		return
	}
	title := protocol.Str(sig.Payload, "title")
	body := protocol.Str(sig.Payload, "body_markdown", "bodyMarkdown", "body")
	w.spawn(ctx, "file-save", func(hctx context.Context) error {
		return w.runFileSave(hctx, req, title, body)
	})
}

func (w *Worker) routeFileDelete(ctx context.Context, sig protocol.Signal) {
	req := fileRequestFromSignal(sig)
	if req.requestID == "" {
		w.spawn(ctx, "file-delete", func(hctx context.Context) error {
			return w.publishFileError(hctx, protocol.TypeFileDeleteErr, req, protocol.CodeInvalidRequest, "request_id is required", "")
		})
		return
	}
	if !w.dedupe.MarkOnce("doc.delete:" + req.requestID + ":" + req.docID) {
		w.logger.Debug("duplicate file.delete", "request_id", req.requestID, "doc_id", req.docID)
		return
	}
	w.spawn(ctx, "file-delete", func(hctx context.Context) error {
		return w.runFileDelete(hctx, req)
	})
}

// runFileSave writes one managed file guarded by the base-hash check and
// acknowledges with the fresh hash, so the browser can chain edits without
// refetching.
func (w *Worker) runFileSave(ctx context.Context, req fileRequest, title, body string) error {
	if !w.allowedDoc(req.docID) {
		return w.publishFileError(ctx, protocol.TypeFileSaveErr, req, protocol.CodeInvalidDocID, "doc_id is not a managed file", "")
	}

	newHash, err := w.opts.Store.Save(req.docID, req.baseHash, []byte(body))
	if err != nil {
		if errors.Is(err, workspace.ErrConflict) {
			// Save reports the current on-disk hash as its first return on
			// conflict.
			return w.publishFileError(ctx, protocol.TypeFileSaveErr, req, protocol.CodeConflict, "base_hash does not match the stored file", newHash)
		}
		return w.publishFileError(ctx, protocol.TypeFileSaveErr, req, protocol.CodeInvalidRequest, err.Error(), "")
	}

	w.logger.Info("managed file saved", "doc_id", req.docID, "request_id", req.requestID)
	return w.publisher.Publish(ctx, protocol.TypeFileSaveOK, protocol.FileSaveOK{
		RequestID: req.requestID,
		DocID:     req.docID,
		BaseHash:  newHash,
		Title:     workspace.DocTitle(title, req.docID, []byte(body)),
	})
}

// runFileDelete removes one managed file; the file must exist and the hash
// must match.
func (w *Worker) runFileDelete(ctx context.Context, req fileRequest) error {
	if !w.allowedDoc(req.docID) {
		return w.publishFileError(ctx, protocol.TypeFileDeleteErr, req, protocol.CodeInvalidDocID, "doc_id is not a managed file", "")
	}

	if err := w.opts.Store.Delete(req.docID, req.baseHash); err != nil {
		switch {
		case errors.Is(err, workspace.ErrNotFound):
			return w.publishFileError(ctx, protocol.TypeFileDeleteErr, req, protocol.CodeNotFound, "file does not exist", "")
		case errors.Is(err, workspace.ErrConflict):
			current, _, _ := w.opts.Store.Hash(req.docID)
			return w.publishFileError(ctx, protocol.TypeFileDeleteErr, req, protocol.CodeConflict, "base_hash does not match the stored file", current)
		default:
			return w.publishFileError(ctx, protocol.TypeFileDeleteErr, req, protocol.CodeInvalidRequest, err.Error(), "")
		}
	}

	w.logger.Info("managed file deleted", "doc_id", req.docID, "request_id", req.requestID)
	return w.publisher.Publish(ctx, protocol.TypeFileDeleteOK, protocol.FileDeleteOK{
		RequestID: req.requestID,
		DocID:     req.docID,
	})
}

func (w *Worker) publishFileError(ctx context.Context, frameType string, req fileRequest, code, message, currentHash string) error {
	w.logger.Warn("file operation rejected",
		"type", frameType,
		"doc_id", req.docID,
		"request_id", req.requestID,
		"code", code)
	return w.publisher.Publish(ctx, frameType, protocol.FileError{
		RequestID:   req.requestID,
		DocID:       req.docID,
		Code:        code,
		Message:     message,
		CurrentHash: currentHash,
	})
}

// publishSnapshot replays the current managed-file set. Connect-time snapshots
// carry reason session_ready or reconnected; explicit requests echo their id.
func (w *Worker) publishSnapshot(ctx context.Context, reason, requestID string) error {
	docs := w.opts.Store.Docs(w.opts.Tuning.DocAllowlist)
	return w.publisher.Publish(ctx, protocol.TypeSnapshotResp, protocol.SnapshotResponse{
		RequestID:   requestID,
		Reason:      reason,
		Docs:        docs,
		GeneratedAt: w.now().UTC().Format(time.RFC3339),
	})
}
