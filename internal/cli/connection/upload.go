package connection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

// UploadTarget names where a finished upload is shared. Both fields empty
// uploads without sharing.
type UploadTarget struct {
	RoomID domain.RoomID
	To     string
}

// ProgressFunc reports bytes acknowledged by the server so far.
type ProgressFunc func(sent, total int64)

type uploadInit struct {
	TransferID   string `json:"transfer_id"`
	MaxChunkSize int    `json:"max_chunk_size"`
}

// Upload sends the file at path in chunks and finalizes it. The SHA-256
// digest is declared up front so the server can verify the assembled file.
// On any error after the transfer starts the transfer is cancelled.
func (c *ChatClient) Upload(ctx context.Context, path string, target UploadTarget, progress ProgressFunc) (*domain.FileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var init uploadInit
	err = c.Call(ctx, "upload_init", map[string]any{
		"filename":  filepath.Base(path),
		"size":      st.Size(),
		"mime_type": mime.TypeByExtension(filepath.Ext(path)),
		"digest":    hex.EncodeToString(h.Sum(nil)),
		"room_id":   target.RoomID,
		"to":        target.To,
	}, &init)
	if err != nil {
		return nil, err
	}
	if init.MaxChunkSize <= 0 {
		return nil, errors.New("server reported no chunk size")
	}

	rec, err := c.sendChunks(ctx, f, init, st.Size(), progress)
	if err != nil {
		// Best effort; the server also expires idle transfers.
		_ = c.Call(context.WithoutCancel(ctx), "upload_cancel", map[string]any{"transfer_id": init.TransferID}, nil)
		return nil, err
	}
	return rec, nil
}

func (c *ChatClient) sendChunks(ctx context.Context, r io.Reader, init uploadInit, total int64, progress ProgressFunc) (*domain.FileRecord, error) {
	buf := make([]byte, init.MaxChunkSize)
	var sent int64
	for seq := int64(0); ; seq++ {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			var ack struct {
				Received int64 `json:"received"`
			}
			if cerr := c.Call(ctx, "upload_chunk", map[string]any{
				"transfer_id": init.TransferID,
				"seq":         seq,
				"data":        buf[:n],
			}, &ack); cerr != nil {
				return nil, cerr
			}
			sent = ack.Received
			if progress != nil {
				progress(sent, total)
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	var rec domain.FileRecord
	if err := c.Call(ctx, "upload_finalize", map[string]any{"transfer_id": init.TransferID}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
