package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
	"github.com/yndnr/chatmesh-go/pkg/cmap"
	"github.com/yndnr/chatmesh-go/pkg/token"
)

// BlobStore receives the content of completed uploads.
type BlobStore interface {
	// Put stores size bytes read from r under name and returns a location
	// string describing where the blob lives.
	Put(ctx context.Context, name string, r io.Reader, size int64) (string, error)
	Delete(ctx context.Context, name string) error
}

// ThumbnailFunc is the best-effort hook invoked for completed image
// uploads. Its error is logged and otherwise ignored.
type ThumbnailFunc func(ctx context.Context, rec *domain.FileRecord) error

// CompletionFunc is invoked after a transfer completes.
type CompletionFunc func(rec *domain.FileRecord, uploader string)

// FailureFunc is invoked once when a transfer moves to failed. It runs under
// the transfer's lock and must not call back into the TransferService.
type FailureFunc func(t domain.FileTransfer, reason string)

// TransferConfig configures a TransferService.
type TransferConfig struct {
	MaxFileSize       int64         `koanf:"max_file_size"`
	MaxChunkSize      int           `koanf:"max_chunk_size"`
	SequenceTolerance int64         `koanf:"sequence_tolerance"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	SweepInterval     time.Duration `koanf:"sweep_interval"`
	TempDir           string        `koanf:"temp_dir"`
}

// DefaultTransferConfig returns the default transfer configuration.
func DefaultTransferConfig() TransferConfig {
	return TransferConfig{
		MaxFileSize:       domain.DefaultMaxFileSize,
		MaxChunkSize:      64 << 10,
		SequenceTolerance: 2,
		IdleTimeout:       5 * time.Minute,
		SweepInterval:     30 * time.Second,
	}
}

// transfer is the mutable state of one upload. All fields are guarded by mu.
type transfer struct {
	mu           sync.Mutex
	info         domain.FileTransfer
	connID       string
	uploaderName string
	file         *os.File
	tempPath     string
	hasher       hash.Hash
	nextSeq      int64
	reason       string
	closedAt     time.Time
}

// TransferService runs chunked uploads from initiation to the blob store.
type TransferService struct {
	cfg       TransferConfig
	transfers *cmap.Map[string, *transfer]

	registry   *Registry
	users      UserRepository
	records    TransferRepository
	blobs      BlobStore
	limiter    *Limiter
	bus        *EventBus
	onComplete CompletionFunc
	onFail     FailureFunc
	thumbnail  ThumbnailFunc
	now        func() time.Time
	logger     *slog.Logger
}

// TransferOption configures a TransferService.
type TransferOption func(*TransferService)

// WithThumbnailFunc sets the thumbnail hook for image uploads.
func WithThumbnailFunc(fn ThumbnailFunc) TransferOption {
	return func(s *TransferService) { s.thumbnail = fn }
}

// WithCompletionFunc sets a hook invoked after every completed upload.
func WithCompletionFunc(fn CompletionFunc) TransferOption {
	return func(s *TransferService) { s.onComplete = fn }
}

// WithFailureFunc sets a hook invoked for every upload that fails.
func WithFailureFunc(fn FailureFunc) TransferOption {
	return func(s *TransferService) { s.onFail = fn }
}

// WithTransferClock sets the time source.
func WithTransferClock(now func() time.Time) TransferOption {
	return func(s *TransferService) { s.now = now }
}

// NewTransferService creates a TransferService. Without a thumbnail hook,
// image uploads publish a thumbnail_requested event.
func NewTransferService(cfg TransferConfig, registry *Registry, users UserRepository, records TransferRepository, blobs BlobStore, limiter *Limiter, bus *EventBus, logger *slog.Logger, opts ...TransferOption) *TransferService {
	def := DefaultTransferConfig()
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = def.MaxChunkSize
	}
	if cfg.SequenceTolerance < 0 {
		cfg.SequenceTolerance = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &TransferService{
		cfg:       cfg,
		transfers: cmap.New[string, *transfer](),
		registry:  registry,
		users:     users,
		records:   records,
		blobs:     blobs,
		limiter:   limiter,
		bus:       bus,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.thumbnail == nil {
		s.thumbnail = s.requestThumbnail
	}
	return s
}

// InitiateRequest describes a new upload. RoomID or To optionally names
// the target of the completion notice.
type InitiateRequest struct {
	Filename string
	Size     int64
	MimeHint string
	Digest   string
	RoomID   domain.RoomID
	To       string
}

// Initiate validates an upload request and opens a temp file for it.
func (s *TransferService) Initiate(ctx context.Context, connID string, req *InitiateRequest) (*domain.FileTransfer, error) {
	c, identity, err := s.registry.Authenticated(connID)
	if err != nil {
		return nil, err
	}

	// 1. Validate
	if req.Filename == "" {
		return nil, domain.ErrMissingArgument.WithDetails("filename")
	}
	if req.Size <= 0 {
		return nil, domain.ErrInvalidArgument.WithDetails("size must be positive")
	}
	if req.Size > s.cfg.MaxFileSize {
		return nil, domain.ErrFileTooLarge.WithDetails(fmt.Sprintf("limit is %d bytes", s.cfg.MaxFileSize))
	}
	category, err := domain.ClassifyFile(req.Filename)
	if err != nil {
		return nil, err
	}
	if req.Digest != "" {
		if b, err := hex.DecodeString(req.Digest); err != nil || len(b) != 32 {
			return nil, domain.ErrInvalidArgument.WithDetails("digest must be a hex sha256")
		}
	}

	// 2. Throttle
	if err := s.limiter.Admit(c.IP, ActionFileUpload, UserKey(identity.UserID)).Err(); err != nil {
		return nil, err
	}

	// 3. Resolve target
	var recipient domain.UserID
	switch {
	case req.RoomID != 0:
		ok, err := s.registry.IsMember(ctx, connID, req.RoomID, identity.UserID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.ErrNotAMember
		}
	case req.To != "":
		peer, err := s.users.FindUserByUsername(ctx, req.To)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, domain.ErrUserNotFound.WithDetails(req.To)
			}
			return nil, domain.ErrStorage.WithCause(err)
		}
		recipient = peer.ID
	}

	// 4. Open temp file
	id := domain.NewID(domain.TransferIDPrefix)
	f, err := os.CreateTemp(s.cfg.TempDir, id+"-*.part")
	if err != nil {
		return nil, domain.ErrStorage.WithCause(err)
	}

	now := s.now()
	t := &transfer{
		info: domain.FileTransfer{
			ID:             id,
			UploaderID:     identity.UserID,
			Filename:       req.Filename,
			StoredName:     id + "_" + domain.SanitizeFilename(req.Filename),
			Category:       category,
			MimeHint:       req.MimeHint,
			DeclaredSize:   req.Size,
			ExpectedDigest: req.Digest,
			Status:         domain.TransferPending,
			RoomID:         req.RoomID,
			RecipientID:    recipient,
			CreatedAt:      now,
			LastActivity:   now,
		},
		connID:       connID,
		uploaderName: identity.Username,
		file:         f,
		tempPath:     f.Name(),
		hasher:       token.NewHasher(),
	}
	s.transfers.Set(id, t)

	s.logger.Info("transfer initiated",
		"transfer_id", id,
		"user_id", identity.UserID,
		"filename", t.info.StoredName,
		"size", req.Size,
		"category", category)
	snapshot := t.snapshot()
	return &snapshot, nil
}

// ChunkAck acknowledges a chunk.
type ChunkAck struct {
	TransferID string `json:"transfer_id"`
	Seq        int64  `json:"seq"`
	Received   int64  `json:"received"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// ReceiveChunk appends chunk seq to the upload. A recent duplicate with an
// identical hash is acknowledged without being appended again; any other
// sequence violation fails the transfer, as does exceeding the declared
// size.
func (s *TransferService) ReceiveChunk(ctx context.Context, connID, transferID string, seq int64, data []byte) (*ChunkAck, error) {
	t, err := s.owned(connID, transferID)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, domain.ErrInvalidArgument.WithDetails("empty chunk")
	}
	if len(data) > s.cfg.MaxChunkSize {
		return nil, domain.ErrChunkTooLarge.WithDetails(fmt.Sprintf("limit is %d bytes", s.cfg.MaxChunkSize))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkOpenLocked(); err != nil {
		return nil, err
	}
	now := s.now()
	sum := token.HashBytes(data)

	switch {
	case seq == t.nextSeq:
		if t.info.ReceivedBytes+int64(len(data)) > t.info.DeclaredSize {
			return nil, s.failLocked(t, domain.ErrSizeExceeded, "declared size exceeded")
		}
		if _, err := t.file.Write(data); err != nil {
			return nil, s.failLocked(t, domain.ErrStorage.WithCause(err), "write failed")
		}
		t.hasher.Write(data)
		t.info.ChunkHashes = append(t.info.ChunkHashes, sum)
		t.info.ReceivedBytes += int64(len(data))
		t.info.Status = domain.TransferInProgress
		t.info.LastActivity = now
		t.nextSeq++
		return &ChunkAck{TransferID: transferID, Seq: seq, Received: t.info.ReceivedBytes}, nil

	case seq >= 0 && seq < t.nextSeq && t.nextSeq-seq <= s.cfg.SequenceTolerance:
		if !token.EqualDigest(t.info.ChunkHashes[seq], sum) {
			return nil, s.failLocked(t, domain.ErrSequenceMismatch.WithDetails("duplicate chunk differs"), "sequence mismatch")
		}
		t.info.LastActivity = now
		return &ChunkAck{TransferID: transferID, Seq: seq, Received: t.info.ReceivedBytes, Duplicate: true}, nil

	default:
		return nil, s.failLocked(t,
			domain.ErrSequenceMismatch.WithDetails(fmt.Sprintf("expected %d, got %d", t.nextSeq, seq)),
			"sequence mismatch")
	}
}

// Finalize verifies the upload and moves it into the blob store. The
// transfer becomes complete only on success; every check failure fails it.
func (s *TransferService) Finalize(ctx context.Context, connID, transferID string) (*domain.FileRecord, error) {
	t, err := s.owned(connID, transferID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	rec, err := s.finalizeLocked(ctx, t)
	uploader := t.uploaderName
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Info("transfer complete",
		"transfer_id", rec.TransferID,
		"user_id", rec.UploaderID,
		"size", rec.Size,
		"location", rec.Location)

	if s.bus != nil {
		users := []domain.UserID{rec.UploaderID}
		if rec.RecipientID != 0 {
			users = append(users, rec.RecipientID)
		}
		s.bus.Publish(domain.NewEvent(domain.EventFileTransferCompleted, rec.RoomID, rec, users...))
	}
	if s.onComplete != nil {
		s.onComplete(rec, uploader)
	}
	if rec.Category == domain.CategoryImage && s.thumbnail != nil {
		if err := s.thumbnail(ctx, rec); err != nil {
			s.logger.Warn("thumbnail callback failed", "transfer_id", rec.TransferID, "error", err)
		}
	}
	return rec, nil
}

func (s *TransferService) finalizeLocked(ctx context.Context, t *transfer) (*domain.FileRecord, error) {
	if err := t.checkOpenLocked(); err != nil {
		return nil, err
	}
	if t.info.ReceivedBytes < t.info.DeclaredSize {
		return nil, s.failLocked(t, domain.ErrIncomplete.WithDetails(
			fmt.Sprintf("received %d of %d bytes", t.info.ReceivedBytes, t.info.DeclaredSize)),
			"incomplete")
	}
	t.info.Status = domain.TransferVerifying

	// 1. Size on disk
	if err := t.file.Sync(); err != nil {
		return nil, s.failLocked(t, domain.ErrStorage.WithCause(err), "sync failed")
	}
	st, err := t.file.Stat()
	if err != nil {
		return nil, s.failLocked(t, domain.ErrStorage.WithCause(err), "stat failed")
	}
	if st.Size() != t.info.DeclaredSize {
		return nil, s.failLocked(t,
			domain.ErrSizeMismatch.WithDetails(fmt.Sprintf("on disk %d, declared %d", st.Size(), t.info.DeclaredSize)),
			"size mismatch")
	}

	// 2. Digest
	digest := token.HexSum(t.hasher)
	if t.info.ExpectedDigest != "" && !token.EqualDigest(digest, t.info.ExpectedDigest) {
		return nil, s.failLocked(t, domain.ErrHashMismatch, "hash mismatch")
	}

	// 3. Move into the blob store
	if _, err := t.file.Seek(0, io.SeekStart); err != nil {
		return nil, s.failLocked(t, domain.ErrStorage.WithCause(err), "seek failed")
	}
	location, err := s.blobs.Put(ctx, t.info.StoredName, t.file, st.Size())
	if err != nil {
		return nil, s.failLocked(t, domain.ErrStorage.WithCause(err), "blob store failed")
	}

	now := s.now()
	rec := &domain.FileRecord{
		TransferID:  t.info.ID,
		UploaderID:  t.info.UploaderID,
		Filename:    t.info.Filename,
		StoredName:  t.info.StoredName,
		Location:    location,
		Category:    t.info.Category,
		Size:        st.Size(),
		Digest:      digest,
		Chunks:      len(t.info.ChunkHashes),
		Status:      domain.TransferComplete,
		RoomID:      t.info.RoomID,
		RecipientID: t.info.RecipientID,
		CreatedAt:   t.info.CreatedAt,
		CompletedAt: now,
	}

	// 4. Record metadata
	if err := s.records.RecordFileTransfer(ctx, rec); err != nil {
		if derr := s.blobs.Delete(ctx, t.info.StoredName); derr != nil {
			s.logger.Warn("failed to remove orphaned blob", "name", t.info.StoredName, "error", derr)
		}
		return nil, s.failLocked(t, domain.ErrStorage.WithCause(err), "metadata write failed")
	}

	s.releaseLocked(t)
	t.info.Status = domain.TransferComplete
	t.info.LastActivity = now
	t.closedAt = now
	return rec, nil
}

// Cancel fails an upload at the uploader's request.
func (s *TransferService) Cancel(connID, transferID string) error {
	t, err := s.owned(connID, transferID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkOpenLocked(); err != nil {
		return err
	}
	s.failLocked(t, domain.ErrTransferCanceled, "canceled by uploader")
	return nil
}

// AbortByConnection fails every active upload started on connID and returns
// how many were aborted.
func (s *TransferService) AbortByConnection(connID string) int {
	n := 0
	for _, t := range s.transfers.Values() {
		t.mu.Lock()
		if t.connID == connID && !t.info.Status.Terminal() {
			s.failLocked(t, domain.ErrTransferCanceled, "connection closed")
			n++
		}
		t.mu.Unlock()
	}
	return n
}

// SweepIdle fails uploads without activity for the idle timeout and evicts
// terminal entries older than the same timeout. It returns the number of
// uploads failed and entries evicted.
func (s *TransferService) SweepIdle() (failed, evicted int) {
	now := s.now()
	var expired []string
	for _, t := range s.transfers.Values() {
		t.mu.Lock()
		switch {
		case !t.info.Status.Terminal() && now.Sub(t.info.LastActivity) >= s.cfg.IdleTimeout:
			s.failLocked(t, domain.ErrTransferTimeout, "idle timeout")
			failed++
		case t.info.Status.Terminal() && now.Sub(t.closedAt) >= s.cfg.IdleTimeout:
			expired = append(expired, t.info.ID)
		}
		t.mu.Unlock()
	}
	for _, id := range expired {
		s.transfers.Delete(id)
		evicted++
	}
	return failed, evicted
}

// Run sweeps idle uploads until ctx is done, then fails the remaining ones.
func (s *TransferService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.abortAll()
			return
		case <-ticker.C:
			if failed, evicted := s.SweepIdle(); failed+evicted > 0 {
				s.logger.Debug("transfer sweep", "failed", failed, "evicted", evicted)
			}
		}
	}
}

func (s *TransferService) abortAll() {
	for _, t := range s.transfers.Values() {
		t.mu.Lock()
		if !t.info.Status.Terminal() {
			s.failLocked(t, domain.ErrShuttingDown, "server shutting down")
		}
		t.mu.Unlock()
	}
}

// Get returns a snapshot of a transfer.
func (s *TransferService) Get(transferID string) (domain.FileTransfer, bool) {
	t, ok := s.transfers.Get(transferID)
	if !ok {
		return domain.FileTransfer{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(), true
}

// Reason returns why a transfer failed, if it did.
func (s *TransferService) Reason(transferID string) string {
	t, ok := s.transfers.Get(transferID)
	if !ok {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Active returns the number of uploads that are not terminal.
func (s *TransferService) Active() int {
	n := 0
	for _, t := range s.transfers.Values() {
		t.mu.Lock()
		if !t.info.Status.Terminal() {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

// owned returns the transfer if the connection's user uploaded it.
func (s *TransferService) owned(connID, transferID string) (*transfer, error) {
	_, identity, err := s.registry.Authenticated(connID)
	if err != nil {
		return nil, err
	}
	t, ok := s.transfers.Get(transferID)
	if !ok {
		return nil, domain.ErrUnknownTransfer
	}
	t.mu.Lock()
	uploader := t.info.UploaderID
	t.mu.Unlock()
	if uploader != identity.UserID {
		return nil, domain.ErrUnknownTransfer
	}
	return t, nil
}

// failLocked moves t to failed, removes its temp file and returns err.
func (s *TransferService) failLocked(t *transfer, err error, reason string) error {
	s.releaseLocked(t)
	now := s.now()
	t.info.Status = domain.TransferFailed
	t.info.LastActivity = now
	t.reason = reason
	t.closedAt = now
	s.logger.Info("transfer failed", "transfer_id", t.info.ID, "reason", reason)
	if s.onFail != nil {
		s.onFail(t.info, reason)
	}
	return err
}

func (s *TransferService) releaseLocked(t *transfer) {
	if t.file == nil {
		return
	}
	if err := t.file.Close(); err != nil {
		s.logger.Debug("failed to close temp file", "path", t.tempPath, "error", err)
	}
	if err := os.Remove(t.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove temp file", "path", t.tempPath, "error", err)
	}
	t.file = nil
}

func (s *TransferService) requestThumbnail(_ context.Context, rec *domain.FileRecord) error {
	if s.bus == nil {
		return nil
	}
	s.bus.Publish(domain.NewEvent(domain.EventThumbnailRequested, rec.RoomID, rec, rec.UploaderID))
	return nil
}

func (t *transfer) checkOpenLocked() error {
	switch {
	case t.info.Status.Terminal():
		return domain.ErrTransferClosed.WithDetails(string(t.info.Status) + ": " + t.reason)
	case t.file == nil:
		return domain.ErrTransferClosed
	}
	return nil
}

func (t *transfer) snapshot() domain.FileTransfer {
	out := t.info
	out.ChunkHashes = append([]string(nil), t.info.ChunkHashes...)
	return out
}

// MaxChunkSize returns the largest chunk ReceiveChunk accepts.
func (s *TransferService) MaxChunkSize() int {
	return s.cfg.MaxChunkSize
}
