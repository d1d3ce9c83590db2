// Package upload stores request attachments in GridFS with per-user
// deduplication and serves them back, including image thumbnails.
package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "github.com/flowiselabs/flowise-proxy-service/internal/errors"
	"github.com/flowiselabs/flowise-proxy-service/internal/flowise"
	"github.com/flowiselabs/flowise-proxy-service/internal/logger"
)

// Service owns upload persistence and retrieval.
type Service struct {
	files   *mongodriver.Collection
	bucket  *gridfs.Bucket
	maxSize int64

	thumbs *thumbnailCache
	logger *logger.Logger
}

// NewService creates the upload service. maxSize bounds the decoded size of
// a single attachment.
func NewService(files *mongodriver.Collection, bucket *gridfs.Bucket, maxSize int64, log *logger.Logger) *Service {
	return &Service{
		files:   files,
		bucket:  bucket,
		maxSize: maxSize,
		thumbs:  newThumbnailCache(128),
		logger:  log.WithComponent("upload"),
	}
}

// decodePayload strips an optional data-URI prefix and base64-decodes the
// attachment body.
func decodePayload(data string) ([]byte, error) {
	if strings.HasPrefix(data, "data:") {
		_, rest, found := strings.Cut(data, ",")
		if !found {
			return nil, apperrors.New(apperrors.KindUnsupportedMediaType, "malformed data URI")
		}
		data = rest
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnsupportedMediaType, "invalid base64 payload", err)
	}
	return raw, nil
}

// Store persists one attachment and returns its metadata record. Identical
// content re-uploaded by the same user reuses the existing record.
func (s *Service) Store(ctx context.Context, userID, sessionID string, up flowise.Upload) (*FileUpload, error) {
	raw, err := decodePayload(up.Data)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > s.maxSize {
		return nil, apperrors.Newf(apperrors.KindPayloadTooLarge,
			"upload %q exceeds the %d byte limit", up.Name, s.maxSize)
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	// Same user, same bytes: hand back the record that already exists.
	var existing FileUpload
	err = s.files.FindOne(ctx, bson.M{"user_id": userID, "file_hash": hash}).Decode(&existing)
	if err == nil {
		return &existing, nil
	}
	if err != mongodriver.ErrNoDocuments {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to check for duplicate upload", err)
	}

	fileID := uuid.NewString()
	storageID, err := s.bucket.UploadFromStream(fileID, bytes.NewReader(raw),
		options.GridFSUpload().SetMetadata(bson.M{"user_id": userID, "mime": up.Mime}))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to write blob", err)
	}

	record := &FileUpload{
		FileID:    fileID,
		UserID:    userID,
		SessionID: sessionID,
		Name:      up.Name,
		Mime:      up.Mime,
		Size:      int64(len(raw)),
		FileHash:  hash,
		StorageID: storageID,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.files.InsertOne(ctx, record); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to record upload", err)
	}

	s.logger.Info("stored upload",
		slog.String("file_id", fileID),
		slog.String("user_id", userID),
		slog.Int64("size", record.Size))
	return record, nil
}

// StoreAll persists every attachment of one request and returns their
// records in input order.
func (s *Service) StoreAll(ctx context.Context, userID, sessionID string, uploads []flowise.Upload) ([]*FileUpload, error) {
	records := make([]*FileUpload, 0, len(uploads))
	for _, up := range uploads {
		rec, err := s.Store(ctx, userID, sessionID, up)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Get returns the metadata record for a file.
func (s *Service) Get(ctx context.Context, fileID string) (*FileUpload, error) {
	var rec FileUpload
	err := s.files.FindOne(ctx, bson.M{"file_id": fileID}).Decode(&rec)
	if err == mongodriver.ErrNoDocuments {
		return nil, apperrors.New(apperrors.KindNotFound, "file not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to load file record", err)
	}
	return &rec, nil
}

// GetByIDs loads the records for a set of file handles, keyed by file_id.
// Missing handles are silently absent from the result.
func (s *Service) GetByIDs(ctx context.Context, fileIDs []string) (map[string]*FileUpload, error) {
	out := make(map[string]*FileUpload, len(fileIDs))
	if len(fileIDs) == 0 {
		return out, nil
	}

	cur, err := s.files.Find(ctx, bson.M{"file_id": bson.M{"$in": fileIDs}})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to load file records", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var rec FileUpload
		if err := cur.Decode(&rec); err != nil {
			return nil, apperrors.Wrap(apperrors.KindInternal, "failed to decode file record", err)
		}
		out[rec.FileID] = &rec
	}
	return out, cur.Err()
}

// ListBySession returns all upload records attached to a session.
func (s *Service) ListBySession(ctx context.Context, sessionID string) ([]FileUpload, error) {
	cur, err := s.files.Find(ctx, bson.M{"session_id": sessionID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to list session files", err)
	}
	defer cur.Close(ctx)

	files := []FileUpload{}
	if err := cur.All(ctx, &files); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "failed to decode session files", err)
	}
	return files, nil
}

// Content streams the blob for a record into w.
func (s *Service) Content(rec *FileUpload, w io.Writer) error {
	stream, err := s.bucket.OpenDownloadStream(rec.StorageID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "failed to open blob", err)
	}
	defer stream.Close()

	if _, err := io.Copy(w, stream); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "failed to stream blob", err)
	}
	return nil
}

// Thumbnail returns a PNG thumbnail for an image record, generating and
// caching it on first use. Non-image records are rejected.
func (s *Service) Thumbnail(rec *FileUpload) ([]byte, error) {
	if !rec.IsImage() {
		return nil, apperrors.New(apperrors.KindUnsupportedMediaType, "thumbnails are only available for images")
	}

	if cached, ok := s.thumbs.get(rec.FileID); ok {
		return cached, nil
	}

	var buf bytes.Buffer
	if err := s.Content(rec, &buf); err != nil {
		return nil, err
	}

	thumb, err := renderThumbnail(buf.Bytes(), thumbnailMaxDim)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnsupportedMediaType, "failed to decode image", err)
	}

	s.thumbs.put(rec.FileID, thumb)
	return thumb, nil
}
