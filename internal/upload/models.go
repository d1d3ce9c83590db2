package upload

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// FileUpload is the metadata record for one stored blob. The blob itself
// lives in GridFS under StorageID; FileID is the stable public handle.
type FileUpload struct {
	FileID    string             `bson:"file_id" json:"file_id"`
	UserID    string             `bson:"user_id" json:"user_id"`
	SessionID string             `bson:"session_id" json:"session_id"`
	Name      string             `bson:"name" json:"name"`
	Mime      string             `bson:"mime" json:"mime"`
	Size      int64              `bson:"size" json:"size"`
	FileHash  string             `bson:"file_hash" json:"-"`
	StorageID primitive.ObjectID `bson:"storage_id" json:"-"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
}

// IsImage reports whether the stored mime type is an image type eligible
// for thumbnailing.
func (f *FileUpload) IsImage() bool {
	return len(f.Mime) > 6 && f.Mime[:6] == "image/"
}

// FileRef is the hydrated reference embedded in chat history responses.
type FileRef struct {
	FileID       string `json:"file_id"`
	Name         string `json:"name"`
	Mime         string `json:"mime"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	IsImage      bool   `json:"is_image"`
}

// Ref builds the API-facing reference for a stored file.
func (f *FileUpload) Ref() FileRef {
	r := FileRef{
		FileID:  f.FileID,
		Name:    f.Name,
		Mime:    f.Mime,
		Size:    f.Size,
		URL:     "/api/v1/chat/files/" + f.FileID,
		IsImage: f.IsImage(),
	}
	if r.IsImage {
		r.ThumbnailURL = r.URL + "/thumbnail"
	}
	return r
}
