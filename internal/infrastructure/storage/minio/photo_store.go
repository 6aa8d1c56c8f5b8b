package minio

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/pkg/errors"
)

var (
	ErrObjectNotFound   = errors.New(errors.ErrCodeNotFound, "photo not found")
	ErrUnsupportedMedia = errors.New(errors.ErrCodeValidation, "unsupported photo content type")
	ErrForeignObjectKey = errors.New(errors.ErrCodeForbidden, "object key belongs to another family")
	ErrPresignFailed    = errors.New(errors.ErrCodeServiceUnavailable, "failed to presign photo url")
)

var photoExtByContentType = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/heic": "heic",
	"image/webp": "webp",
}

// PresignedURL is a time-limited direct upload or download link.
type PresignedURL struct {
	ObjectKey string    `json:"object_key"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PhotoStore issues presigned URLs under families/<family>/children/<child>/.
type PhotoStore struct {
	client *Client
	now    func() time.Time
}

// NewPhotoStore returns a store over client. A nil now uses the wall clock.
func NewPhotoStore(client *Client, now func() time.Time) *PhotoStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &PhotoStore{client: client, now: now}
}

// FamilyPrefix is the key prefix every object of familyID lives under.
func FamilyPrefix(familyID string) string {
	return "families/" + familyID + "/"
}

// PhotoKey builds a fresh object key for a child's photo.
func PhotoKey(familyID, childID, contentType string) (string, error) {
	ext, ok := photoExtByContentType[strings.ToLower(strings.TrimSpace(contentType))]
	if !ok {
		return "", ErrUnsupportedMedia.WithDetail(contentType)
	}
	return FamilyPrefix(familyID) + "children/" + childID + "/" + uuid.NewString() + "." + ext, nil
}

// PresignUpload reserves a key and returns a PUT URL for it.
func (s *PhotoStore) PresignUpload(ctx context.Context, familyID, childID, contentType string) (*PresignedURL, error) {
	if familyID == "" || childID == "" {
		return nil, errors.InvalidParam("family id and child id are required")
	}
	key, err := PhotoKey(familyID, childID, contentType)
	if err != nil {
		return nil, err
	}
	expiry := s.client.config.PresignExpiry
	u, err := s.client.api.PresignedPutObject(ctx, s.client.config.Bucket, key, expiry)
	if err != nil {
		return nil, ErrPresignFailed.WithCause(err)
	}
	s.client.logger.Debug("photo upload presigned", logging.FamilyID(familyID), logging.ChildID(childID), logging.String("object_key", key))
	return &PresignedURL{ObjectKey: key, URL: u.String(), Method: "PUT", ExpiresAt: s.now().Add(expiry)}, nil
}

// PresignDownload returns a GET URL for an uploaded photo of familyID.
func (s *PhotoStore) PresignDownload(ctx context.Context, familyID, objectKey string) (*PresignedURL, error) {
	if !strings.HasPrefix(objectKey, FamilyPrefix(familyID)) {
		return nil, ErrForeignObjectKey
	}
	exists, err := s.Exists(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrObjectNotFound.WithDetail(objectKey)
	}
	expiry := s.client.config.PresignExpiry
	u, err := s.client.api.PresignedGetObject(ctx, s.client.config.Bucket, objectKey, expiry, nil)
	if err != nil {
		return nil, ErrPresignFailed.WithCause(err)
	}
	return &PresignedURL{ObjectKey: objectKey, URL: u.String(), Method: "GET", ExpiresAt: s.now().Add(expiry)}, nil
}

// Exists reports whether objectKey has been uploaded.
func (s *PhotoStore) Exists(ctx context.Context, objectKey string) (bool, error) {
	_, err := s.client.api.StatObject(ctx, s.client.config.Bucket, objectKey, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to stat photo")
}

// Delete removes a photo. Deleting a missing object succeeds.
func (s *PhotoStore) Delete(ctx context.Context, familyID, objectKey string) error {
	if !strings.HasPrefix(objectKey, FamilyPrefix(familyID)) {
		return ErrForeignObjectKey
	}
	if err := s.client.api.RemoveObject(ctx, s.client.config.Bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		return errors.Wrap(err, errors.ErrCodeServiceUnavailable, "failed to delete photo")
	}
	return nil
}
