// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"
)

// ErrAvatarUpload wraps every failure to fetch, convert, or upload an avatar.
var ErrAvatarUpload = errors.New("avatar upload failed")

// avatarUploadTimeout bounds one shared fetch, convert and upload run.
const avatarUploadTimeout = time.Minute

// DefaultAvatarBucket is the SBS file bucket avatars are uploaded to.
const DefaultAvatarBucket = "discordavatar"

// AvatarAssociation maps a Mattermost profile image to its SBS upload.
type AvatarAssociation struct {
	LocalAvatarRef string `json:"local_avatar_ref"`
	RemoteFileID   int64  `json:"remote_file_id"`
}

type avatarSource interface {
	FetchAvatar(ctx context.Context, userID string) ([]byte, error)
}

type avatarUploader interface {
	UploadFile(ctx context.Context, bucket, filename string, data []byte) (int64, error)
}

// AvatarBridge uploads Mattermost profile images to SBS once per image and
// remembers the resulting file ids.
type AvatarBridge struct {
	source   avatarSource
	uploader avatarUploader
	bucket   string
	log      zerolog.Logger
	metrics  *Metrics

	mu     sync.Mutex
	assocs map[string]AvatarAssociation
	group  singleflight.Group
}

// NewAvatarBridge creates an avatar bridge with no known associations.
func NewAvatarBridge(source avatarSource, uploader avatarUploader, bucket string, metrics *Metrics, log zerolog.Logger) *AvatarBridge {
	if bucket == "" {
		bucket = DefaultAvatarBucket
	}
	return &AvatarBridge{
		source:   source,
		uploader: uploader,
		bucket:   bucket,
		metrics:  metrics,
		log:      log,
		assocs:   make(map[string]AvatarAssociation),
	}
}

func (ab *AvatarBridge) cached(userID, ref string) (int64, bool) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	a, ok := ab.assocs[userID]
	if !ok || a.LocalAvatarRef != ref {
		return 0, false
	}
	return a.RemoteFileID, true
}

// Resolve returns the SBS file id for a user's current profile image,
// uploading it first if the image is new or changed. Upload failures are
// wrapped in ErrAvatarUpload; a caller whose ctx ends first gets ctx.Err().
func (ab *AvatarBridge) Resolve(ctx context.Context, userID, ref string) (int64, error) {
	if id, ok := ab.cached(userID, ref); ok {
		return id, nil
	}
	// The run is shared by every waiter for this image, so it is detached
	// from the cancellation of whichever caller started it.
	ch := ab.group.DoChan(userID+"\x00"+ref, func() (any, error) {
		if id, ok := ab.cached(userID, ref); ok {
			return id, nil
		}
		uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), avatarUploadTimeout)
		defer cancel()
		return ab.upload(uploadCtx, userID, ref)
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int64), nil
	}
}

func (ab *AvatarBridge) upload(ctx context.Context, userID, ref string) (int64, error) {
	data, err := ab.source.FetchAvatar(ctx, userID)
	if err != nil {
		ab.metrics.avatarResult("fetch_failed")
		return 0, fmt.Errorf("%w: failed to fetch avatar: %w", ErrAvatarUpload, err)
	}
	pngData, err := convertToPNG(data)
	if err != nil {
		ab.metrics.avatarResult("convert_failed")
		return 0, fmt.Errorf("%w: failed to convert avatar: %w", ErrAvatarUpload, err)
	}
	fileID, err := ab.uploader.UploadFile(ctx, ab.bucket, userID+".png", pngData)
	if err != nil {
		ab.metrics.avatarResult("upload_failed")
		return 0, fmt.Errorf("%w: %w", ErrAvatarUpload, err)
	}

	ab.mu.Lock()
	ab.assocs[userID] = AvatarAssociation{LocalAvatarRef: ref, RemoteFileID: fileID}
	ab.mu.Unlock()
	ab.metrics.avatarResult("uploaded")
	ab.log.Debug().
		Str("user_id", userID).
		Int64("file_id", fileID).
		Msg("Uploaded avatar to SmileBASIC Source")
	return fileID, nil
}

// Snapshot returns a copy of every association.
func (ab *AvatarBridge) Snapshot() map[string]AvatarAssociation {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	out := make(map[string]AvatarAssociation, len(ab.assocs))
	for k, v := range ab.assocs {
		out[k] = v
	}
	return out
}

// Restore replaces every association with the given ones.
func (ab *AvatarBridge) Restore(assocs map[string]AvatarAssociation) {
	next := make(map[string]AvatarAssociation, len(assocs))
	for k, v := range assocs {
		next[k] = v
	}
	ab.mu.Lock()
	ab.assocs = next
	ab.mu.Unlock()
}

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// convertToPNG re-encodes a JPEG, GIF, or WebP image as PNG. PNG input is
// returned as is.
func convertToPNG(data []byte) ([]byte, error) {
	if bytes.HasPrefix(data, pngSignature) {
		return data, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err = png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
