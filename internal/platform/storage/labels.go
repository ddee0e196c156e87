package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

var errArchiveNotConfigured = errors.New("storage: label archive is not initialised")

// LabelObjectPath returns the object key for a shipment's label document.
func LabelObjectPath(storeID, shipmentID, fileName string) (string, error) {
	storeID, err := validateSegment("storeID", storeID)
	if err != nil {
		return "", err
	}
	shipmentID, err = validateSegment("shipmentID", shipmentID)
	if err != nil {
		return "", err
	}
	fileName, err = validateFileName(fileName)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("labels/stores/%s/shipments/%s/%s", storeID, shipmentID, fileName), nil
}

// LabelFileName picks a file name from the document's content type.
func LabelFileName(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "application/pdf", "":
		return "label.pdf"
	case "image/png":
		return "label.png"
	case "application/zpl", "application/x-zpl", "text/zpl":
		return "label.zpl"
	case "text/plain":
		return "label.txt"
	default:
		return "label.bin"
	}
}

type writerFactory func(ctx context.Context, bucket, object, contentType string) io.WriteCloser

// LabelArchive stores carrier label documents and hands out short-lived download URLs.
type LabelArchive struct {
	bucket    string
	newWriter writerFactory
	urls      *Client
	ttl       time.Duration
}

// ArchiveOption customises a LabelArchive.
type ArchiveOption func(*LabelArchive)

// WithURLTTL sets the lifetime of generated download URLs.
func WithURLTTL(ttl time.Duration) ArchiveOption {
	return func(a *LabelArchive) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

func withWriterFactory(factory writerFactory) ArchiveOption {
	return func(a *LabelArchive) {
		if factory != nil {
			a.newWriter = factory
		}
	}
}

// NewLabelArchive constructs an archive writing to bucket through the Cloud Storage client.
func NewLabelArchive(bucket string, client *gcs.Client, urls *Client, opts ...ArchiveOption) (*LabelArchive, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	if urls == nil {
		return nil, errNoSigner
	}
	archive := &LabelArchive{bucket: bucket, urls: urls, ttl: defaultSignedURLExpiry}
	if client != nil {
		archive.newWriter = func(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
			w := client.Bucket(bucket).Object(object).NewWriter(ctx)
			w.ContentType = contentType
			w.CacheControl = "private, max-age=0"
			return w
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(archive)
		}
	}
	if archive.newWriter == nil {
		return nil, errors.New("storage: cloud storage client is required")
	}
	return archive, nil
}

// StoreLabel writes the document and returns its object path.
func (a *LabelArchive) StoreLabel(ctx context.Context, storeID, shipmentID, contentType string, document []byte) (string, error) {
	if a == nil || a.newWriter == nil {
		return "", errArchiveNotConfigured
	}
	if len(document) == 0 {
		return "", errors.New("storage: label document is empty")
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = "application/pdf"
	}
	object, err := LabelObjectPath(storeID, shipmentID, LabelFileName(contentType))
	if err != nil {
		return "", err
	}

	w := a.newWriter(ctx, a.bucket, object, contentType)
	if _, err := w.Write(document); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: write label %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: finalise label %s: %w", object, err)
	}
	return object, nil
}

// LabelURL signs a download URL for an archived label. The caller identity is read from ctx and
// must be allowed to manage storeID.
func (a *LabelArchive) LabelURL(ctx context.Context, storeID, object string) (SignedURLResult, error) {
	if a == nil || a.urls == nil {
		return SignedURLResult{}, errArchiveNotConfigured
	}
	identity, err := AuthorizeDownloadFromContext(ctx, storeID, false)
	if err != nil {
		return SignedURLResult{}, err
	}
	prefix := fmt.Sprintf("labels/stores/%s/", strings.TrimSpace(storeID))
	if !strings.HasPrefix(object, prefix) {
		return SignedURLResult{}, ErrPermissionDenied
	}
	fileName := object[strings.LastIndex(object, "/")+1:]
	return a.urls.SignedURL(ctx, a.bucket, object, DownloadOptions{
		ExpiresIn:    a.ttl,
		Disposition:  fmt.Sprintf("inline; filename=%q", fileName),
		CacheControl: "private, max-age=0",
		StoreID:      storeID,
		Identity:     identity,
	})
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func validateFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: fileName is required")
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: fileName contains invalid path characters")
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: fileName contains invalid traversal sequence")
	}
	return value, nil
}
