package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/americana-market/api/internal/platform/auth"
)

type bufferWriter struct {
	bytes.Buffer
	closed   bool
	closeErr error
}

func (w *bufferWriter) Close() error {
	w.closed = true
	return w.closeErr
}

type recordedWrite struct {
	bucket      string
	object      string
	contentType string
	writer      *bufferWriter
}

func newTestArchive(t *testing.T, closeErr error) (*LabelArchive, *[]recordedWrite) {
	t.Helper()
	var writes []recordedWrite
	urls, err := NewClient(&fakeSigner{email: "labels@example.iam.gserviceaccount.com"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	archive, err := NewLabelArchive("am-labels", nil, urls, withWriterFactory(func(_ context.Context, bucket, object, contentType string) io.WriteCloser {
		w := &bufferWriter{closeErr: closeErr}
		writes = append(writes, recordedWrite{bucket: bucket, object: object, contentType: contentType, writer: w})
		return w
	}))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	return archive, &writes
}

func TestLabelObjectPath(t *testing.T) {
	path, err := LabelObjectPath("store-1", "shp-1", "label.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "labels/stores/store-1/shipments/shp-1/label.pdf" {
		t.Fatalf("unexpected path %s", path)
	}
	if _, err := LabelObjectPath("../store", "shp-1", "label.pdf"); err == nil {
		t.Fatalf("expected traversal to be rejected")
	}
	if _, err := LabelObjectPath("store-1", "", "label.pdf"); err == nil {
		t.Fatalf("expected missing shipment to be rejected")
	}
}

func TestLabelFileName(t *testing.T) {
	cases := map[string]string{
		"application/pdf":          "label.pdf",
		"":                         "label.pdf",
		"image/PNG":                "label.png",
		"application/zpl; dpi=203": "label.zpl",
		"application/octet-stream": "label.bin",
	}
	for contentType, want := range cases {
		if got := LabelFileName(contentType); got != want {
			t.Errorf("LabelFileName(%q) = %s, want %s", contentType, got, want)
		}
	}
}

func TestStoreLabelWritesDocument(t *testing.T) {
	archive, writes := newTestArchive(t, nil)

	object, err := archive.StoreLabel(context.Background(), "store-1", "shp-1", "application/pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("StoreLabel: %v", err)
	}
	if object != "labels/stores/store-1/shipments/shp-1/label.pdf" {
		t.Fatalf("unexpected object %s", object)
	}
	if len(*writes) != 1 {
		t.Fatalf("expected one write, got %d", len(*writes))
	}
	w := (*writes)[0]
	if w.bucket != "am-labels" || w.contentType != "application/pdf" || w.writer.String() != "%PDF-1.4" || !w.writer.closed {
		t.Fatalf("unexpected write %+v", w)
	}
}

func TestStoreLabelCloseFailure(t *testing.T) {
	archive, _ := newTestArchive(t, errors.New("precondition failed"))
	if _, err := archive.StoreLabel(context.Background(), "store-1", "shp-1", "", []byte("doc")); err == nil {
		t.Fatalf("expected close error to surface")
	}
	if _, err := archive.StoreLabel(context.Background(), "store-1", "shp-1", "", nil); err == nil {
		t.Fatalf("expected empty document to be rejected")
	}
}

func TestLabelURLChecksStoreAccess(t *testing.T) {
	archive, _ := newTestArchive(t, nil)
	object := "labels/stores/store-1/shipments/shp-1/label.pdf"

	vendor := &auth.Identity{UID: "vendor-1", Roles: []string{auth.RoleVendor}, StoreIDs: []string{"store-1"}}
	ctx := auth.WithIdentity(context.Background(), vendor)
	res, err := archive.LabelURL(ctx, "store-1", object)
	if err != nil {
		t.Fatalf("LabelURL: %v", err)
	}
	if res.URL == "" {
		t.Fatalf("expected signed url")
	}

	if _, err := archive.LabelURL(ctx, "store-1", "labels/stores/store-2/shipments/shp-9/label.pdf"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected object outside store prefix to be denied, got %v", err)
	}
	if _, err := archive.LabelURL(context.Background(), "store-1", object); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected anonymous caller to be denied, got %v", err)
	}
}
