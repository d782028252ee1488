package export

import (
	"archive/zip"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/spf13/afero"

	"github.com/ha1tch/pgshift/pkg/errors"
)

func TestFileNames(t *testing.T) {
	if got := TranslatedFileName("42", "orders"); got != "Redshift-42-orders.sql" {
		t.Errorf("unexpected translated name: %s", got)
	}
	if got := OriginalFileName("42", "orders"); got != "Postgres-42-orders.sql" {
		t.Errorf("unexpected original name: %s", got)
	}
	if got := TranslatedFileName("", ""); got != "Redshift--.sql" {
		t.Errorf("unexpected empty name: %s", got)
	}
	if got := TranslatedFileName("1", "../etc/\"x\"\n"); got != "Redshift-1-.._etc_x.sql" {
		t.Errorf("expected separators replaced, got %s", got)
	}
}

func TestBatchOutputName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"orders.sql", "orders_redshift.sql", true},
		{"dir/orders.sql", "orders_redshift.sql", true},
		{`C:\reports\orders.sql`, "orders_redshift.sql", true},
		{"orders", "orders_redshift.sql", true},
		{"orders.v2.sql", "orders.v2_redshift.sql", true},
		{"orders_redshift.sql", "", false},
		{"orders_REDSHIFT.txt", "", false},
		{"redshift.sql", "redshift_redshift.sql", true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := BatchOutputName(tc.in)
			if ok != tc.ok || got != tc.want {
				t.Errorf("expected (%q, %v), got (%q, %v)", tc.want, tc.ok, got, ok)
			}
		})
	}
}

func TestArchive_ConcurrentAdds(t *testing.T) {
	var buf bytes.Buffer
	a := NewArchive(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := a.Add(fmt.Sprintf("q%02d_redshift.sql", i), []byte(fmt.Sprintf("SELECT %d", i))); err != nil {
				t.Errorf("failed to add entry: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if err := a.Close(); err != nil {
		t.Fatalf("failed to close archive: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("invalid zip: %v", err)
	}
	expected := make(map[string]string)
	for i := 0; i < 20; i++ {
		expected[fmt.Sprintf("q%02d_redshift.sql", i)] = fmt.Sprintf("SELECT %d", i)
	}
	if len(zr.File) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(zr.File))
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("failed to open %s: %v", f.Name, err)
		}
		body, _ := io.ReadAll(rc)
		rc.Close()
		if want := expected[f.Name]; string(body) != want {
			t.Errorf("%s: expected %q, got %q", f.Name, want, body)
		}
	}
}

func TestArchive_DuplicateNames(t *testing.T) {
	var buf bytes.Buffer
	a := NewArchive(&buf)

	for _, want := range []string{"a_redshift.sql", "a_redshift-2.sql", "a_redshift-3.sql"} {
		got, err := a.Add("a_redshift.sql", nil)
		if err != nil {
			t.Fatalf("failed to add: %v", err)
		}
		if got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
	if _, err := a.Add("late.sql", nil); !errors.IsCode(err, errors.ErrCodeArchiveWrite) {
		t.Errorf("expected archive write error after close, got %v", err)
	}
	if len(a.Entries()) != 3 {
		t.Errorf("expected 3 entries, got %v", a.Entries())
	}
}

type fakeUploader struct {
	mu       sync.Mutex
	failures int
	calls    int
	keys     []string
	bodies   []string
}

func (f *fakeUploader) Upload(in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	return f.UploadWithContext(context.Background(), in, opts...)
}

func (f *fakeUploader) UploadWithContext(ctx aws.Context, in *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	body, _ := io.ReadAll(in.Body)
	if f.calls <= f.failures {
		return nil, stderrors.New("slow down")
	}
	f.keys = append(f.keys, aws.StringValue(in.Key))
	f.bodies = append(f.bodies, string(body))
	return &s3manager.UploadOutput{Location: "s3://" + aws.StringValue(in.Bucket) + "/" + aws.StringValue(in.Key)}, nil
}

func TestS3Sink_RetriesThenSucceeds(t *testing.T) {
	up := &fakeUploader{failures: 2}
	s := NewS3SinkWithUploader(up, "reports", nil)
	s.initialBackoff = time.Millisecond

	loc, err := s.Store(context.Background(), ArchiveKey("batches", "b1"), bytes.NewReader([]byte("zipdata")))
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if loc != "s3://reports/batches/b1.zip" {
		t.Errorf("unexpected location: %s", loc)
	}
	if up.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", up.calls)
	}
	// every attempt sees the whole body
	if up.bodies[0] != "zipdata" {
		t.Errorf("expected full body on retry, got %q", up.bodies[0])
	}
}

func TestS3Sink_GivesUp(t *testing.T) {
	up := &fakeUploader{failures: 10}
	s := NewS3SinkWithUploader(up, "reports", nil)
	s.initialBackoff = time.Millisecond

	_, err := s.Store(context.Background(), "k.zip", bytes.NewReader(nil))
	if !errors.IsCode(err, errors.ErrCodeArchiveUpload) {
		t.Fatalf("expected upload error, got %v", err)
	}
	if up.calls != maxUploadRetries {
		t.Errorf("expected %d attempts, got %d", maxUploadRetries, up.calls)
	}
}

func TestS3Sink_Cancelled(t *testing.T) {
	up := &fakeUploader{failures: 10}
	s := NewS3SinkWithUploader(up, "reports", nil)
	s.initialBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Store(ctx, "k.zip", bytes.NewReader(nil))
	if !errors.IsCode(err, errors.ErrCodeCancelled) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestDirSink(t *testing.T) {
	fs := afero.NewMemMapFs()
	d, err := NewDirSink(fs, "/archives")
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}

	loc, err := d.Store(context.Background(), ArchiveKey("2026", "b1"), bytes.NewReader([]byte("zipdata")))
	if err != nil {
		t.Fatalf("failed to store: %v", err)
	}
	if loc != "file:///archives/2026/b1.zip" {
		t.Errorf("unexpected location: %s", loc)
	}
	data, err := afero.ReadFile(fs, "/archives/2026/b1.zip")
	if err != nil {
		t.Fatalf("failed to read stored archive: %v", err)
	}
	if string(data) != "zipdata" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestArchiveKey(t *testing.T) {
	if got := ArchiveKey("", "b1"); got != "b1.zip" {
		t.Errorf("unexpected key: %s", got)
	}
	if got := ArchiveKey("pgshift/batches/", "b1"); got != "pgshift/batches/b1.zip" {
		t.Errorf("unexpected key: %s", got)
	}
}

func TestS3Sink_Prefix(t *testing.T) {
	up := &fakeUploader{}
	s := NewS3SinkWithUploader(up, "reports", nil)
	s.prefix = "team-a"

	loc, err := s.Store(context.Background(), ArchiveKey("batches", "b2"), bytes.NewReader([]byte("zip")))
	if err != nil {
		t.Fatal(err)
	}
	if up.keys[0] != "team-a/batches/b2.zip" {
		t.Errorf("unexpected key: %s", up.keys[0])
	}
	if loc != "s3://reports/team-a/batches/b2.zip" {
		t.Errorf("unexpected location: %s", loc)
	}
}
