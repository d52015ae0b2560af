package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kalambet/storevoice/internal/failure"
)

func TestLocalResolve(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.m4a"), []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "empty.m4a"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	l := Local{Root: dir}
	f, err := l.Resolve(context.Background(), "a.m4a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer f.Release()
	if f.Path != filepath.Join(dir, "a.m4a") {
		t.Errorf("Path = %q", f.Path)
	}

	for _, name := range []string{"missing.m4a", "empty.m4a", "."} {
		_, err := l.Resolve(context.Background(), name)
		if failure.KindOf(err) != failure.MediaUnreadable {
			t.Errorf("Resolve(%q) kind = %q, want %q", name, failure.KindOf(err), failure.MediaUnreadable)
		}
	}

	_, err = l.Resolve(context.Background(), "missing.m4a")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file error = %v, want ErrNotFound", err)
	}
}

type fakeGetter struct {
	body string
	err  error
	in   *s3.GetObjectInput
}

func (f *fakeGetter) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func TestS3Resolve(t *testing.T) {
	g := &fakeGetter{body: "remote audio"}
	r := &S3{client: g, tmpDir: t.TempDir()}

	f, err := r.Resolve(context.Background(), "s3://feedback/W001/rec.m4a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if *g.in.Bucket != "feedback" || *g.in.Key != "W001/rec.m4a" {
		t.Errorf("GetObject bucket=%q key=%q", *g.in.Bucket, *g.in.Key)
	}
	if filepath.Ext(f.Path) != ".m4a" {
		t.Errorf("temp file %q should keep the extension", f.Path)
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		t.Fatalf("reading download: %v", err)
	}
	if string(data) != "remote audio" {
		t.Errorf("content = %q", data)
	}

	f.Release()
	if _, err := os.Stat(f.Path); !os.IsNotExist(err) {
		t.Errorf("Release should remove the temp file, stat err = %v", err)
	}
}

func TestS3ResolveErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		err  error
		want failure.Kind
	}{
		{"missing key", "s3://b/k.wav", &s3types.NoSuchKey{}, failure.MediaUnreadable},
		{"network", "s3://b/k.wav", errors.New("connection reset"), failure.StorageUnavailable},
		{"malformed", "s3://bucket-only", nil, failure.MediaUnreadable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &S3{client: &fakeGetter{err: tt.err}, tmpDir: t.TempDir()}
			_, err := r.Resolve(context.Background(), tt.path)
			if got := failure.KindOf(err); got != tt.want {
				t.Errorf("kind = %q, want %q (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestRouter(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.wav"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := Router{Local: Local{Root: dir}}
	if _, err := r.Resolve(context.Background(), "a.wav"); err != nil {
		t.Errorf("local Resolve: %v", err)
	}
	_, err := r.Resolve(context.Background(), "s3://b/a.wav")
	if failure.KindOf(err) != failure.ToolUnavailable {
		t.Errorf("remote without client kind = %q, want %q", failure.KindOf(err), failure.ToolUnavailable)
	}

	r.Remote = &S3{client: &fakeGetter{body: "x"}, tmpDir: dir}
	f, err := r.Resolve(context.Background(), "s3://b/a.wav")
	if err != nil {
		t.Fatalf("remote Resolve: %v", err)
	}
	f.Release()
}
