package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestLocal_RoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	l, err := NewLocal(root)
	if err != nil {
		t.Fatal(err)
	}

	n, err := l.PutStream(ctx, "orders/20250101T000000Z-orders.dump", strings.NewReader("dump"))
	if err != nil {
		t.Fatalf("PutStream: %v", err)
	}
	if n != 4 {
		t.Errorf("size = %d, want 4", n)
	}
	rc, err := l.GetStream(ctx, "orders/20250101T000000Z-orders.dump")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "dump" {
		t.Errorf("content = %q", got)
	}

	if err := l.Delete(ctx, "orders/20250101T000000Z-orders.dump"); err != nil {
		t.Fatal(err)
	}
	if err := l.Delete(ctx, "orders/20250101T000000Z-orders.dump"); err != nil {
		t.Errorf("second Delete = %v, want nil", err)
	}
	if _, err := l.GetStream(ctx, "orders/20250101T000000Z-orders.dump"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStream(deleted) err = %v, want ErrNotFound", err)
	}
}

func TestLocal_FailedPutLeavesNothing(t *testing.T) {
	root := t.TempDir()
	l, _ := NewLocal(root)
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("partial"))
		pw.CloseWithError(errors.New("pg_dump exited 1"))
	}()
	if _, err := l.PutStream(context.Background(), "orders/x.dump", pr); err == nil {
		t.Fatal("expected error")
	}
	entries, _ := os.ReadDir(filepath.Join(root, "orders"))
	if len(entries) != 0 {
		t.Errorf("left behind %d files", len(entries))
	}
}

func TestLocal_RejectsEscapingPath(t *testing.T) {
	l, _ := NewLocal(t.TempDir())
	if _, err := l.PutStream(context.Background(), "../escape", strings.NewReader("x")); err == nil {
		t.Error("expected error for path outside root")
	}
}

func TestZstd_RoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	l, _ := NewLocal(root)
	z := NewZstd(l)

	payload := bytes.Repeat([]byte("insert into orders values (1);\n"), 4096)
	n, err := z.PutStream(ctx, "orders/a.sql", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	if n <= 0 || n >= int64(len(payload)) {
		t.Errorf("compressed size = %d, payload %d", n, len(payload))
	}
	if _, err := os.Stat(filepath.Join(root, "orders", "a.sql.zst")); err != nil {
		t.Errorf("compressed artifact missing: %v", err)
	}

	rc, err := z.GetStream(ctx, "orders/a.sql")
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("decompressed payload differs")
	}
	if err := z.Delete(ctx, "orders/a.sql"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "orders", "a.sql.zst")); !os.IsNotExist(err) {
		t.Errorf("artifact still present: %v", err)
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, Spec{Type: TypeLocal, Path: t.TempDir(), Compress: CompressZstd})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*Zstd); !ok {
		t.Errorf("New = %T, want *Zstd", s)
	}
	if _, err := New(ctx, Spec{Type: "ftp"}); !errors.Is(err, ErrUnknownStorage) {
		t.Errorf("New(ftp) err = %v", err)
	}
	set := Set{"default": s}
	if _, err := set.Get("offsite"); !errors.Is(err, ErrUnknownStorage) {
		t.Errorf("Get(offsite) err = %v", err)
	}
}

// fakeS3 implements the handful of path-style S3 calls the store makes.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	parts   map[string][]byte
	aborted int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, parts: map[string][]byte{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/")
	q := r.URL.Query()
	body, _ := io.ReadAll(r.Body)

	switch {
	case r.Method == http.MethodPost && q.Has("uploads"):
		fmt.Fprintf(w, `<InitiateMultipartUploadResult><Bucket>b</Bucket><Key>%s</Key><UploadId>u1</UploadId></InitiateMultipartUploadResult>`, key)
	case r.Method == http.MethodPut && q.Has("partNumber"):
		f.parts[key+"#"+q.Get("partNumber")] = body
		w.Header().Set("ETag", `"p`+q.Get("partNumber")+`"`)
	case r.Method == http.MethodPost && q.Has("uploadId"):
		var all []byte
		for i := 1; ; i++ {
			p, ok := f.parts[fmt.Sprintf("%s#%d", key, i)]
			if !ok {
				break
			}
			all = append(all, p...)
		}
		f.objects[key] = all
		fmt.Fprintf(w, `<CompleteMultipartUploadResult><Bucket>b</Bucket><Key>%s</Key><ETag>"done"</ETag></CompleteMultipartUploadResult>`, key)
	case r.Method == http.MethodDelete && q.Has("uploadId"):
		f.aborted++
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPut:
		f.objects[key] = body
		w.Header().Set("ETag", `"single"`)
	case r.Method == http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Write(obj)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func TestS3_MultipartRoundTrip(t *testing.T) {
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	store, err := NewS3(ctx, S3Options{
		Endpoint:  srv.URL,
		Bucket:    "b",
		Prefix:    "bacli",
		AccessKey: "key",
		SecretKey: "secret",
		PartSize:  MinPartSize,
	})
	if err != nil {
		t.Fatal(err)
	}

	payload := make([]byte, 2*MinPartSize+1024)
	rand.Read(payload)
	n, err := store.PutStream(ctx, "orders/big.dump", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutStream: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("size = %d, want %d", n, len(payload))
	}
	if len(fake.parts) != 3 {
		t.Errorf("parts = %d, want 3", len(fake.parts))
	}

	rc, err := store.GetStream(ctx, "orders/big.dump")
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, payload) {
		t.Error("downloaded payload differs")
	}

	if err := store.Delete(ctx, "orders/big.dump"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetStream(ctx, "orders/big.dump"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStream(deleted) err = %v, want ErrNotFound", err)
	}
}

func TestS3_SmallObjectSinglePut(t *testing.T) {
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	store, err := NewS3(context.Background(), S3Options{Endpoint: srv.URL, Bucket: "b", AccessKey: "k", SecretKey: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.PutStream(context.Background(), "orders/small.sql", strings.NewReader("select 1;")); err != nil {
		t.Fatal(err)
	}
	if string(fake.objects["b/orders/small.sql"]) != "select 1;" {
		t.Errorf("objects = %v", fake.objects)
	}
	if len(fake.parts) != 0 {
		t.Errorf("small object used multipart")
	}
}
