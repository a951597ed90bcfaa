package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFetchUsesContentDispositionFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="x.csv"`)
		w.Write([]byte("a,b,c\n1,2,3\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	name, err := Fetch(context.Background(), srv.URL, dir, 5, true)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if name != "x.csv" {
		t.Fatalf("filename = %q, want x.csv", name)
	}
	data, err := os.ReadFile(filepath.Join(dir, "x.csv"))
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "a,b,c\n1,2,3\n" {
		t.Fatalf("unexpected file contents: %q", data)
	}
}

func TestFetchPrefersRFC5987FilenameStar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="fallback.txt"; filename*=UTF-8''r%C3%A9sum%C3%A9.txt`)
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	name, err := Fetch(context.Background(), srv.URL, t.TempDir(), 5, true)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if name != "résumé.txt" {
		t.Fatalf("filename = %q, want résumé.txt", name)
	}
}

func TestFetchFailsWithoutContentDisposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	_, err := Fetch(context.Background(), srv.URL, dir, 5, true)
	if err == nil {
		t.Fatalf("expected error for missing Content-Disposition")
	}
	if !strings.Contains(err.Error(), "no filename in response headers") {
		t.Fatalf("error = %v, want message about missing filename", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no file written, found %v", entries)
	}
}

func TestFetchNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.URL, t.TempDir(), 5, true)
	if err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Fatalf("error = %v, want HTTP 404 message", err)
	}
}

func TestFetchTransportErrorIsWrapped(t *testing.T) {
	_, err := Fetch(context.Background(), "http://127.0.0.1:0/nope", t.TempDir(), 1, true)
	if err == nil || !strings.Contains(err.Error(), "failed to download") {
		t.Fatalf("error = %v, want 'failed to download' prefix", err)
	}
}
