package repo

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestUpstreamURLResolvesRelativeToBase(t *testing.T) {
	up := Upstream{BaseURL: "https://pkgindex.example.org/simple"}
	got := up.URL("foo/")
	want := "https://pkgindex.example.org/simple/foo/"
	if got.String() != want {
		t.Errorf("URL(%q) = %q, want %q", "foo/", got.String(), want)
	}
}

func TestReaderFetchesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>hello</html>"))
	}))
	defer srv.Close()

	rc, err := Reader(context.Background(), Upstream{BaseURL: srv.URL}, "simple/", false)
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "<html>hello</html>" {
		t.Errorf("body = %q", body)
	}
}

func TestReaderReturnsErrNotFoundOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := Reader(context.Background(), Upstream{BaseURL: srv.URL}, "missing/", false)
	if err == nil {
		t.Fatal("Reader: expected an error for a 404 response")
	}
	var notFound *ErrNotFound
	if !errors.As(err, &notFound) {
		t.Errorf("Reader error = %v (%T), want *ErrNotFound", err, err)
	}
}

func TestReaderSurfacesServerErrorAsNonPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Reader(context.Background(), Upstream{BaseURL: srv.URL}, "flaky/", false)
	if err == nil {
		t.Fatal("Reader: expected an error for a 500 response")
	}
	var notFound *ErrNotFound
	if errors.As(err, &notFound) {
		t.Error("Reader: a 5xx response must not be classified as ErrNotFound (it's retryable, not permanent)")
	}
}
