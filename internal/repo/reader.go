// Package repo fetches upstream index pages and artifact metadata over HTTP,
// with on-disk caching via conditional requests. It backs the upstream
// watcher, which discovers packages and versions only by scraping the
// upstream's HTML simple-index pages (see internal/watcher).
package repo

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Upstream identifies the remote index this master mirrors from.
type Upstream struct {
	// BaseURL is the root of the upstream index, e.g.
	// "https://pkgindex.example.org".
	BaseURL string
}

// URL resolves fn against up.BaseURL, matching the request URL Reader
// builds internally; callers pass it to ExtractLinks as the page URL that
// the page's relative links are resolved against.
func (up Upstream) URL(fn string) *url.URL {
	u, err := url.Parse(strings.TrimSuffix(up.BaseURL, "/") + "/" + fn)
	if err != nil {
		return &url.URL{}
	}
	return u
}

type ErrNotFound struct {
	url *url.URL
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%v: HTTP status 404", e.url)
}

type gzipReader struct {
	body io.ReadCloser
	zr   *gzip.Reader
}

func (r *gzipReader) Read(p []byte) (n int, err error) {
	return r.zr.Read(p)
}

func (r *gzipReader) Close() error {
	if err := r.zr.Close(); err != nil {
		return err
	}
	return r.body.Close()
}

type closeFuncReadCloser struct {
	reader    io.Reader
	closeFunc func() error
}

func (cfrc *closeFuncReadCloser) Read(p []byte) (n int, err error) {
	return cfrc.reader.Read(p)
}

func (cfrc *closeFuncReadCloser) Close() error {
	return cfrc.closeFunc()
}

var httpClient = &http.Client{Transport: &http.Transport{
	MaxIdleConnsPerHost: 10,
	DisableCompression:  true,
}}

func cacheFn(cache bool, up Upstream, fn string) string {
	if !cache {
		return ""
	}
	ucd, err := os.UserCacheDir()
	if err != nil {
		log.Warn().Err(err).Msg("cannot cache upstream response")
		return ""
	}
	cacheFn := filepath.Join(ucd, "pkgforge-master", strings.ReplaceAll(up.BaseURL, "/", "_"), fn)
	if err := os.MkdirAll(filepath.Dir(cacheFn), 0755); err != nil {
		log.Warn().Err(err).Msg("cannot cache upstream response")
		return ""
	}
	return cacheFn
}

// Reader fetches fn relative to up.BaseURL, following conditional-GET
// semantics against a local disk cache when cache is true.
func Reader(ctx context.Context, up Upstream, fn string, cache bool) (io.ReadCloser, error) {
	var ifModifiedSince time.Time
	cfn := cacheFn(cache, up, fn)
	if cfn != "" {
		if st, err := os.Stat(cfn); err == nil {
			ifModifiedSince = st.ModTime()
		}
	}

	req, err := http.NewRequest("GET", strings.TrimSuffix(up.BaseURL, "/")+"/"+fn, nil)
	if err != nil {
		return nil, err
	}
	if !ifModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", ifModifiedSince.Format(http.TimeFormat))
	}
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if cfn != "" && resp.StatusCode == http.StatusNotModified {
		return os.Open(cfn)
	}
	if got, want := resp.StatusCode, http.StatusOK; got != want {
		if got == http.StatusNotFound {
			return nil, &ErrNotFound{url: req.URL}
		}
		return nil, fmt.Errorf("%s: HTTP status %v", req.URL, resp.Status)
	}
	rdc := resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		rd, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		rdc = &gzipReader{body: resp.Body, zr: rd}
	}
	var cacheFile *os.File
	if cfn != "" {
		cacheFile, err = os.Create(cfn)
		if err != nil {
			log.Warn().Err(err).Msg("cannot cache upstream response")
		}
	}
	wr := ioutil.Discard
	if cacheFile != nil {
		wr = cacheFile
	}
	mtime := time.Now()
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		var err error
		mtime, err = time.Parse(http.TimeFormat, lm)
		if err != nil {
			log.Warn().Str("last-modified", lm).Msg("invalid Last-Modified header")
			mtime = time.Now()
		}
	}
	return &closeFuncReadCloser{
		reader: io.TeeReader(rdc, wr),
		closeFunc: func() error {
			if err := rdc.Close(); err != nil {
				return err
			}
			if cacheFile != nil {
				if err := cacheFile.Close(); err != nil {
					return err
				}
				if err := os.Chtimes(cfn, mtime, mtime); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

// ExtractLinks parses an HTML document and returns the absolute URLs of
// every <a href> it contains, resolved against parent. Used by the watcher
// to scrape plain "simple index" pages, its only source of upstream
// packages and versions.
func ExtractLinks(parent *url.URL, body []byte) ([]string, error) {
	return extractLinks(parent, body)
}
