package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUpload_SuccessRedirects(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.upload(t, "", testPart{field: "file", filename: "hello.txt", data: []byte("hello world")})
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d: %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/" {
		t.Fatalf("expected redirect to /, got %q", loc)
	}

	recs, err := env.store.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Filename != "hello.txt" {
		t.Errorf("filename = %q", rec.Filename)
	}
	if rec.LocalPath != filepath.Join(env.files.Root(), "240309", "hello.txt") {
		t.Errorf("local path = %q", rec.LocalPath)
	}
	if !filepath.IsAbs(rec.LocalPath) {
		t.Errorf("local path must be absolute: %q", rec.LocalPath)
	}
	data, err := os.ReadFile(rec.LocalPath)
	if err != nil || string(data) != "hello world" {
		t.Fatalf("stored bytes = %q, %v", data, err)
	}
}

func TestUpload_BatchIsolation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if rr := env.upload(t, "", testPart{field: "file", filename: "b.txt", data: []byte("first b")}); rr.Code != http.StatusSeeOther {
		t.Fatalf("seed upload: %d", rr.Code)
	}

	rr := env.upload(t, "",
		testPart{field: "file", filename: "a.txt", data: []byte("aaa")},
		testPart{field: "file", filename: "b.txt", data: []byte("second b")},
		testPart{field: "file", filename: "c.txt", data: []byte("ccc")},
	)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 error listing, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "b.txt") || !strings.Contains(body, msgDuplicate) {
		t.Fatalf("error page should name b.txt as duplicate: %q", body)
	}

	recs, err := env.store.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for _, r := range recs {
		got = append(got, r.Filename)
	}
	if strings.Join(got, ",") != "b.txt,a.txt,c.txt" {
		t.Fatalf("records = %v, want [b.txt a.txt c.txt]", got)
	}

	original, _ := os.ReadFile(filepath.Join(env.files.Dir(), "b.txt"))
	if string(original) != "first b" {
		t.Fatalf("duplicate overwrote existing bytes: %q", original)
	}
}

func TestUpload_JSONReport(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upload(t, "", testPart{field: "file", filename: "dup.txt", data: []byte("x")})

	rr := env.upload(t, "application/json",
		testPart{field: "file", filename: "new.txt", data: []byte("fresh")},
		testPart{field: "file", filename: "dup.txt", data: []byte("y")},
	)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	var report UploadReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(report.Errors) != 1 || report.Errors[0].Filename != "dup.txt" || report.Errors[0].Message != msgDuplicate {
		t.Fatalf("errors = %+v", report.Errors)
	}
	if len(report.Stored) != 1 || report.Stored[0].Filename != "new.txt" || report.Stored[0].Size != 5 {
		t.Fatalf("stored = %+v", report.Stored)
	}
	if _, ok, _ := env.store.FindByIdentifier(context.Background(), report.Stored[0].Identifier); !ok {
		t.Fatal("reported identifier is not registered")
	}
}

func TestUpload_JSONSuccessStillRedirects(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.upload(t, "application/json", testPart{field: "file", filename: "ok.txt", data: []byte("ok")})
	if rr.Code != http.StatusSeeOther || rr.Header().Get("Location") != "/" {
		t.Fatalf("expected 303 to /, got %d %q", rr.Code, rr.Header().Get("Location"))
	}
	var report UploadReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(report.Stored) != 1 || len(report.Errors) != 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestUpload_MultipartMixed(t *testing.T) {
	env := newTestEnv(t, nil)

	body, ct := multipartBody(t, "mixed", testPart{field: "file", filename: "mixed.txt", data: []byte("mixed")})
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected 303 for multipart/mixed, got %d", rr.Code)
	}
}

func TestUpload_PartWithoutFilenameStops(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.upload(t, "",
		testPart{field: "file", filename: "one.txt", data: []byte("1")},
		testPart{field: "note", data: []byte("not a file")},
		testPart{field: "file", filename: "two.txt", data: []byte("2")},
	)
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rr.Code)
	}

	recs, _ := env.store.ListAll(context.Background())
	if len(recs) != 1 || recs[0].Filename != "one.txt" {
		t.Fatalf("processing should stop at the unnamed part, got %+v", recs)
	}
}

func TestUpload_InvalidFilenameReported(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.upload(t, "application/json",
		testPart{field: "file", filename: "..", data: []byte("nope")},
		testPart{field: "file", filename: "ok.txt", data: []byte("fine")},
	)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var report UploadReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(report.Errors) != 1 || report.Errors[0].Message != msgInvalidFilename {
		t.Fatalf("errors = %+v", report.Errors)
	}
	if len(report.Stored) != 1 || report.Stored[0].Filename != "ok.txt" {
		t.Fatalf("stored = %+v", report.Stored)
	}
}

func TestUpload_NameWithDirectoryRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, name := range []string{"sub/evil.txt", "../evil.txt", `dir\evil.txt`} {
		rr := env.upload(t, "application/json", testPart{field: "file", filename: name, data: []byte("nope")})
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", name, rr.Code, rr.Body.String())
		}
		var report UploadReport
		if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(report.Errors) != 1 || report.Errors[0].Filename != name || report.Errors[0].Message != msgInvalidFilename {
			t.Fatalf("%s: errors = %+v", name, report.Errors)
		}
		if len(report.Stored) != 0 {
			t.Fatalf("%s: nothing should be stored, got %+v", name, report.Stored)
		}
	}

	recs, _ := env.store.ListAll(context.Background())
	if len(recs) != 0 {
		t.Fatalf("expected no records, got %+v", recs)
	}
	if _, err := os.Stat(filepath.Join(env.files.Dir(), "evil.txt")); !os.IsNotExist(err) {
		t.Fatal("no file may be written under the stripped name")
	}
}

func TestUpload_IdentifiersUnique(t *testing.T) {
	env := newTestEnv(t, nil)

	var parts []testPart
	for i := 0; i < 20; i++ {
		parts = append(parts, testPart{field: "file", filename: "f" + string(rune('a'+i)) + ".txt", data: []byte{byte(i)}})
	}
	if rr := env.upload(t, "", parts...); rr.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rr.Code)
	}

	recs, _ := env.store.ListAll(context.Background())
	seen := make(map[string]bool)
	for _, r := range recs {
		if len(r.Identifier) != 36 {
			t.Errorf("identifier %q is not a canonical uuid", r.Identifier)
		}
		if seen[r.Identifier] {
			t.Fatalf("duplicate identifier %s", r.Identifier)
		}
		seen[r.Identifier] = true
	}
	if len(seen) != 20 {
		t.Fatalf("expected 20 identifiers, got %d", len(seen))
	}
}

func TestUpload_BodyLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxUploadBytes = 512 })

	rr := env.upload(t, "", testPart{field: "file", filename: "big.bin", data: bytes.Repeat([]byte("x"), 4096)})
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	recs, _ := env.store.ListAll(context.Background())
	if len(recs) != 0 {
		t.Fatalf("no record should exist after an oversized upload, got %d", len(recs))
	}
	if _, err := os.Stat(filepath.Join(env.files.Dir(), "big.bin")); !os.IsNotExist(err) {
		t.Fatal("partial file should be removed")
	}
}

func TestUpload_BadContentType(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, ct := range []string{"", "text/plain", "multipart/form-data"} {
		req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("x"))
		if ct != "" {
			req.Header.Set("Content-Type", ct)
		}
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("content type %q: expected 400, got %d", ct, rr.Code)
		}
	}
}

func TestUpload_TruncatedBody(t *testing.T) {
	env := newTestEnv(t, nil)

	body, ct := multipartBody(t, "form-data", testPart{field: "file", filename: "cut.bin", data: bytes.Repeat([]byte("z"), 2048)})
	truncated := body.Bytes()[:body.Len()/2]

	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(truncated))
	req.Header.Set("Content-Type", ct)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if _, err := os.Stat(filepath.Join(env.files.Dir(), "cut.bin")); !os.IsNotExist(err) {
		t.Fatal("partial file should be removed")
	}
}

func TestUpload_InsertFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.uploader.newID = func() string { return "fixed-identifier" }

	if rr := env.upload(t, "", testPart{field: "file", filename: "first.txt", data: []byte("1")}); rr.Code != http.StatusSeeOther {
		t.Fatalf("first upload: %d", rr.Code)
	}

	// The second part collides on the unique identifier index.
	rr := env.upload(t, "", testPart{field: "file", filename: "second.txt", data: []byte("2")})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "storage error") {
		t.Fatalf("body = %q", rr.Body.String())
	}
}

func TestUpload_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.UploadRateLimit = 1 })

	if rr := env.upload(t, "", testPart{field: "file", filename: "r1.txt", data: []byte("1")}); rr.Code != http.StatusSeeOther {
		t.Fatalf("first upload: %d", rr.Code)
	}
	if rr := env.upload(t, "", testPart{field: "file", filename: "r2.txt", data: []byte("2")}); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestUpload_RateLimitIgnoresForwardedFor(t *testing.T) {
	uploadFrom := func(env *testEnv, xff, name string) int {
		body, ct := multipartBody(t, "form-data", testPart{field: "file", filename: name, data: []byte("x")})
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ct)
		req.Header.Set("X-Forwarded-For", xff)
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, req)
		return rr.Code
	}

	env := newTestEnv(t, func(c *Config) { c.UploadRateLimit = 1 })
	if code := uploadFrom(env, "203.0.113.1", "s1.txt"); code != http.StatusSeeOther {
		t.Fatalf("first upload: %d", code)
	}
	if code := uploadFrom(env, "203.0.113.2", "s2.txt"); code != http.StatusTooManyRequests {
		t.Fatalf("a forged X-Forwarded-For must not reset the limit, got %d", code)
	}

	proxied := newTestEnv(t, func(c *Config) {
		c.UploadRateLimit = 1
		c.TrustProxyHeaders = true
	})
	if code := uploadFrom(proxied, "203.0.113.1", "p1.txt"); code != http.StatusSeeOther {
		t.Fatalf("first proxied upload: %d", code)
	}
	if code := uploadFrom(proxied, "203.0.113.2", "p2.txt"); code != http.StatusSeeOther {
		t.Fatalf("distinct forwarded clients are limited separately, got %d", code)
	}
}

func TestUploader_StopsOnStorageError(t *testing.T) {
	store := newTestStore(t)
	files := newTestFileStore(t)
	if err := os.WriteFile(files.Dir(), []byte("blocker"), 0o600); err != nil {
		t.Fatalf("seed blocker: %v", err)
	}
	u := NewUploader(store, files, 0, nil, nil)

	body, ct := multipartBody(t, "form-data", testPart{field: "file", filename: "x.txt", data: []byte("x")})
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	mr, err := multipartReader(req)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}

	_, err = u.Process(context.Background(), mr)
	var swe *StorageWriteError
	if !errors.As(err, &swe) {
		t.Fatalf("expected StorageWriteError, got %v", err)
	}
	if recs, _ := store.ListAll(context.Background()); len(recs) != 0 {
		t.Fatalf("no record may be inserted, got %+v", recs)
	}
}

func TestUpload_DiskFaultMidWrite(t *testing.T) {
	env := newTestEnv(t, nil)
	if rr := env.upload(t, "", testPart{field: "file", filename: "first.txt", data: []byte("kept")}); rr.Code != http.StatusSeeOther {
		t.Fatalf("seed upload: %d", rr.Code)
	}
	failWritesAfter(env.files, 1)

	rr := env.upload(t, "", testPart{field: "file", filename: "big.bin", data: randomBytes(t, 3000)})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "storage error") {
		t.Fatalf("body = %q", rr.Body.String())
	}

	recs, err := env.store.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].Filename != "first.txt" {
		t.Fatalf("only the earlier upload should be recorded, got %+v", recs)
	}
	info, err := os.Stat(filepath.Join(env.files.Dir(), "big.bin"))
	if err != nil {
		t.Fatalf("partial file should be left on disk: %v", err)
	}
	if info.Size() != 1024 {
		t.Fatalf("partial file should hold one chunk, got %d bytes", info.Size())
	}
}
