package httpserver

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"lanvault/internal/accounts"
	"lanvault/internal/browse"
	"lanvault/internal/chunkstore"
	"lanvault/internal/retrieve"
	"lanvault/internal/upload"
	"lanvault/pkg/logging"
)

type env struct {
	ts    *httptest.Server
	root  string
	accts *accounts.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	state := t.TempDir()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	log := logging.Discard()
	accts, err := accounts.Open(state, []string{root})
	if err != nil {
		t.Fatal(err)
	}
	store, err := chunkstore.NewFS(state)
	if err != nil {
		t.Fatal(err)
	}
	ret, err := retrieve.New(state, log)
	if err != nil {
		t.Fatal(err)
	}
	srv := New(Options{
		Accounts:      accts,
		Uploads:       upload.New(store, log),
		Browse:        browse.New(log),
		Retrieve:      ret,
		Log:           log,
		MaxChunkBytes: 1 << 20,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	e := &env{ts: ts, root: root, accts: accts}
	resp := e.do(t, http.MethodPost, "/api/setup", strings.NewReader(`{"name":"admin","password":"pw"}`), "", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("setup: %d", resp.StatusCode)
	}
	return e
}

func (e *env) do(t *testing.T, method, path string, body io.Reader, user, pw string, hdr ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.SetBasicAuth(user, pw)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *env) admin(t *testing.T, method, path string, body io.Reader, hdr ...string) *http.Response {
	return e.do(t, method, path, body, "admin", "pw", hdr...)
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

type chunk struct {
	hash, filename, target, rel string
	index, total                int
	data                        []byte
}

func (e *env) sendChunk(t *testing.T, user, pw string, c chunk) (*http.Response, uploadResp) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"file_hash":     c.hash,
		"chunk_index":   strconv.Itoa(c.index),
		"total_chunks":  strconv.Itoa(c.total),
		"filename":      c.filename,
		"target_dir":    c.target,
		"relative_path": c.rel,
	}
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	fw, _ := mw.CreateFormFile("file", "blob")
	_, _ = fw.Write(c.data)
	_ = mw.Close()

	resp := e.do(t, http.MethodPost, "/upload", &buf, user, pw, "Content-Type", mw.FormDataContentType())
	var out uploadResp
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func sha(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func TestHealthAndHeaders(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/healthz", nil, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" || resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing hardening headers: %v", resp.Header)
	}
}

func TestSetupOnlyOnceAndAuthRequired(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/api/setup", strings.NewReader(`{"name":"evil","password":"x"}`), "", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second setup: %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/api/dir_tree", nil, "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous tree: %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/api/dir_tree", nil, "admin", "bad"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password: %d", resp.StatusCode)
	}
}

func TestUploadBrowseDownload(t *testing.T) {
	e := newEnv(t)
	parts := [][]byte{[]byte("hello, "), []byte("lan "), []byte("vault")}
	whole := bytes.Join(parts, nil)
	h := sha(whole)

	for _, i := range []int{1, 2, 0} {
		resp, out := e.sendChunk(t, "admin", "pw", chunk{
			hash: h, filename: "greeting.txt", target: e.root, rel: "docs/greeting.txt",
			index: i, total: 3, data: parts[i],
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("chunk %d: %d", i, resp.StatusCode)
		}
		if i == 0 && out.Status != upload.StatusVerified {
			t.Fatalf("final chunk outcome = %+v", out)
		}
		if i != 0 && (out.Status != upload.StatusProgress || out.Message == "") {
			t.Fatalf("chunk %d outcome = %+v", i, out)
		}
	}

	resp := e.admin(t, http.MethodGet, "/api/browse"+e.root+"/docs", nil)
	var items []browse.Entry
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Name != "greeting.txt" || items[0].Size != int64(len(whole)) {
		t.Fatalf("listing = %+v", items)
	}

	resp = e.admin(t, http.MethodGet, "/download"+e.root+"/docs/greeting.txt", nil)
	if got := readAll(t, resp); !bytes.Equal(got, whole) {
		t.Fatalf("download = %q", got)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Fatalf("Content-Disposition = %q", cd)
	}

	resp = e.admin(t, http.MethodGet, "/download"+e.root+"/docs/greeting.txt", nil, "Range", "bytes=7-9")
	if resp.StatusCode != http.StatusPartialContent || string(readAll(t, resp)) != "lan" {
		t.Fatalf("range download: %d", resp.StatusCode)
	}

	resp = e.admin(t, http.MethodGet, "/stream"+e.root+"/docs/greeting.txt", nil)
	if got := readAll(t, resp); !bytes.Equal(got, whole) || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Fatalf("stream = %q (%s)", got, resp.Header.Get("Content-Type"))
	}
}

func TestStreamSandboxesActiveContent(t *testing.T) {
	e := newEnv(t)
	page := filepath.Join(e.root, "page.html")
	if err := os.WriteFile(page, []byte("<script>alert(1)</script>"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, route := range []string{"/stream", "/download"} {
		resp := e.admin(t, http.MethodGet, route+page, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d", route, resp.StatusCode)
		}
		if csp := resp.Header.Get("Content-Security-Policy"); !strings.HasPrefix(csp, "sandbox") {
			t.Fatalf("%s: Content-Security-Policy = %q", route, csp)
		}
	}
}

func TestUploadRejections(t *testing.T) {
	e := newEnv(t)
	outside := t.TempDir()

	resp, _ := e.sendChunk(t, "admin", "pw", chunk{
		hash: sha([]byte("x")), filename: "x", target: outside, index: 0, total: 1, data: []byte("x"),
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outside target: %d", resp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(outside, "x")); !os.IsNotExist(err) {
		t.Fatal("file written outside the roots")
	}

	resp, out := e.sendChunk(t, "admin", "pw", chunk{
		hash: sha([]byte("other")), filename: "bad.bin", target: e.root, index: 0, total: 1, data: []byte("x"),
	})
	if resp.StatusCode != http.StatusUnprocessableEntity || out.Status != upload.StatusFailed {
		t.Fatalf("mismatch: %d %+v", resp.StatusCode, out)
	}
	if _, err := os.Stat(filepath.Join(e.root, "bad.bin")); !os.IsNotExist(err) {
		t.Fatal("unverified file left behind")
	}

	resp, _ = e.sendChunk(t, "admin", "pw", chunk{
		hash: "zz", filename: "x", target: e.root, index: 0, total: 1, data: []byte("x"),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad hash: %d", resp.StatusCode)
	}

	resp, _ = e.sendChunk(t, "admin", "pw", chunk{
		hash: sha(nil), filename: "big", target: e.root, index: 0, total: 1, data: make([]byte, 2<<20),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized chunk: %d", resp.StatusCode)
	}
}

func TestDownloadFolder(t *testing.T) {
	e := newEnv(t)
	dir := filepath.Join(e.root, "album")
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("A"), 0o644)

	resp := e.admin(t, http.MethodGet, "/download_folder"+dir+"?token=abc", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var ready bool
	for _, c := range resp.Cookies() {
		if c.Name == "download-ready" && c.Value == "abc" {
			ready = true
		}
	}
	if !ready {
		t.Fatal("download-ready cookie missing")
	}
	b := readAll(t, resp)
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range zr.File {
		if f.Name == "sub/a.txt" {
			found = true
		}
	}
	if !found {
		t.Fatal("sub/a.txt missing from archive")
	}
}

func TestNonAdminConfinement(t *testing.T) {
	e := newEnv(t)
	shared := filepath.Join(e.root, "shared")
	private := filepath.Join(e.root, "private")
	for _, d := range []string{shared, private} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	_ = os.WriteFile(filepath.Join(private, "secret.txt"), []byte("s"), 0o644)

	resp := e.admin(t, http.MethodPost, "/api/admin/dirs", strings.NewReader(`{"path":"`+shared+`"}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add dir: %d", resp.StatusCode)
	}
	body := `{"name":"bob","password":"pw","allowed_dirs":["` + shared + `"]}`
	if resp := e.admin(t, http.MethodPost, "/api/admin/users", strings.NewReader(body)); resp.StatusCode != http.StatusCreated {
		t.Fatalf("create user: %d", resp.StatusCode)
	}

	if resp := e.do(t, http.MethodGet, "/api/admin/users", nil, "bob", "pw"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bob on admin api: %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/download"+private+"/secret.txt", nil, "bob", "pw"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bob download outside: %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/download"+shared+"/../private/secret.txt", nil, "bob", "pw"); resp.StatusCode == http.StatusOK {
		t.Fatal("traversal allowed")
	}

	resp = e.do(t, http.MethodGet, "/api/dir_tree", nil, "bob", "pw")
	var forest []browse.Node
	_ = json.NewDecoder(resp.Body).Decode(&forest)
	if len(forest) != 1 || forest[0].Path != shared {
		t.Fatalf("bob's tree = %+v", forest)
	}

	// revocation applies on the next request
	if resp := e.admin(t, http.MethodDelete, "/api/admin/dirs?path="+shared, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("remove dir: %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/api/browse"+shared, nil, "bob", "pw"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("browse after revocation: %d", resp.StatusCode)
	}

	if resp := e.admin(t, http.MethodDelete, "/api/admin/users/bob", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete user: %d", resp.StatusCode)
	}
	if resp := e.do(t, http.MethodGet, "/api/dir_tree", nil, "bob", "pw"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("deleted user: %d", resp.StatusCode)
	}
}

func TestWebDAVConfined(t *testing.T) {
	e := newEnv(t)
	outside := t.TempDir()

	resp := e.admin(t, "PROPFIND", "/dav"+e.root+"/", nil, "Depth", "1")
	if resp.StatusCode != http.StatusMultiStatus {
		t.Fatalf("propfind root: %d", resp.StatusCode)
	}

	resp = e.admin(t, http.MethodPut, "/dav"+e.root+"/notes.txt", strings.NewReader("via dav"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("put: %d", resp.StatusCode)
	}
	got, err := os.ReadFile(filepath.Join(e.root, "notes.txt"))
	if err != nil || string(got) != "via dav" {
		t.Fatalf("dav write = %q, %v", got, err)
	}

	resp = e.admin(t, http.MethodPut, "/dav"+outside+"/evil.txt", strings.NewReader("x"))
	if resp.StatusCode < 400 {
		t.Fatalf("put outside: %d", resp.StatusCode)
	}
	if _, err := os.Stat(filepath.Join(outside, "evil.txt")); !os.IsNotExist(err) {
		t.Fatal("dav wrote outside the roots")
	}

	resp = e.admin(t, http.MethodDelete, "/dav"+e.root+"/", nil)
	if resp.StatusCode < 400 {
		t.Fatalf("deleting a root: %d", resp.StatusCode)
	}
	if _, err := os.Stat(e.root); err != nil {
		t.Fatal("root removed via dav")
	}
}
