package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"rewrite-proxy-go/internal/client"
	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/model"
)

const testProxy = "http://proxy.local:8000"

func newTestService(t *testing.T, m *metrics.Metrics) *ProxyService {
	t.Helper()
	cfg := &config.Config{
		Proxy: config.ProxyConfig{Endpoint: "/q"},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
			MaxRedirects:    5,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProxyService(client.NewUpstreamClient(cfg, logger, m), cfg, logger, m)
}

func request(rawQuery string) *model.ProxyRequest {
	q, _ := url.ParseQuery(rawQuery)
	return &model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Query:    q,
		RawQuery: rawQuery,
		Header:   http.Header{},
	}
}

func targetQuery(target string) string {
	return "url=" + url.QueryEscape(target)
}

func readAll(t *testing.T, resp *model.ProxyResponse) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(b)
}

func proxied(target string) string {
	return testProxy + "/q?url=" + url.QueryEscape(target)
}

func TestPage_RewritesMarkup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("X-Frame-Options", "DENY")
		_, _ = w.Write([]byte(`<img src="/a.png">`))
	}))
	defer srv.Close()

	m := metrics.New()
	svc := newTestService(t, m)
	resp, err := svc.Page(request(targetQuery(srv.URL+"/page.html")), testProxy)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}

	body := readAll(t, resp)
	want := `src="` + strings.ReplaceAll(proxied(srv.URL+"/a.png"), "&", "&amp;") + `"`
	if !strings.Contains(body, want) {
		t.Errorf("body does not contain %s:\n%s", want, body)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	for _, h := range []string{"Content-Security-Policy", "X-Frame-Options", "Content-Length"} {
		if v := resp.Header.Get(h); v != "" {
			t.Errorf("%s = %q, want dropped", h, v)
		}
	}
	if v := resp.Header.Get("Content-Type"); v != markupContentType {
		t.Errorf("Content-Type = %q, want %q", v, markupContentType)
	}
	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", v)
	}
	if got := testutil.ToFloat64(m.RewritesTotal.WithLabelValues("markup")); got != 1 {
		t.Errorf("markup rewrites = %v, want 1", got)
	}
}

func TestPage_ResolvesAgainstFinalURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/docs/index.html", http.StatusFound)
	})
	mux.HandleFunc("/docs/index.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="next.html">next</a>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := newTestService(t, nil).Page(request(targetQuery(srv.URL+"/start")), testProxy)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	body := readAll(t, resp)
	want := url.QueryEscape(srv.URL + "/docs/next.html")
	if !strings.Contains(body, want) {
		t.Errorf("relative link not resolved against final URL; body:\n%s", body)
	}
}

func TestPage_DecodesAndTranscodes(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("<p>caf\xe9</p>"))
	_ = zw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	resp, err := newTestService(t, nil).Page(request(targetQuery(srv.URL+"/")), testProxy)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	body := readAll(t, resp)
	if !strings.Contains(body, "café") {
		t.Errorf("body not transcoded to UTF-8:\n%s", body)
	}
	if v := resp.Header.Get("Content-Encoding"); v != "" {
		t.Errorf("Content-Encoding = %q, want dropped", v)
	}
}

func TestPage_RepeatedURLLastWins(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "text/plain")
	}))
	defer srv.Close()

	raw := targetQuery(srv.URL+"/first") + "&" + targetQuery(srv.URL+"/last")
	resp, err := newTestService(t, nil).Page(request(raw), testProxy)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	_ = readAll(t, resp)
	if gotPath != "/last" {
		t.Errorf("upstream path = %q, want /last", gotPath)
	}
}

func TestPage_EmptyEncodedErrorKeepsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	resp, err := newTestService(t, nil).Page(request(targetQuery(srv.URL+"/x.png")), testProxy)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	if body := readAll(t, resp); body != "" {
		t.Errorf("body = %q, want empty", body)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", resp.StatusCode)
	}
	if ce := resp.Header.Get("Content-Encoding"); ce != "" {
		t.Errorf("Content-Encoding = %q, want none", ce)
	}
}

func TestPage_NonSuccessStatusPropagated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<a href="/home">home</a>`))
	}))
	defer srv.Close()

	resp, err := newTestService(t, nil).Page(request(targetQuery(srv.URL+"/missing")), testProxy)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", resp.StatusCode)
	}
	if !strings.Contains(body, url.QueryEscape(srv.URL+"/home")) {
		t.Errorf("error page not rewritten:\n%s", body)
	}
}

func TestPage_BinaryPassthrough(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Strict-Transport-Security", "max-age=1")
		w.Header().Set("Cache-Control", "max-age=60")
		_, _ = w.Write(png)
	}))
	defer srv.Close()

	m := metrics.New()
	resp, err := newTestService(t, m).Page(request(targetQuery(srv.URL+"/logo.png")), testProxy)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	if body := readAll(t, resp); body != string(png) {
		t.Errorf("body = %q, want bytes unchanged", body)
	}
	for _, h := range []string{"X-Content-Type-Options", "Strict-Transport-Security"} {
		if v := resp.Header.Get(h); v != "" {
			t.Errorf("%s = %q, want dropped", h, v)
		}
	}
	if v := resp.Header.Get("Cache-Control"); v != "max-age=60" {
		t.Errorf("Cache-Control = %q, want kept", v)
	}
	if got := testutil.ToFloat64(m.RewritesTotal.WithLabelValues("binary")); got != 1 {
		t.Errorf("binary = %v, want 1", got)
	}
}

func TestPage_StylesheetNotRewrittenOnMainRoute(t *testing.T) {
	css := `body{background:url('/bg.png')}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte(css))
	}))
	defer srv.Close()

	resp, err := newTestService(t, nil).Page(request(targetQuery(srv.URL+"/s.css")), testProxy)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	if body := readAll(t, resp); body != css {
		t.Errorf("body = %q, want stylesheet unchanged", body)
	}
}

func TestPage_SVGExtensionOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(`<svg xmlns="http://www.w3.org/2000/svg"/>`))
	}))
	defer srv.Close()

	resp, err := newTestService(t, nil).Page(request(targetQuery(srv.URL+"/icon.svg")), testProxy)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	_ = readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if v := resp.Header.Get("Content-Type"); v != "image/svg+xml" {
		t.Errorf("Content-Type = %q, want image/svg+xml", v)
	}
}

func TestPage_TargetValidation(t *testing.T) {
	svc := newTestService(t, nil)

	tests := []struct {
		name  string
		query string
		want  error
	}{
		{"missing", "", ErrMissingURL},
		{"empty", "url=", ErrMissingURL},
		{"relative", "url=%2Fpage", ErrInvalidTarget},
		{"bare host", "url=example.com", ErrInvalidTarget},
		{"ftp", "url=ftp%3A%2F%2Fexample.com%2Ff", ErrInvalidTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Page(request(tt.query), testProxy)
			if !errors.Is(err, tt.want) {
				t.Errorf("Page() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPage_TransportError(t *testing.T) {
	_, err := newTestService(t, nil).Page(request(targetQuery("http://127.0.0.1:1/")), testProxy)
	var ue *client.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("Page() error = %v, want *client.UpstreamError", err)
	}
}

func TestRelay_ForwardsCompactJSON(t *testing.T) {
	var gotBody, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "close")
		_, _ = w.Write([]byte(`{"url":"https://example.com/not-rewritten"}`))
	}))
	defer srv.Close()

	pr := request(targetQuery(srv.URL + "/api"))
	pr.Method = http.MethodPost
	pr.Body = io.NopCloser(strings.NewReader("{ \"a\" : [1, 2] }"))

	m := metrics.New()
	resp, err := newTestService(t, m).Relay(pr)
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	body := readAll(t, resp)

	if gotMethod != http.MethodPost {
		t.Errorf("upstream method = %q, want POST", gotMethod)
	}
	if gotBody != `{"a":[1,2]}` {
		t.Errorf("upstream body = %q, want compact JSON", gotBody)
	}
	if body != `{"url":"https://example.com/not-rewritten"}` {
		t.Errorf("body = %q, want data unchanged", body)
	}
	if v := resp.Header.Get("Content-Type"); v != "application/json" {
		t.Errorf("Content-Type = %q", v)
	}
	if v := resp.Header.Get("Connection"); v != "" {
		t.Errorf("Connection = %q, want dropped", v)
	}
	if got := testutil.ToFloat64(m.RewritesTotal.WithLabelValues("data")); got != 1 {
		t.Errorf("data = %v, want 1", got)
	}
}

func TestRelay_NonJSONBodyVerbatim(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	pr := request(targetQuery(srv.URL + "/form"))
	pr.Method = http.MethodPost
	pr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	pr.Body = io.NopCloser(strings.NewReader("a=1&b=2"))

	resp, err := newTestService(t, nil).Relay(pr)
	if err != nil {
		t.Fatalf("Relay() error = %v", err)
	}
	_ = readAll(t, resp)
	if gotBody != "a=1&b=2" {
		t.Errorf("upstream body = %q", gotBody)
	}
}

func TestRelay_MissingURL(t *testing.T) {
	pr := request("")
	pr.Method = http.MethodPost
	if _, err := newTestService(t, nil).Relay(pr); !errors.Is(err, ErrMissingURL) {
		t.Errorf("Relay() error = %v, want ErrMissingURL", err)
	}
}

func TestSVG_ForcesContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("<svg/>"))
	}))
	defer srv.Close()

	resp, err := newTestService(t, nil).SVG(request(targetQuery(srv.URL + "/i")))
	if err != nil {
		t.Fatalf("SVG() error = %v", err)
	}
	if body := readAll(t, resp); body != "<svg/>" {
		t.Errorf("body = %q", body)
	}
	if v := resp.Header.Get("Content-Type"); v != "image/svg+xml" {
		t.Errorf("Content-Type = %q, want image/svg+xml", v)
	}
}

func TestSVG_NonSuccessIsTextFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/svg+xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<svg/>"))
	}))
	defer srv.Close()

	resp, err := newTestService(t, nil).SVG(request(targetQuery(srv.URL + "/i.svg")))
	if err != nil {
		t.Fatalf("SVG() error = %v", err)
	}
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(body, "403") {
		t.Errorf("body = %q, want status mentioned", body)
	}
}

func TestStylesheet_RewritesURLs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte(`body{background:url('/bg.png')}`))
	}))
	defer srv.Close()

	resp, err := newTestService(t, nil).Stylesheet(request(targetQuery(srv.URL+"/s.css")), testProxy)
	if err != nil {
		t.Fatalf("Stylesheet() error = %v", err)
	}
	body := readAll(t, resp)
	want := `body{background:url('` + proxied(srv.URL+"/bg.png") + `')}`
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	if v := resp.Header.Get("Content-Type"); !strings.HasPrefix(v, "text/css") {
		t.Errorf("Content-Type = %q, want text/css", v)
	}
}

func TestStylesheet_NonSuccessIsTextFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	resp, err := newTestService(t, nil).Stylesheet(request(targetQuery(srv.URL+"/s.css")), testProxy)
	if err != nil {
		t.Fatalf("Stylesheet() error = %v", err)
	}
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", resp.StatusCode)
	}
	if !strings.HasPrefix(body, "Failed to fetch CSS") {
		t.Errorf("body = %q", body)
	}
}

func TestUniversal_ExplicitOrigin(t *testing.T) {
	var gotURI, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI = r.URL.RequestURI()
		gotReferer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="/x">x</a>`))
	}))
	defer srv.Close()

	raw := "b=2&origin=" + url.QueryEscape(srv.URL) + "&a=1"
	pr := request(raw)
	pr.Path = "/anything"

	resp, err := newTestService(t, nil).Universal(pr)
	if err != nil {
		t.Fatalf("Universal() error = %v", err)
	}
	body := readAll(t, resp)

	if gotURI != "/anything?b=2&a=1" {
		t.Errorf("upstream URI = %q, want /anything?b=2&a=1", gotURI)
	}
	if gotReferer != srv.URL+"/" {
		t.Errorf("Referer = %q, want %q", gotReferer, srv.URL+"/")
	}
	if body != `<a href="/x">x</a>` {
		t.Errorf("body = %q, want unrewritten", body)
	}
}

func TestUniversal_RepeatedOriginLastWins(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer srv.Close()

	raw := "origin=" + url.QueryEscape("http://127.0.0.1:1") + "&origin=" + url.QueryEscape(srv.URL)
	pr := request(raw)
	pr.Path = "/app.js"

	resp, err := newTestService(t, nil).Universal(pr)
	if err != nil {
		t.Fatalf("Universal() error = %v", err)
	}
	_ = readAll(t, resp)
	if !hit {
		t.Error("request did not reach the last origin")
	}
}

func TestUniversal_OriginFromReferer(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	pr := request("")
	pr.Path = "/static/app.js"
	pr.Header.Set("Referer", testProxy+"/q?url="+url.QueryEscape(srv.URL+"/page.html"))

	resp, err := newTestService(t, nil).Universal(pr)
	if err != nil {
		t.Fatalf("Universal() error = %v", err)
	}
	_ = readAll(t, resp)
	if gotPath != "/static/app.js" {
		t.Errorf("upstream path = %q", gotPath)
	}
}

func TestUniversal_NoOrigin(t *testing.T) {
	pr := request("")
	pr.Path = "/favicon.ico"
	if _, err := newTestService(t, nil).Universal(pr); !errors.Is(err, ErrNoOrigin) {
		t.Errorf("Universal() error = %v, want ErrNoOrigin", err)
	}
}

func TestCompactJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{`{ "a": 1 }`, `{"a":1}`},
		{"not json", "not json"},
		{`[1, 2 ,3]`, `[1,2,3]`},
	}
	for _, tt := range tests {
		if got := string(compactJSON([]byte(tt.in))); got != tt.want {
			t.Errorf("compactJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
