package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/version"
	"github.com/any-hub/offline-hub/internal/worker"
)

// UpstreamFetcher 将 worker 发出的服务源 URL 映射到 App 的上游地址并执行请求，
// 是 worker.Fetcher 的生产实现（安装、预取、按需回源与透传共用）。
type UpstreamFetcher struct {
	client *http.Client
	route  *server.AppRoute
}

// NewFetcher 使用共享 http.Client 为单个 App 构造 Fetcher。
func NewFetcher(client *http.Client, route *server.AppRoute) *UpstreamFetcher {
	return &UpstreamFetcher{client: client, route: route}
}

// FetcherFactory 适配 server.BindHosts 所需的工厂函数。
func FetcherFactory(client *http.Client) server.FetcherFactory {
	return func(route *server.AppRoute) worker.Fetcher {
		return NewFetcher(client, route)
	}
}

// Fetch 实现 worker.Fetcher；非 2xx 状态原样返回，只有网络错误才返回 error。
func (f *UpstreamFetcher) Fetch(ctx context.Context, req *worker.Request) (*cache.Response, error) {
	upstream, err := f.resolveUpstreamURL(req.URL)
	if err != nil {
		return nil, err
	}
	httpReq, err := f.buildUpstreamRequest(ctx, upstream, req)
	if err != nil {
		return nil, err
	}

	resp, err := f.doRequest(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	// 正文已完整读入，长度以实际字节为准。
	header.Del("Content-Length")
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

// resolveUpstreamURL 将服务源下的 URL 改写为上游地址，路径与查询串原样保留。
func (f *UpstreamFetcher) resolveUpstreamURL(raw string) (*url.URL, error) {
	origin := f.route.Origin.String()
	rest, ok := strings.CutPrefix(raw, origin)
	if !ok || (rest != "" && !strings.HasPrefix(rest, "/")) {
		return nil, fmt.Errorf("url %s is outside origin %s", raw, origin)
	}
	if idx := strings.IndexByte(rest, '#'); idx != -1 {
		rest = rest[:idx]
	}
	if rest == "" {
		rest = "/"
	}
	relative, err := url.Parse(rest)
	if err != nil {
		return nil, fmt.Errorf("invalid request url %s: %w", raw, err)
	}
	return f.route.UpstreamURL.ResolveReference(relative), nil
}

func (f *UpstreamFetcher) buildUpstreamRequest(ctx context.Context, upstream *url.URL, req *worker.Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, upstream.String(), body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		server.CopyHeaders(httpReq.Header, req.Header)
	}
	// 条件请求头会让上游返回 304，而缓存只能保存完整响应。
	httpReq.Header.Del("If-None-Match")
	httpReq.Header.Del("If-Modified-Since")
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Host = upstream.Host
	httpReq.Header.Set("Host", upstream.Host)
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", version.UserAgent())
	}

	if req.Reload {
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
	}
	if authHeader := buildCredentialHeader(f.route.Config.Username, f.route.Config.Password); authHeader != "" {
		httpReq.Header.Set("Authorization", authHeader)
	}
	return httpReq, nil
}

func (f *UpstreamFetcher) doRequest(req *http.Request) (*http.Response, error) {
	if f.route.ProxyURL == nil {
		return f.client.Do(req)
	}
	transport := &http.Transport{}
	if base, ok := f.client.Transport.(*http.Transport); ok && base != nil {
		transport = base.Clone()
	}
	transport.Proxy = http.ProxyURL(f.route.ProxyURL)
	client := *f.client
	client.Transport = transport
	return client.Do(req)
}

func buildCredentialHeader(username, password string) string {
	if username == "" || password == "" {
		return ""
	}
	token := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}
