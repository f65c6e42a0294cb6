package whttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const defaultUserAgent = "stl311sync/1.0"

type WHTTPHeader struct {
	Name  string
	Value string
}

type WHTTPReq struct {
	URL     string
	Method  string
	Headers []WHTTPHeader
	Body    []byte
	// Basic auth, applied when User is non-empty.
	User     string
	Password string
}

type WHTTPRes struct {
	StatusCode int
	BodyString string
	Latency    time.Duration
}

// OK reports a 2xx status.
func (r *WHTTPRes) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// ClientConfig controls the retrying client shared by the source and
// publisher clients.
type ClientConfig struct {
	Timeout   time.Duration
	RetryMax  int
	Proxy     string
	UserAgent string
	Log       logrus.FieldLogger // optional
}

// Client couples a retrying transport with the request defaults.
type Client struct {
	rc        *retryablehttp.Client
	userAgent string
}

func NewClient(cfg ClientConfig) (*Client, error) {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	// Hand back the last response once retries run out so callers can see
	// the status code.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", cfg.Proxy, err)
		}
		rc.HTTPClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	if cfg.Log != nil {
		rc.Logger = LeveledLogrus{L: cfg.Log}
	} else {
		rc.Logger = nil
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &Client{rc: rc, userAgent: ua}, nil
}

// SendHTTPRequest performs one logical request (the transport may retry
// underneath) and reads the whole body.
func (c *Client) SendHTTPRequest(ctx context.Context, wReq *WHTTPReq) (*WHTTPRes, error) {
	var body interface{}
	if wReq.Body != nil {
		body = bytes.NewReader(wReq.Body)
	}
	method := wReq.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, wReq.URL, body)
	if err != nil {
		return nil, err
	}

	// Set common headers
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if wReq.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if wReq.User != "" {
		req.SetBasicAuth(wReq.User, wReq.Password)
	}

	// Set custom headers
	for _, h := range wReq.Headers {
		req.Header.Set(h.Name, h.Value)
	}

	start := time.Now()
	resp, err := c.rc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &WHTTPRes{
		StatusCode: resp.StatusCode,
		BodyString: string(bodyBytes),
		Latency:    time.Since(start),
	}, nil
}

// LeveledLogrus adapts logrus to retryablehttp.LeveledLogger.
type LeveledLogrus struct {
	L logrus.FieldLogger
}

func (l LeveledLogrus) Error(msg string, kv ...interface{}) { l.L.WithFields(kvFields(kv)).Error(msg) }
func (l LeveledLogrus) Info(msg string, kv ...interface{})  { l.L.WithFields(kvFields(kv)).Info(msg) }
func (l LeveledLogrus) Debug(msg string, kv ...interface{}) { l.L.WithFields(kvFields(kv)).Debug(msg) }
func (l LeveledLogrus) Warn(msg string, kv ...interface{})  { l.L.WithFields(kvFields(kv)).Warn(msg) }

func kvFields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
