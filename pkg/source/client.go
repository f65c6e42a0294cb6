// Package source fetches raw service requests from the city's 311 API.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stl311/stl311sync/pkg/whttp"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://www.stlouis-mo.gov/powernap/stlouis/api.cfm"
	DefaultPageSize  = 1000
	DefaultMaxPages  = 10
	DefaultPageDelay = time.Second
	DefaultTimeout   = 30 * time.Second
	DefaultStatus    = "open"

	dateLayout        = "2006-01-02"
	connectionTimeout = 10 * time.Second
)

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	BaseURL     string
	APIKey      string
	PageSize    int
	MaxPages    int
	PageDelay   time.Duration
	Timeout     time.Duration
	PageRetries int
	Proxy       string
	UserAgent   string
	Log         logrus.FieldLogger
}

// Query selects a date range and an optional status filter.
type Query struct {
	Start  time.Time
	End    time.Time
	Status string
}

// Result holds every record fetched so far. Truncated is set when a page
// failed after earlier pages were accumulated; CapReached when the page cap
// stopped pagination with more data possibly remaining.
type Result struct {
	Records    []RawRecord
	Pages      int
	Truncated  bool
	CapReached bool
}

type Client struct {
	http      *whttp.Client
	baseURL   string
	apiKey    string
	pageSize  int
	maxPages  int
	pageDelay time.Duration
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.PageDelay < 0 {
		opts.PageDelay = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Log = l
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", opts.BaseURL, err)
	}

	hc, err := whttp.NewClient(whttp.ClientConfig{
		Timeout:   opts.Timeout,
		RetryMax:  opts.PageRetries,
		Proxy:     opts.Proxy,
		UserAgent: opts.UserAgent,
		Log:       opts.Log,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		http:      hc,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		apiKey:    opts.APIKey,
		pageSize:  opts.PageSize,
		maxPages:  opts.MaxPages,
		pageDelay: opts.PageDelay,
		log:       opts.Log,
		now:       time.Now,
	}, nil
}

// Fetch walks pages 1..MaxPages until a short or empty page. On a transport
// failure it returns the records accumulated so far together with a
// *TransportError; a malformed payload yields a *FormatError.
func (c *Client) Fetch(ctx context.Context, q Query) (*Result, error) {
	res := &Result{}

	for page := 1; page <= c.maxPages; page++ {
		if page > 1 {
			if err := pause(ctx, c.pageDelay); err != nil {
				res.Truncated = len(res.Records) > 0
				return res, &TransportError{Page: page, Err: err}
			}
		}

		records, err := c.fetchPage(ctx, q, page, c.pageSize)
		if err != nil {
			var te *TransportError
			if errors.As(err, &te) {
				res.Truncated = len(res.Records) > 0
			}
			return res, err
		}

		res.Pages = page
		res.Records = append(res.Records, records...)
		c.log.WithFields(logrus.Fields{"page": page, "records": len(records)}).Debug("fetched page")

		if len(records) < c.pageSize {
			return res, nil
		}
	}

	res.CapReached = true
	c.log.Warnf("page cap of %d reached, %d records fetched; more may remain", c.maxPages, len(res.Records))
	return res, nil
}

// pause blocks for d measured from the call, not from the previous request.
// A fresh limiter with its single token spent waits exactly one interval.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	gap := rate.NewLimiter(rate.Every(d), 1)
	gap.Allow()
	return gap.Wait(ctx)
}

func (c *Client) fetchPage(ctx context.Context, q Query, page, size int) ([]RawRecord, error) {
	u := c.pageURL(q, page, size)
	resp, err := c.http.SendHTTPRequest(ctx, &whttp.WHTTPReq{URL: u})
	if err != nil {
		return nil, &TransportError{Page: page, Err: err}
	}
	if !resp.OK() {
		return nil, &TransportError{Page: page, StatusCode: resp.StatusCode, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	records, err := ParsePage(resp.BodyString)
	if err != nil {
		return nil, &FormatError{Page: page, Reason: err.Error()}
	}
	return records, nil
}

func (c *Client) pageURL(q Query, page, size int) string {
	v := url.Values{}
	if c.apiKey != "" {
		v.Set("api_key", c.apiKey)
	}
	if !q.Start.IsZero() {
		v.Set("start_date", q.Start.Format(dateLayout))
	}
	if !q.End.IsZero() {
		v.Set("end_date", q.End.Format(dateLayout))
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	v.Set("page_size", strconv.Itoa(size))
	v.Set("page", strconv.Itoa(page))
	return c.baseURL + "/requests.json?" + v.Encode()
}

// ParsePage accepts either a top-level array of objects or an object with a
// "service_requests" array.
func ParsePage(body string) ([]RawRecord, error) {
	if !gjson.Valid(body) {
		return nil, errors.New("invalid json")
	}
	root := gjson.Parse(body)
	var arr gjson.Result
	switch {
	case root.IsArray():
		arr = root
	case root.IsObject():
		arr = root.Get("service_requests")
		if !arr.IsArray() {
			return nil, errors.New(`object without a "service_requests" array`)
		}
	default:
		return nil, errors.New("expected an array or an object")
	}

	items := arr.Array()
	out := make([]RawRecord, 0, len(items))
	for i, item := range items {
		if !item.IsObject() {
			return nil, fmt.Errorf("element %d is not an object", i)
		}
		out = append(out, RawRecord{res: item})
	}
	return out, nil
}

// ConnectionStatus is the outcome of a connectivity check.
type ConnectionStatus struct {
	Status  string        `json:"status"`
	Message string        `json:"message"`
	Latency time.Duration `json:"latency"`
}

// TestConnection requests a single record for yesterday..today.
func (c *Client) TestConnection(ctx context.Context) ConnectionStatus {
	ctx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	today := c.now().UTC()
	q := Query{Start: today.AddDate(0, 0, -1), End: today}
	start := time.Now()
	records, err := c.fetchPage(ctx, q, 1, 1)
	latency := time.Since(start)
	if err != nil {
		return ConnectionStatus{Status: "error", Message: err.Error(), Latency: latency}
	}
	return ConnectionStatus{
		Status:  "success",
		Message: fmt.Sprintf("connected, %d record(s) returned", len(records)),
		Latency: latency,
	}
}
