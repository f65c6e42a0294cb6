// Package publish exposes the request table as a GeoServer layer.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stl311/stl311sync/pkg/geo"
	"github.com/stl311/stl311sync/pkg/whttp"
	"github.com/tidwall/gjson"
)

const (
	DefaultWorkspace = "stl311"
	DefaultDatastore = "stl311_db"
	DefaultTable     = "service_requests"
)

// DatastoreParams are the PostGIS connection settings GeoServer uses.
type DatastoreParams struct {
	Host     string
	Port     int
	Database string
	Schema   string
	User     string
	Password string
}

type Options struct {
	BaseURL   string
	Username  string
	Password  string
	Workspace string
	Datastore string
	Table     string
	DB        DatastoreParams
	BBox      geo.BBox
	Timeout   time.Duration
	Log       logrus.FieldLogger
}

// Result mirrors what the ops surface reports for a publish call.
type Result struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	LayerName string `json:"layer_name,omitempty"`
	WMSURL    string `json:"wms_url,omitempty"`
	WFSURL    string `json:"wfs_url,omitempty"`
}

// LayerInfo is the subset of a layer description the CLI prints.
type LayerInfo struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	DefaultStyle string `json:"default_style"`
	Resource     string `json:"resource"`
	WMSURL       string `json:"wms_url"`
	WFSURL       string `json:"wfs_url"`
}

type Client struct {
	http *whttp.Client
	opts Options
	log  logrus.FieldLogger
}

func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("geoserver base url is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid geoserver url %q: %w", opts.BaseURL, err)
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Workspace == "" {
		opts.Workspace = DefaultWorkspace
	}
	if opts.Datastore == "" {
		opts.Datastore = DefaultDatastore
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if opts.BBox == (geo.BBox{}) {
		opts.BBox = geo.StLouis
	}
	if opts.DB.Port == 0 {
		opts.DB.Port = 5432
	}
	if opts.DB.Schema == "" {
		opts.DB.Schema = "public"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Log = l
	}
	hc, err := whttp.NewClient(whttp.ClientConfig{Timeout: opts.Timeout, RetryMax: 2, Log: opts.Log})
	if err != nil {
		return nil, err
	}
	return &Client{http: hc, opts: opts, log: opts.Log}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*whttp.WHTTPRes, error) {
	req := &whttp.WHTTPReq{
		URL:      c.opts.BaseURL + path,
		Method:   method,
		User:     c.opts.Username,
		Password: c.opts.Password,
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		req.Body = b
	}
	return c.http.SendHTTPRequest(ctx, req)
}

// exists treats 200 as present and 404 as absent; anything else is an error.
func (c *Client) exists(ctx context.Context, path string) (bool, error) {
	res, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, fmt.Errorf("GET %s: unexpected status %d", path, res.StatusCode)
}

func (c *Client) create(ctx context.Context, path string, body interface{}) error {
	res, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("POST %s: status %d: %s", path, res.StatusCode, strings.TrimSpace(res.BodyString))
	}
	return nil
}

// TestConnection checks the REST status endpoint.
func (c *Client) TestConnection(ctx context.Context) (*Result, error) {
	res, err := c.do(ctx, http.MethodGet, "/rest/about/status", nil)
	if err != nil {
		return &Result{Status: "error", Message: err.Error()}, err
	}
	if !res.OK() {
		err := fmt.Errorf("geoserver status %d", res.StatusCode)
		return &Result{Status: "error", Message: err.Error()}, err
	}
	return &Result{Status: "success", Message: fmt.Sprintf("connected in %s", res.Latency.Round(time.Millisecond))}, nil
}

func (c *Client) EnsureWorkspace(ctx context.Context) (created bool, err error) {
	ws := url.PathEscape(c.opts.Workspace)
	ok, err := c.exists(ctx, "/rest/workspaces/"+ws)
	if err != nil || ok {
		return false, err
	}
	body := map[string]interface{}{"workspace": map[string]string{"name": c.opts.Workspace}}
	if err := c.create(ctx, "/rest/workspaces", body); err != nil {
		return false, err
	}
	c.log.Infof("created geoserver workspace %s", c.opts.Workspace)
	return true, nil
}

func (c *Client) EnsureDatastore(ctx context.Context) (created bool, err error) {
	if _, err := c.EnsureWorkspace(ctx); err != nil {
		return false, fmt.Errorf("workspace: %w", err)
	}
	ws, ds := url.PathEscape(c.opts.Workspace), url.PathEscape(c.opts.Datastore)
	ok, err := c.exists(ctx, "/rest/workspaces/"+ws+"/datastores/"+ds)
	if err != nil || ok {
		return false, err
	}

	p := c.opts.DB
	entry := func(k, v string) map[string]string { return map[string]string{"@key": k, "$": v} }
	body := map[string]interface{}{
		"dataStore": map[string]interface{}{
			"name":    c.opts.Datastore,
			"type":    "PostGIS",
			"enabled": true,
			"connectionParameters": map[string]interface{}{
				"entry": []map[string]string{
					entry("host", p.Host),
					entry("port", strconv.Itoa(p.Port)),
					entry("database", p.Database),
					entry("schema", p.Schema),
					entry("user", p.User),
					entry("passwd", p.Password),
					entry("dbtype", "postgis"),
				},
			},
		},
	}
	if err := c.create(ctx, "/rest/workspaces/"+ws+"/datastores", body); err != nil {
		return false, err
	}
	c.log.Infof("created geoserver datastore %s", c.opts.Datastore)
	return true, nil
}

// PublishLayer makes sure the workspace, datastore and feature type exist.
// An already published layer is a success.
func (c *Client) PublishLayer(ctx context.Context, layer string) (*Result, error) {
	out := &Result{LayerName: layer, WMSURL: c.serviceURL("wms"), WFSURL: c.serviceURL("wfs")}
	fail := func(err error) (*Result, error) {
		out.Status, out.Message = "error", err.Error()
		return out, err
	}

	if _, err := c.EnsureDatastore(ctx); err != nil {
		return fail(fmt.Errorf("datastore: %w", err))
	}
	ok, err := c.exists(ctx, "/rest/layers/"+url.PathEscape(c.qualified(layer)))
	if err != nil {
		return fail(err)
	}
	if ok {
		out.Status, out.Message = "success", "Layer already exists"
		return out, nil
	}

	b := c.opts.BBox
	body := map[string]interface{}{
		"featureType": map[string]interface{}{
			"name":        layer,
			"nativeName":  c.opts.Table,
			"title":       "St. Louis 311 Service Requests",
			"description": "311 service requests for the City of St. Louis",
			"enabled":     true,
			"srs":         fmt.Sprintf("EPSG:%d", geo.SRID),
			"nativeBoundingBox": map[string]interface{}{
				"minx": b.MinX, "maxx": b.MaxX, "miny": b.MinY, "maxy": b.MaxY,
				"crs": fmt.Sprintf("EPSG:%d", geo.SRID),
			},
		},
	}
	ws, ds := url.PathEscape(c.opts.Workspace), url.PathEscape(c.opts.Datastore)
	if err := c.create(ctx, "/rest/workspaces/"+ws+"/datastores/"+ds+"/featuretypes", body); err != nil {
		return fail(err)
	}
	c.log.Infof("published layer %s", c.qualified(layer))
	out.Status, out.Message = "success", "Layer published successfully"
	return out, nil
}

// SetLayerStyle changes the default style of a published layer.
func (c *Client) SetLayerStyle(ctx context.Context, layer, style string) error {
	body := map[string]interface{}{"layer": map[string]interface{}{"defaultStyle": map[string]string{"name": style}}}
	path := "/rest/layers/" + url.PathEscape(c.qualified(layer))
	res, err := c.do(ctx, http.MethodPut, path, body)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("PUT %s: status %d", path, res.StatusCode)
	}
	return nil
}

func (c *Client) LayerInfo(ctx context.Context, layer string) (*LayerInfo, error) {
	path := "/rest/layers/" + url.PathEscape(c.qualified(layer))
	res, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("GET %s: status %d", path, res.StatusCode)
	}
	l := gjson.Get(res.BodyString, "layer")
	return &LayerInfo{
		Name:         l.Get("name").String(),
		Type:         l.Get("type").String(),
		DefaultStyle: l.Get("defaultStyle.name").String(),
		Resource:     l.Get("resource.href").String(),
		WMSURL:       c.serviceURL("wms"),
		WFSURL:       c.serviceURL("wfs"),
	}, nil
}

func (c *Client) DeleteLayer(ctx context.Context, layer string) error {
	path := "/rest/layers/" + url.PathEscape(c.qualified(layer))
	res, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if !res.OK() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("DELETE %s: status %d", path, res.StatusCode)
	}
	return nil
}

func (c *Client) qualified(layer string) string {
	if strings.Contains(layer, ":") {
		return layer
	}
	return c.opts.Workspace + ":" + layer
}

func (c *Client) serviceURL(svc string) string {
	return c.opts.BaseURL + "/" + c.opts.Workspace + "/" + svc
}
