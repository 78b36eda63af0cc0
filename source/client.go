// Package source is the GraphQL client for the upstream content server.
// The schema is treated as opaque: only the handful of operations the sync
// core needs are typed here.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/metasync/errors"
	"github.com/driftline/metasync/fault"
	"github.com/driftline/metasync/internal/httpclient"
)

// Connection is the server handle the host passes in the invocation
// envelope.
type Connection struct {
	Scheme        string `json:"Scheme"`
	Host          string `json:"Host"`
	Port          int    `json:"Port"`
	SessionCookie string `json:"-"`
	APIKey        string `json:"ApiKey"`
}

// Client executes GraphQL operations against the source server.
type Client struct {
	endpoint string
	apiKey   string
	cookie   string
	http     *http.Client
	logger   *zap.SugaredLogger
}

// NewClient builds a client from the host-provided connection.
func NewClient(conn Connection, connectTimeout, readTimeout time.Duration, logger *zap.SugaredLogger) *Client {
	host := conn.Host
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	scheme := conn.Scheme
	if scheme == "" {
		scheme = "http"
	}

	return &Client{
		endpoint: fmt.Sprintf("%s://%s:%d/graphql", scheme, host, conn.Port),
		apiKey:   conn.APIKey,
		cookie:   conn.SessionCookie,
		http:     httpclient.New(connectTimeout, readTimeout),
		logger:   logger,
	}
}

// Scene is the slice of source metadata the sync core consumes.
type Scene struct {
	ID         string       `json:"id"`
	Title      string       `json:"title"`
	Details    string       `json:"details"`
	Date       string       `json:"date"`
	Rating100  *int         `json:"rating100"`
	CreatedAt  string       `json:"created_at"`
	UpdatedAt  string       `json:"updated_at"`
	Studio     *namedThing  `json:"studio"`
	Performers []namedThing `json:"performers"`
	Tags       []namedThing `json:"tags"`
	Files      []SceneFile  `json:"files"`
	Paths      scenePaths   `json:"paths"`
}

type namedThing struct {
	Name string `json:"name"`
}

type SceneFile struct {
	Path string `json:"path"`
}

type scenePaths struct {
	Screenshot string `json:"screenshot"`
}

const sceneFields = `
id
title
details
date
rating100
created_at
updated_at
studio { name }
performers { name }
tags { name }
files { path }
paths { screenshot }
`

// SceneID parses the string id the schema uses.
func (s *Scene) SceneID() uint64 {
	id, _ := strconv.ParseUint(s.ID, 10, 64)
	return id
}

// FilePath returns the scene's primary file path, empty when it has none.
func (s *Scene) FilePath() string {
	if len(s.Files) == 0 {
		return ""
	}
	return s.Files[0].Path
}

// JobData projects the scene into a sync-job payload. Absent source fields
// stay absent from the map; fields the source reports as cleared are
// explicit nulls so the writer clears them downstream.
func (s *Scene) JobData() map[string]interface{} {
	data := make(map[string]interface{})

	title := strings.TrimSpace(s.Title)
	if title == "" {
		// fall back to the filename stem
		if p := s.FilePath(); p != "" {
			base := path.Base(strings.ReplaceAll(p, `\`, "/"))
			title = strings.TrimSuffix(base, path.Ext(base))
		}
	}
	data["title"] = title

	if s.Details != "" {
		data["details"] = s.Details
	}
	if s.Date != "" {
		data["date"] = s.Date
	}
	if s.Rating100 != nil {
		data["rating_0_100"] = *s.Rating100
	}
	if s.Studio != nil {
		if s.Studio.Name != "" {
			data["studio"] = s.Studio.Name
		} else {
			data["studio"] = nil
		}
	}
	if len(s.Performers) > 0 {
		names := make([]string, 0, len(s.Performers))
		for _, p := range s.Performers {
			names = append(names, p.Name)
		}
		data["performers"] = names
	}
	if len(s.Tags) > 0 {
		names := make([]string, 0, len(s.Tags))
		for _, t := range s.Tags {
			names = append(names, t.Name)
		}
		data["tags"] = names
	}
	if s.Paths.Screenshot != "" {
		data["poster_url"] = s.Paths.Screenshot
	}
	if p := s.FilePath(); p != "" {
		data["path"] = p
	}

	return data
}

// FindScene fetches one scene by id.
func (c *Client) FindScene(ctx context.Context, id uint64) (*Scene, error) {
	query := fmt.Sprintf(`query FindScene($id: ID!) { findScene(id: $id) { %s } }`, sceneFields)
	var out struct {
		FindScene *Scene `json:"findScene"`
	}
	if err := c.execute(ctx, query, map[string]interface{}{"id": strconv.FormatUint(id, 10)}, &out); err != nil {
		return nil, err
	}
	if out.FindScene == nil {
		return nil, fault.New(fault.KindPermanent, "scene %d not found on source", id)
	}
	return out.FindScene, nil
}

// TimeField selects which timestamp a scene filter compares.
type TimeField string

const (
	FieldCreatedAt TimeField = "created_at"
	FieldUpdatedAt TimeField = "updated_at"
)

// FindScenesSince lists scenes whose field is newer than since. A zero
// since lists everything.
func (c *Client) FindScenesSince(ctx context.Context, field TimeField, since time.Time) ([]Scene, error) {
	query := fmt.Sprintf(`query FindScenes($filter: FindFilterType, $sceneFilter: SceneFilterType) {
  findScenes(filter: $filter, scene_filter: $sceneFilter) { scenes { %s } }
}`, sceneFields)

	vars := map[string]interface{}{
		"filter": map[string]interface{}{"per_page": -1},
	}
	if !since.IsZero() {
		vars["sceneFilter"] = map[string]interface{}{
			string(field): map[string]interface{}{
				"value":    since.UTC().Format("2006-01-02T15:04:05Z"),
				"modifier": "GREATER_THAN",
			},
		}
	}

	var out struct {
		FindScenes struct {
			Scenes []Scene `json:"scenes"`
		} `json:"findScenes"`
	}
	if err := c.execute(ctx, query, vars, &out); err != nil {
		return nil, err
	}
	return out.FindScenes.Scenes, nil
}

// PluginSettings fetches this plugin's settings blob from the server
// configuration. Missing entries return an empty map.
func (c *Client) PluginSettings(ctx context.Context, pluginID string) (map[string]interface{}, error) {
	const query = `query Configuration { configuration { plugins } }`
	var out struct {
		Configuration struct {
			Plugins map[string]map[string]interface{} `json:"plugins"`
		} `json:"configuration"`
	}
	if err := c.execute(ctx, query, nil, &out); err != nil {
		return nil, err
	}

	settings := out.Configuration.Plugins[pluginID]
	if settings == nil {
		settings = map[string]interface{}{}
	}
	return settings, nil
}

// IsScanRunning reports whether the source job queue holds a running scan.
func (c *Client) IsScanRunning(ctx context.Context) (bool, error) {
	const query = `query JobQueue { jobQueue { status description } }`
	var out struct {
		JobQueue []struct {
			Status      string `json:"status"`
			Description string `json:"description"`
		} `json:"jobQueue"`
	}
	if err := c.execute(ctx, query, nil, &out); err != nil {
		return false, err
	}

	for _, job := range out.JobQueue {
		if job.Status == "RUNNING" && strings.Contains(strings.ToLower(job.Description), "scan") {
			return true, nil
		}
	}
	return false, nil
}

// FetchImage downloads an image the source serves (poster or background),
// authenticating with the API key.
func (c *Client) FetchImage(ctx context.Context, rawURL string) ([]byte, error) {
	if err := httpclient.ValidateURL(rawURL); err != nil {
		return nil, fault.Tag(fault.KindPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fault.Tag(fault.KindPermanent, errors.Wrap(err, "build image request"))
	}
	c.authenticate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.Tag(fault.KindOf(err), errors.Wrap(err, "fetch image"))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.FromHTTPStatus(resp.StatusCode), "image fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

func (c *Client) execute(ctx context.Context, query string, vars map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fault.Tag(fault.KindPermanent, errors.Wrap(err, "marshal graphql request"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fault.Tag(fault.KindPermanent, errors.Wrap(err, "build graphql request"))
	}
	req.Header.Set("Content-Type", "application/json")
	c.authenticate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Tag(fault.KindOf(err), errors.Wrap(err, "source request failed"))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fault.New(fault.FromHTTPStatus(resp.StatusCode), "source returned %d", resp.StatusCode)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fault.Tag(fault.KindTransient, errors.Wrap(err, "decode graphql response"))
	}
	if len(envelope.Errors) > 0 {
		return fault.New(fault.KindTransient, "graphql error: %s", envelope.Errors[0].Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fault.Tag(fault.KindTransient, errors.Wrap(err, "decode graphql data"))
		}
	}
	return nil
}

func (c *Client) authenticate(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("ApiKey", c.apiKey)
	}
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}
}
