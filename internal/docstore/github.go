package docstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	defaultGitHubBaseURL       = "https://api.github.com"
	defaultGitHubCommitMessage = "journal: update by relay"
	defaultGitHubUserAgent     = "relayjournal"
	githubAPIVersion           = "2022-11-28"
)

type GitHubOptions struct {
	// Repository is "owner/name".
	Repository        string
	Branch            string
	Token             string
	BaseURL           string
	CommitMessage     string
	UserAgent         string
	HTTPClient        *http.Client
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// GitHubStore keeps journal documents as files in a GitHub repository using
// the contents API. The blob sha is the document version.
type GitHubStore struct {
	baseURL       string
	owner         string
	repo          string
	branch        string
	commitMessage string
	userAgent     string
	httpClient    *http.Client
	limiter       *rate.Limiter
}

type githubContent struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type githubPutRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

type githubPutResponse struct {
	Content githubContent `json:"content"`
}

func NewGitHubStore(opts GitHubOptions) (*GitHubStore, error) {
	owner, repo, ok := strings.Cut(strings.Trim(strings.TrimSpace(opts.Repository), "/"), "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("%w: github repository must be owner/name, got %q", ErrInvalidInput, opts.Repository)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultGitHubBaseURL
	}
	commitMessage := strings.TrimSpace(opts.CommitMessage)
	if commitMessage == "" {
		commitMessage = defaultGitHubCommitMessage
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = defaultGitHubUserAgent
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if token := strings.TrimSpace(opts.Token); token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		authed := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
		authed.Timeout = httpClient.Timeout
		httpClient = authed
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &GitHubStore{
		baseURL:       baseURL,
		owner:         owner,
		repo:          repo,
		branch:        strings.TrimSpace(opts.Branch),
		commitMessage: commitMessage,
		userAgent:     userAgent,
		httpClient:    httpClient,
		limiter:       rate.NewLimiter(limit, burst),
	}, nil
}

func (s *GitHubStore) Read(ctx context.Context, path string) (Document, bool, error) {
	path = normalizePath(path)
	if path == "" {
		return Document{}, false, ErrInvalidInput
	}
	endpoint := s.contentsURL(path)
	if s.branch != "" {
		endpoint += "?" + url.Values{"ref": []string{s.branch}}.Encode()
	}
	status, payload, header, err := s.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Document{}, false, err
	}
	if status == http.StatusNotFound {
		return Document{}, false, nil
	}
	if status != http.StatusOK {
		return Document{}, false, newGitHubError(status, payload, header)
	}
	var content githubContent
	if err := json.Unmarshal(payload, &content); err != nil {
		return Document{}, false, fmt.Errorf("decode github contents for %s: %w", path, err)
	}
	if content.Type != "" && content.Type != "file" {
		return Document{}, false, fmt.Errorf("github path %s is a %s, not a file", path, content.Type)
	}
	return Document{
		Path:     path,
		Version:  content.SHA,
		Content:  content.Content,
		Encoding: content.Encoding,
	}, true, nil
}

func (s *GitHubStore) Write(ctx context.Context, path, version, body string) (WriteResult, error) {
	path = normalizePath(path)
	if path == "" {
		return WriteResult{}, ErrInvalidInput
	}
	req := githubPutRequest{
		Message: s.commitMessage,
		Content: base64.StdEncoding.EncodeToString([]byte(body)),
		SHA:     version,
		Branch:  s.branch,
	}
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return WriteResult{}, err
	}
	status, payload, header, err := s.do(ctx, http.MethodPut, s.contentsURL(path), bodyBytes)
	if err != nil {
		return WriteResult{}, err
	}
	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		var out githubPutResponse
		if err := json.Unmarshal(payload, &out); err != nil {
			return WriteResult{}, fmt.Errorf("decode github write response for %s: %w", path, err)
		}
		return WriteResult{Version: out.Content.SHA}, nil
	case status == http.StatusConflict:
		return WriteResult{}, &ConflictError{Path: path, Version: version}
	case status == http.StatusUnprocessableEntity && version == "":
		// Creating without a sha fails this way when the file already exists.
		return WriteResult{}, &ConflictError{Path: path}
	default:
		return WriteResult{}, newGitHubError(status, payload, header)
	}
}

func (s *GitHubStore) contentsURL(path string) string {
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		s.baseURL, url.PathEscape(s.owner), url.PathEscape(s.repo), strings.Join(segments, "/"))
}

func (s *GitHubStore) do(ctx context.Context, method, endpoint string, body []byte) (int, []byte, http.Header, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, nil, nil, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)
	req.Header.Set("User-Agent", s.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return 0, nil, nil, readErr
	}
	return resp.StatusCode, payload, resp.Header, nil
}

func newGitHubError(status int, payload []byte, header http.Header) *HTTPError {
	var errPayload struct {
		Message string `json:"message"`
	}
	message := strings.TrimSpace(string(payload))
	if json.Unmarshal(payload, &errPayload) == nil && errPayload.Message != "" {
		message = errPayload.Message
	}
	return &HTTPError{
		StatusCode: status,
		Message:    message,
		RetryAfter: parseRetryAfter(header.Get("Retry-After")),
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}
