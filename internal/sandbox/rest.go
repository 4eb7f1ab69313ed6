package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// remoteParts extracts host and "owner/repo" from an ssh or https remote.
var remoteParts = regexp.MustCompile(`(?:git@|https?://)([^/:]+)[:/](.+?)(?:\.git)?$`)

func parseRemote(remote string) (host, project string, ok bool) {
	m := remoteParts.FindStringSubmatch(strings.TrimSpace(remote))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// createGitLabMR opens a merge request through the REST API. Requires
// GITLAB_TOKEN; returns "" without error when the token is absent so the
// caller can fall through to the CLI.
func createGitLabMR(ctx context.Context, remote string, sb *Sandbox, title, body string, draft bool) (string, error) {
	token := os.Getenv("GITLAB_TOKEN")
	if token == "" {
		return "", nil
	}
	host, project, ok := parseRemote(remote)
	if !ok {
		return "", fmt.Errorf("unparseable remote %q", remote)
	}

	if draft {
		title = "Draft: " + title
	}
	payload, _ := json.Marshal(map[string]any{
		"source_branch":        sb.Branch,
		"target_branch":        sb.BaseBranch,
		"title":                title,
		"description":          body,
		"remove_source_branch": true,
	})
	endpoint := fmt.Sprintf("https://%s/api/v4/projects/%s/merge_requests", host, url.PathEscape(project))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("PRIVATE-TOKEN", token)
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		WebURL string `json:"web_url"`
	}
	if err := doJSON(req, &out); err != nil {
		return "", fmt.Errorf("gitlab merge request: %w", err)
	}
	return out.WebURL, nil
}

// createGitHubPR opens a pull request through the REST API, host-aware for
// GitHub Enterprise. Requires GITHUB_TOKEN; "" without error when absent.
func createGitHubPR(ctx context.Context, remote string, sb *Sandbox, title, body string, draft bool) (string, error) {
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		return "", nil
	}
	host, project, ok := parseRemote(remote)
	if !ok {
		return "", fmt.Errorf("unparseable remote %q", remote)
	}
	apiBase := "https://api.github.com"
	if host != "github.com" {
		apiBase = "https://" + host + "/api/v3"
	}

	payload, _ := json.Marshal(map[string]any{
		"head":  sb.Branch,
		"base":  sb.BaseBranch,
		"title": title,
		"body":  body,
		"draft": draft,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/repos/"+project+"/pulls", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	var out struct {
		HTMLURL string `json:"html_url"`
	}
	if err := doJSON(req, &out); err != nil {
		return "", fmt.Errorf("github pull request: %w", err)
	}
	return out.HTMLURL, nil
}

func doJSON(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, out)
}
