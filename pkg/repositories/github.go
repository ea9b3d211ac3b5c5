package repositories

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cbodonnell/theyr/pkg/tree"
	"github.com/google/go-github/v62/github"
)

const githubCommitTitle = "Update theyr state"

// GitHubRepository keeps the tree as a JSON file in a GitHub repository,
// read and written through the contents API. Updates carry the blob sha of
// the previous version as the API requires.
type GitHubRepository struct {
	client *github.Client
	owner  string
	repo   string
	path   string
	branch string
	token  string

	lock sync.Mutex
	sha  string
}

type NewGitHubRepositoryOptions struct {
	Owner  string
	Repo   string
	Path   string
	Branch string
	Token  string
	// BaseURL overrides the API root, e.g. for GitHub Enterprise.
	BaseURL    string
	HTTPClient *http.Client
}

func NewGitHubRepository(opts NewGitHubRepositoryOptions) (*GitHubRepository, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	client := github.NewClient(httpClient)
	if opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}
	if opts.BaseURL != "" {
		baseURL, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("failed to parse GitHub API url: %v", err)
		}
		client.BaseURL = baseURL
	}
	return &GitHubRepository{
		client: client,
		owner:  opts.Owner,
		repo:   opts.Repo,
		path:   strings.TrimPrefix(opts.Path, "/"),
		branch: opts.Branch,
		token:  opts.Token,
	}, nil
}

func (r *GitHubRepository) Close(ctx context.Context) error {
	return nil
}

func (r *GitHubRepository) Load(ctx context.Context) (tree.Value, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	file, err := r.get(ctx)
	if err != nil {
		return tree.Value{}, err
	}
	r.sha = file.GetSHA()

	content, err := file.GetContent()
	if err != nil {
		return tree.Value{}, fmt.Errorf("failed to decode file content: %v", err)
	}
	return decodeDocument([]byte(content))
}

func (r *GitHubRepository) Save(ctx context.Context, root tree.Value) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.sha == "" {
		file, err := r.get(ctx)
		switch {
		case err == nil:
			r.sha = file.GetSHA()
		case IsNotFound(err):
		default:
			return err
		}
	}

	doc, err := root.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %v", err)
	}
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(githubCommitTitle),
		Content: doc,
	}
	if r.branch != "" {
		opts.Branch = github.String(r.branch)
	}

	var updated *github.RepositoryContentResponse
	if r.sha == "" {
		updated, _, err = r.client.Repositories.CreateFile(ctx, r.owner, r.repo, r.path, opts)
	} else {
		opts.SHA = github.String(r.sha)
		updated, _, err = r.client.Repositories.UpdateFile(ctx, r.owner, r.repo, r.path, opts)
	}
	if err != nil {
		r.sha = ""
		return fmt.Errorf("failed to update %s: %v", r.path, err)
	}
	r.sha = updated.GetContent().GetSHA()
	return nil
}

func (r *GitHubRepository) get(ctx context.Context) (*github.RepositoryContent, error) {
	var opts *github.RepositoryContentGetOptions
	if r.branch != "" {
		opts = &github.RepositoryContentGetOptions{Ref: r.branch}
	}
	file, _, resp, err := r.client.Repositories.GetContents(ctx, r.owner, r.repo, r.path, opts)
	if err != nil {
		var errResp *github.ErrorResponse
		if errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == http.StatusNotFound {
			return nil, &ErrNotFound{}
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, &ErrNotFound{}
		}
		return nil, fmt.Errorf("failed to get %s: %v", r.path, err)
	}
	if file == nil {
		return nil, fmt.Errorf("%s is a directory", r.path)
	}
	return file, nil
}
