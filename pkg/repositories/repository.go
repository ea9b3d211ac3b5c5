package repositories

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/cbodonnell/theyr/pkg/tree"
)

// Repository is cold storage for the whole tree. Saves replace the previous
// snapshot.
type Repository interface {
	Load(ctx context.Context) (tree.Value, error)
	Save(ctx context.Context, root tree.Value) error
	Close(ctx context.Context) error
}

type OpenOptions struct {
	// URL selects the backend by scheme: github, sqlite, postgres(ql), file.
	URL         string
	GitHubToken string
}

// Open connects to the backend named by opts.URL.
func Open(ctx context.Context, opts OpenOptions) (Repository, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse storage url: %v", err)
	}

	switch u.Scheme {
	case "github":
		owner := u.Host
		parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
		if owner == "" || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("github storage url must look like github://owner/repo/path.json")
		}
		repo, err := NewGitHubRepository(NewGitHubRepositoryOptions{
			Owner:  owner,
			Repo:   parts[0],
			Path:   parts[1],
			Branch: u.Query().Get("branch"),
			Token:  opts.GitHubToken,
		})
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "sqlite":
		path := u.Host + u.Path
		if u.Opaque != "" {
			path = u.Opaque
		}
		repo, err := NewSQLiteRepository(ctx, path)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "postgres", "postgresql":
		repo, err := NewPostgresRepository(ctx, opts.URL)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "file":
		return NewFileRepository(u.Path), nil
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q", u.Scheme)
	}
}
