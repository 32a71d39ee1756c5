package app

import (
	"context"
	"errors"
	"fmt"

	"storyline/internal/domain"
	"storyline/internal/repo"
)

// ResolveBacklog picks the active backlog: an explicit override when
// given, otherwise the workspace's single backlog.
func ResolveBacklog(ctx context.Context, backlogOverride string, r repo.Repo) (domain.Backlog, error) {
	if backlogOverride != "" {
		b, err := r.GetBacklog(ctx, backlogOverride)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Backlog{}, fmt.Errorf("backlog %s not found; import it first with sl backlog import", backlogOverride)
			}
			return domain.Backlog{}, err
		}
		return b, nil
	}
	b, err := r.SingleBacklog(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Backlog{}, errors.New("no backlog imported; run sl backlog import --file <path>")
		}
		return domain.Backlog{}, err
	}
	return b, nil
}
