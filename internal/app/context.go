package app

import (
	"context"
	"errors"
	"fmt"

	"subline/internal/config"
	"subline/internal/engine"
	"subline/internal/repo"
)

// ResolveTeamAndSettings picks the active team and ensures it exists in
// the DB with a settings document, seeding defaults if missing. It
// prefers overrides, then single-team DB. If the named team does not
// exist, it is created on the fly with the actor as owner.
func ResolveTeamAndSettings(ctx context.Context, teamOverride, actorID string, eng engine.Engine) (string, *config.Settings, error) {
	if actorID == "" {
		actorID = "local-user"
	}
	teamID := teamOverride
	if teamID == "" {
		teams, err := eng.Repo.ListTeams(ctx)
		if err != nil {
			return "", nil, err
		}
		switch len(teams) {
		case 1:
			teamID = teams[0].ID
		case 0:
			t, err := eng.CreateTeam(ctx, "default", actorID)
			if err != nil {
				return "", nil, err
			}
			teamID = t.ID
		default:
			return "", nil, fmt.Errorf("team not specified; use --team")
		}
	}
	if _, err := eng.Repo.GetTeam(ctx, teamID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		return "", nil, fmt.Errorf("team %s not found", teamID)
	}
	settings, err := eng.Repo.GetTeamSettings(ctx, teamID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		settings = config.Default(teamID)
		if err := eng.Repo.UpsertTeamSettings(ctx, teamID, settings); err != nil {
			return "", nil, fmt.Errorf("seed team settings: %w", err)
		}
	}
	settings.Team.ID = teamID
	return teamID, settings, nil
}
