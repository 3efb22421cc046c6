// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
)

// ErrNoMattermostCredentials is returned when neither a token nor a
// username and password are configured.
var ErrNoMattermostCredentials = errors.New("no Mattermost token or password configured")

// MattermostCredentials selects how the bridge account logs in. A personal
// access token wins over a username and password.
type MattermostCredentials struct {
	ServerURL string
	Token     string
	Username  string
	Password  string
}

// loginResult holds the validated result of a login attempt.
type loginResult struct {
	User   *model.User
	TeamID string
	Client *model.Client4
}

// login authenticates the bridge account and returns a client carrying a
// valid session token.
func login(ctx context.Context, creds MattermostCredentials) (*loginResult, error) {
	switch {
	case creds.Token != "":
		return validateTokenLogin(ctx, creds.ServerURL, creds.Token)
	case creds.Username != "" && creds.Password != "":
		return passwordLogin(ctx, creds.ServerURL, creds.Username, creds.Password)
	default:
		return nil, ErrNoMattermostCredentials
	}
}

// validateTokenLogin authenticates with the given serverURL and token,
// retrieves the user profile and teams.
func validateTokenLogin(ctx context.Context, serverURL, token string) (*loginResult, error) {
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)

	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	teamID, err := fetchFirstTeamID(ctx, client, me.Id)
	if err != nil {
		return nil, err
	}

	return &loginResult{
		User:   me,
		TeamID: teamID,
		Client: client,
	}, nil
}

func passwordLogin(ctx context.Context, serverURL, username, password string) (*loginResult, error) {
	client := model.NewAPIv4Client(serverURL)
	user, _, err := client.Login(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	teamID, err := fetchFirstTeamID(ctx, client, user.Id)
	if err != nil {
		return nil, err
	}

	return &loginResult{
		User:   user,
		TeamID: teamID,
		Client: client,
	}, nil
}

// fetchFirstTeamID fetches teams for a user and returns the first team's ID,
// or empty string if the user has no teams.
func fetchFirstTeamID(ctx context.Context, client *model.Client4, userID string) (string, error) {
	teams, _, err := client.GetTeamsForUser(ctx, userID, "")
	if err != nil {
		return "", fmt.Errorf("failed to get teams: %w", err)
	}
	if len(teams) > 0 {
		return teams[0].Id, nil
	}
	return "", nil
}
