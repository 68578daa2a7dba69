// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/slack-go/slack"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
)

// ErrWrongTeam is returned when a token belongs to another workspace than
// the configured team_domain.
var ErrWrongTeam = errors.New("token belongs to another Slack workspace")

// GetLoginFlows returns the available login methods for the bridge.
func (sc *SlackConnector) GetLoginFlows() []bridgev2.LoginFlow {
	return []bridgev2.LoginFlow{
		{
			Name:        "Token",
			Description: "Log in with a Slack user token (xoxp-/xoxc-)",
			ID:          "token",
		},
	}
}

// CreateLogin starts a new login process for the given flow.
func (sc *SlackConnector) CreateLogin(_ context.Context, user *bridgev2.User, flowID string) (bridgev2.LoginProcess, error) {
	switch flowID {
	case "token":
		return &TokenLoginProcess{
			connector: sc,
			user:      user,
		}, nil
	default:
		return nil, fmt.Errorf("unknown login flow: %s", flowID)
	}
}

// TokenLoginProcess implements token-based login.
type TokenLoginProcess struct {
	connector *SlackConnector
	user      *bridgev2.User
}

var _ bridgev2.LoginProcessUserInput = (*TokenLoginProcess)(nil)

func (t *TokenLoginProcess) Start(_ context.Context) (*bridgev2.LoginStep, error) {
	return &bridgev2.LoginStep{
		Type:         bridgev2.LoginStepTypeUserInput,
		StepID:       "fi.mau.slack.login.token",
		Instructions: "Enter your Slack user token",
		UserInputParams: &bridgev2.LoginUserInputParams{
			Fields: []bridgev2.LoginInputDataField{
				{
					Type: bridgev2.LoginInputFieldTypePassword,
					ID:   "token",
					Name: "Slack token",
				},
			},
		},
	}, nil
}

func (t *TokenLoginProcess) SubmitUserInput(ctx context.Context, input map[string]string) (*bridgev2.LoginStep, error) {
	token := strings.TrimSpace(input["token"])
	if token == "" {
		return nil, fmt.Errorf("token is required")
	}

	result, err := validateTokenLogin(ctx, t.connector.newAPI(token), t.connector.Config.TeamDomain)
	if err != nil {
		return nil, err
	}

	ul, err := t.connector.createLogin(ctx, t.user, token, result)
	if err != nil {
		return nil, err
	}
	ul.Client.Connect(ctx)

	return &bridgev2.LoginStep{
		Type:         bridgev2.LoginStepTypeComplete,
		StepID:       "fi.mau.slack.login.complete",
		Instructions: fmt.Sprintf("Logged in as %s on %s", result.User, result.Team),
		CompleteParams: &bridgev2.LoginCompleteParams{
			UserLoginID: ul.ID,
			UserLogin:   ul,
		},
	}, nil
}

func (t *TokenLoginProcess) Cancel() {}

// newAPI creates a Slack Web API client for token.
func (sc *SlackConnector) newAPI(token string) *slack.Client {
	var opts []slack.Option
	if sc.Config.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(sc.Config.APIURL))
	}
	return slack.New(token, opts...)
}

func (sc *SlackConnector) createLogin(ctx context.Context, user *bridgev2.User, token string, result *slack.AuthTestResponse) (*bridgev2.UserLogin, error) {
	loginID := MakeUserLoginID(result.TeamID, result.UserID)
	ul, err := user.NewLogin(ctx, &database.UserLogin{
		ID:         loginID,
		RemoteName: fmt.Sprintf("%s @ %s", result.User, result.Team),
	}, &bridgev2.NewLoginParams{
		LoadUserLogin: sc.LoadUserLogin,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create login: %w", err)
	}

	meta := ul.Metadata.(*UserLoginMetadata)
	meta.Token = token
	meta.UserID = result.UserID
	meta.TeamID = result.TeamID
	meta.TeamName = result.Team
	meta.TeamURL = result.URL
	if err := ul.Save(ctx); err != nil {
		return nil, fmt.Errorf("failed to save login: %w", err)
	}

	// The client was built before the metadata was filled in.
	if client, ok := ul.Client.(*SlackClient); ok {
		client.restore(meta)
	}
	return ul, nil
}

type authTester interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

// validateTokenLogin authenticates the token and checks that it belongs to
// teamDomain, if one is configured.
func validateTokenLogin(ctx context.Context, api authTester, teamDomain string) (*slack.AuthTestResponse, error) {
	resp, err := api.AuthTestContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if teamDomain != "" && !matchesTeamDomain(resp.URL, teamDomain) {
		return nil, fmt.Errorf("%w: %s", ErrWrongTeam, resp.URL)
	}
	return resp, nil
}

// matchesTeamDomain reports whether a workspace URL such as
// "https://acme.slack.com/" belongs to domain ("acme").
func matchesTeamDomain(teamURL, domain string) bool {
	u, err := url.Parse(teamURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	domain = strings.ToLower(strings.TrimSuffix(domain, ".slack.com"))
	return host == domain+".slack.com" || host == domain
}

// getLoginMeta is a helper to extract metadata from a UserLogin.
func getLoginMeta(login *bridgev2.UserLogin) *UserLoginMetadata {
	meta, _ := login.Metadata.(*UserLoginMetadata)
	return meta
}
