package accounts

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/dshills/postgraph/graph"
	"github.com/dshills/postgraph/graph/tool"
)

// OAuthRefresher returns a RefreshFunc that runs the OAuth 2.0 refresh grant
// against each platform's token endpoint. A platform without a config, a
// revoked grant and a 400 or 401 from the endpoint all yield tool.ErrNoToken.
// client is used for the token requests when non-nil.
func OAuthRefresher(configs map[graph.Platform]*oauth2.Config, client *http.Client) RefreshFunc {
	return func(ctx context.Context, platform graph.Platform, refreshToken string) (tool.Token, error) {
		conf, ok := configs[platform]
		if !ok || conf == nil {
			return tool.Token{}, fmt.Errorf("%w: no oauth client for %s", tool.ErrNoToken, platform)
		}
		if client != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		}

		tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return tool.Token{}, classifyRefreshError(platform, err)
		}
		return tool.Token{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
		}, nil
	}
}

func classifyRefreshError(platform graph.Platform, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return fmt.Errorf("%s token refresh: %w", platform, err)
	}
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	if re.ErrorCode == "invalid_grant" || status == http.StatusBadRequest || status == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s refresh rejected: %v", tool.ErrNoToken, platform, err)
	}
	return fmt.Errorf("%s token refresh: %w", platform, err)
}
