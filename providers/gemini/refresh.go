package gemini

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/aiclient/goproxy/account"
)

// RefreshToken exchanges cred's refresh token for a new access token via the
// standard OAuth2 token endpoint, satisfying pool.Refresher so the pool
// manager's two-stage refresh pipeline can drive gemini-cli-oauth and
// gemini-antigravity accounts without knowing their wire format.
func (p *Provider) RefreshToken(ctx context.Context, acc *account.Account, cred *account.TokenCredential) (*account.TokenCredential, error) {
	refreshToken := cred.RefreshToken
	if refreshToken == "" {
		refreshToken = cred.GeminiRefreshToken
	}

	conf := &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: p.cfg.TokenURL},
	}

	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}

	next := *cred
	next.AccessToken = tok.AccessToken
	next.GeminiAccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
		next.GeminiRefreshToken = tok.RefreshToken
	}
	next.ExpiresAt = tok.Expiry.UnixMilli()
	next.GeminiExpiryDate = tok.Expiry.UnixMilli()
	return &next, nil
}
