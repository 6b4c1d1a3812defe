package openai

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/aiclient/goproxy/account"
)

// RefreshToken exchanges cred's refresh token via OAuth2, satisfying
// pool.Refresher for openai-codex-oauth accounts. Static-key provider types
// (OpenAICustom, OpenAICustomResponses, OpenAIIFlow) never trigger a
// refresh, so this method is only meaningful when p.pt is OpenAICodexOAuth;
// the pool manager only wires it into the refreshers map for that type.
func (p *Provider) RefreshToken(ctx context.Context, acc *account.Account, cred *account.TokenCredential) (*account.TokenCredential, error) {
	conf := &oauth2.Config{
		Endpoint: oauth2.Endpoint{TokenURL: "https://auth.openai.com/oauth/token"},
	}

	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}

	next := *cred
	next.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	next.ExpiresAt = tok.Expiry.UnixMilli()
	return &next, nil
}
