package qwen

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/aiclient/goproxy/account"
)

// RefreshToken exchanges cred's refresh token via the configured OAuth2
// token endpoint, satisfying pool.Refresher for openai-qwen-oauth accounts.
func (p *Provider) RefreshToken(ctx context.Context, acc *account.Account, cred *account.TokenCredential) (*account.TokenCredential, error) {
	conf := &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: p.cfg.TokenURL},
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
