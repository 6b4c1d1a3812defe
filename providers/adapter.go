// Package providers implements the Service Adapter layer (C4): one adapter
// per upstream protocol family, each translating the unified types.ChatRequest
// contract into that upstream's wire format and back.
package providers

import (
	"context"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/pool"
	"github.com/aiclient/goproxy/types"
)

// Adapter is the Service Adapter contract every upstream protocol family
// implements. Adapters are stateless with respect to accounts: the caller
// (the router, acting through the pool Manager) supplies the account and its
// current credential on every call, so one Adapter instance is shared across
// every account in its provider type.
type Adapter interface {
	// ProviderType identifies which account.ProviderType this adapter serves.
	ProviderType() account.ProviderType

	// GenerateContent performs one non-streaming completion.
	GenerateContent(ctx context.Context, req *types.ChatRequest, acc *account.Account, cred *account.TokenCredential) (*types.ChatResponse, error)

	// GenerateContentStream performs one streaming completion. The returned
	// channel is closed by the adapter when the stream ends or fails; a
	// terminal chunk with Err set precedes closure on failure.
	GenerateContentStream(ctx context.Context, req *types.ChatRequest, acc *account.Account, cred *account.TokenCredential) (<-chan types.StreamChunk, error)

	// ListModels returns the models acc can see upstream.
	ListModels(ctx context.Context, acc *account.Account, cred *account.TokenCredential) ([]types.Model, error)

	// HealthCheck performs a cheap upstream reachability probe for acc.
	HealthCheck(ctx context.Context, acc *account.Account, cred *account.TokenCredential) types.HealthStatus
}

// RefreshableAdapter is implemented by adapters that can exchange an
// OAuth-style refresh token (the gemini, claude, openai and qwen adapters;
// cmd/goproxy registers them as refreshers only for the OAuth provider
// types). The pool package depends only on the narrower pool.Refresher shape;
// this interface documents that every RefreshableAdapter satisfies it.
type RefreshableAdapter interface {
	Adapter
	pool.Refresher
}
