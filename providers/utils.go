package providers

import "github.com/aiclient/goproxy/types"

// ChooseModel resolves the effective model name with priority:
// 1. the model named on the request itself
// 2. the adapter's configured default model
// 3. the provider type's hardcoded fallback model
func ChooseModel(req *types.ChatRequest, configModel string, fallbackModel string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if configModel != "" {
		return configModel
	}
	return fallbackModel
}
