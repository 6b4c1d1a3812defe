package convert

import (
	"strings"

	"github.com/aiclient/goproxy/account"
)

// PrefixModel adds pt's bracketed display prefix to model for list
// responses (spec §4.5). Provider types with no registered prefix return
// model unchanged.
func PrefixModel(pt account.ProviderType, model string) string {
	prefix, ok := account.ModelPrefixes[pt]
	if !ok {
		return model
	}
	return prefix + " " + model
}

// StripModelPrefix strips a known bracketed provider prefix from model and
// reports which provider type it identified, so an incoming request whose
// model name already carries a prefix overrides auto-selection (spec §4.5).
// A model with no recognised prefix is returned unchanged with ok=false.
func StripModelPrefix(model string) (pt account.ProviderType, stripped string, ok bool) {
	for t, prefix := range account.ModelPrefixes {
		if strings.HasPrefix(model, prefix+" ") {
			return t, strings.TrimPrefix(model, prefix+" "), true
		}
	}
	return "", model, false
}
