package router

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aiclient/goproxy/account"
)

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Provider  string `json:"provider,omitempty"`
}

func (rt *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Provider:  string(rt.defaultProvider()),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// providerHealthAccount is one entry of the /provider_health accounts
// array. The shape is this repository's own decision (DESIGN.md, §12 of
// SPEC_FULL.md): spec.md names the endpoint and its query parameters but
// not the full response body.
type providerHealthAccount struct {
	UUID             string `json:"uuid"`
	CustomName       string `json:"customName,omitempty"`
	IsHealthy        bool   `json:"isHealthy"`
	IsDisabled       bool   `json:"isDisabled"`
	UsageCount       int64  `json:"usageCount"`
	ErrorCount       int    `json:"errorCount"`
	LastUsed         string `json:"lastUsed,omitempty"`
	LastErrorMessage string `json:"lastErrorMessage,omitempty"`
}

type providerHealthResponse struct {
	Provider        string                  `json:"provider"`
	Accounts        []providerHealthAccount `json:"accounts"`
	HealthyCount    int                     `json:"healthyCount"`
	TotalCount      int                     `json:"totalCount"`
	UnhealthyRatio  float64                 `json:"unhealthyRatio"`
	SummaryHealth   bool                    `json:"summaryHealth"`
}

func (rt *Router) handleProviderHealth(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()

	threshold := 0.5
	if raw := q.Get("unhealthRatioThreshold"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			threshold = v
		}
	}

	pt := account.ProviderType(q.Get("provider"))
	if pt == "" || !pt.Valid() {
		pt = rt.defaultProvider()
	}
	customNameFilter := q.Get("customName")

	snapshot := rt.pm.Snapshot(pt)

	resp := providerHealthResponse{Provider: string(pt)}
	for _, acc := range snapshot {
		if customNameFilter != "" && acc.CustomName != customNameFilter {
			continue
		}
		entry := providerHealthAccount{
			UUID:             acc.UUID,
			CustomName:       acc.CustomName,
			IsHealthy:        acc.IsHealthy,
			IsDisabled:       acc.IsDisabled,
			UsageCount:       acc.UsageCount,
			ErrorCount:       acc.ErrorCount,
			LastErrorMessage: acc.LastErrorMessage,
		}
		if acc.LastUsed != nil {
			entry.LastUsed = acc.LastUsed.UTC().Format(time.RFC3339)
		}
		resp.Accounts = append(resp.Accounts, entry)
		resp.TotalCount++
		if acc.IsHealthy && !acc.IsDisabled {
			resp.HealthyCount++
		}
	}

	if resp.TotalCount > 0 {
		resp.UnhealthyRatio = float64(resp.TotalCount-resp.HealthyCount) / float64(resp.TotalCount)
	}
	resp.SummaryHealth = resp.UnhealthyRatio <= threshold

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
