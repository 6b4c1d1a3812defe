package router

import (
	"io"
	"net/http"

	"github.com/aiclient/goproxy/account"
)

// forwardRaw relays req to acc's upstream verbatim via the forward-api
// adapter and streams the response back without protocol translation
// (spec.md §12's forward-api supplement: no convert pivot for this family).
func (rt *Router) forwardRaw(w http.ResponseWriter, req *http.Request, acc *account.Account) {
	resp, err := rt.forward.RawForward(req.Context(), acc, req.Method, req.URL.Path, req.Header, req.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	if resp.StatusCode >= 500 {
		rt.pm.RecordFailure(req.Context(), acc.ProviderType, acc.UUID, false, 5, 0, "forward-api upstream "+resp.Status)
		return
	}
	rt.pm.RecordSuccess(req.Context(), acc.ProviderType, acc.UUID)
}
