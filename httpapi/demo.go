package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
)

type demoToolDescription struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	CostClass   string `json:"cost_class"`
}

// demoTools lists the registered tool catalog, gated behind ENABLE_DEMO
// (spec.md §6) so an operator can see what a fresh deployment can call
// without first driving a full agent conversation.
func (h *handlers) demoTools(w http.ResponseWriter, r *http.Request) {
	specs := h.deps.Tools.All()
	out := make([]demoToolDescription, 0, len(specs))
	for _, s := range specs {
		out = append(out, demoToolDescription{
			Name:        s.Name.String(),
			Description: s.Description,
			CostClass:   string(s.CostClass),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
