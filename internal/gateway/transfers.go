package gateway

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shardnet/shardnet/internal/transfer"
)

func (g *Gateway) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]transfer.Snapshot{"transfers": g.Coordinator.Transfers()})
}

func (g *Gateway) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := g.Coordinator.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Transfer " + id + " cancelled."})
}
