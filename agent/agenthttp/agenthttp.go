// Package agenthttp serves a read-only JSON view of the channels of a
// participant.
package agenthttp

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/stellar/starlight/scbridge/state"
)

// Channels lists the channels of a participant. Hubs and owners are
// Channels.
type Channels interface {
	Channels() []*state.Channel
}

// New returns a handler serving the snapshots of the channels at / and the
// snapshot of a single channel at /channels/{address}.
func New(c Channels) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", handleSnapshots(c)).Methods(http.MethodGet)
	r.HandleFunc("/channels/{address}", handleSnapshot(c)).Methods(http.MethodGet)
	return cors.Default().Handler(r)
}

func encode(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	err := enc.Encode(v)
	if err != nil {
		panic(err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func handleSnapshots(c Channels) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		channels := c.Channels()
		snapshots := make([]state.Snapshot, len(channels))
		for i, ch := range channels {
			snapshots[i] = ch.Snapshot()
		}
		encode(w, http.StatusOK, snapshots)
	}
}

func handleSnapshot(c Channels) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		address := mux.Vars(r)["address"]
		if !common.IsHexAddress(address) {
			encode(w, http.StatusBadRequest, errorResponse{Error: "invalid channel address " + address})
			return
		}
		want := common.HexToAddress(address)
		for _, ch := range c.Channels() {
			if ch.Address() == want {
				encode(w, http.StatusOK, ch.Snapshot())
				return
			}
		}
		encode(w, http.StatusNotFound, errorResponse{Error: "channel " + want.Hex() + " not found"})
	}
}
