package internal

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/darrylyeo/asphodel-mud-classic/libraries/logger"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/mirror"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/server"
	"github.com/darrylyeo/asphodel-mud-classic/libraries/world"
)

// RPC exposes read access to the mirror while the sync pipeline runs.
type RPC struct {
	store      mirror.Store
	lastSynced *atomic.Uint64
}

func NewRPC(store mirror.Store, lastSynced *atomic.Uint64) *RPC {
	return &RPC{store: store, lastSynced: lastSynced}
}

func (rpc *RPC) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/mirror/get_status", rpc.handleGetStatus)
	mux.HandleFunc("/v1/mirror/get_value", rpc.handleGetValue)
	mux.HandleFunc("/v1/mirror/get_component", rpc.handleGetComponent)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	server.WriteJSON(w, http.StatusOK, data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	server.WriteError(w, code, message)
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	raw, ok := params[name]
	if !ok {
		return "", fmt.Errorf("missing parameter: %s", name)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("invalid parameter: %s", name)
	}
	return s, nil
}

func (rpc *RPC) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	entries, err := rpc.store.Len()
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"last_synced_block": rpc.lastSynced.Load(),
		"entries":           entries,
	})
}

func (rpc *RPC) handleGetValue(w http.ResponseWriter, r *http.Request) {
	params, err := server.GetRequestParams(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	componentHex, err := stringParam(params, "component")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	entityHex, err := stringParam(params, "entity")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	value, ok, err := rpc.store.Get(world.IDFromHex(componentHex), world.IDFromHex(entityHex))
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		writeError(w, "no value for that component and entity", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{
		"component": componentHex,
		"entity":    entityHex,
		"value":     value,
	})
}

// handleGetComponent scans the mirror for every entity carrying the given
// component. A full scan per request is acceptable at mirror scale.
func (rpc *RPC) handleGetComponent(w http.ResponseWriter, r *http.Request) {
	params, err := server.GetRequestParams(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	componentHex, err := stringParam(params, "component")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	component := world.IDFromHex(componentHex).Hex()

	entities := make(map[string]world.ComponentValue)
	err = rpc.store.Each(func(key world.Key, value world.ComponentValue) error {
		if key.Component == component {
			entities[key.Entity] = value
		}
		return nil
	})
	if err != nil {
		logger.Printf("http", "Component scan failed: %v", err)
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"component": component,
		"entities":  entities,
	})
}
