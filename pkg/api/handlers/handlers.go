package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/cbodonnell/theyr/pkg/api/middleware"
	"github.com/cbodonnell/theyr/pkg/gateway"
	"github.com/cbodonnell/theyr/pkg/log"
	"github.com/cbodonnell/theyr/pkg/state"
)

// SeqHeader carries the store sequence number of a served tree.
const SeqHeader = "X-Theyr-Seq"

// maxActionBody bounds the size of an action request.
const maxActionBody = 1 << 20

// HandleFullState serves the tree filtered for the requesting user. A
// verified bearer token takes precedence over the user query parameter.
func HandleFullState(store state.StateManager, privateNamespace string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserFromContext(r.Context())
		if !ok {
			userID = r.URL.Query().Get("user")
		}

		root, seq, err := store.Snapshot(r.Context())
		if err != nil {
			log.Error("failed to get state: %v", err)
			http.Error(w, "Failed to get state", http.StatusInternalServerError)
			return
		}

		w.Header().Set(SeqHeader, strconv.FormatUint(seq, 10))
		writeJSON(w, http.StatusOK, state.FilterPrivate(root, privateNamespace, userID))
	}
}

type actionRequest struct {
	Variable  string          `json:"variable"`
	Value     json.RawMessage `json:"value"`
	ClientSeq uint64          `json:"clientSeq"`
}

// HandleAction sets a single variable. It accepts a JSON body or form
// fields named variable, value and clientSeq.
func HandleAction(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := parseAction(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ack, err := gw.SetValue(r.Context(), req)
		if err != nil {
			if gateway.IsValidation(err) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			log.Error("failed to set %s: %v", req.Variable, err)
			http.Error(w, "Failed to set value", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, ack)
	}
}

func parseAction(w http.ResponseWriter, r *http.Request) (gateway.SetRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxActionBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		body := actionRequest{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return gateway.SetRequest{}, fmt.Errorf("invalid JSON body: %v", err)
		}
		req := gateway.SetRequest{Variable: body.Variable, ClientSeq: body.ClientSeq}
		if len(body.Value) > 0 {
			raw := string(body.Value)
			req.RawValue = &raw
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return gateway.SetRequest{}, fmt.Errorf("invalid form: %v", err)
	}
	req := gateway.SetRequest{Variable: r.Form.Get("variable")}
	if values, ok := r.Form["value"]; ok && len(values) > 0 {
		raw := values[0]
		req.RawValue = &raw
	}
	if seq := r.Form.Get("clientSeq"); seq != "" {
		n, err := strconv.ParseUint(seq, 10, 64)
		if err != nil {
			return gateway.SetRequest{}, fmt.Errorf("invalid clientSeq %q", seq)
		}
		req.ClientSeq = n
	}
	return req, nil
}

// HandleReset restores the default tree and broadcasts it to every client.
func HandleReset(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ack, err := gw.Reset(r.Context(), 0)
		if err != nil {
			log.Error("failed to reset state: %v", err)
			http.Error(w, "Failed to reset state", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, ack)
	}
}

// HandleDump serves the unfiltered tree, private namespace included.
func HandleDump(store state.StateManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		root, seq, err := store.Snapshot(r.Context())
		if err != nil {
			log.Error("failed to get state: %v", err)
			http.Error(w, "Failed to get state", http.StatusInternalServerError)
			return
		}
		w.Header().Set(SeqHeader, strconv.FormatUint(seq, 10))
		writeJSON(w, http.StatusOK, root)
	}
}

func HandleHistory(store state.StateManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, store.UpdateHistory())
	}
}

// HandleOnlineUsers lists the users with at least one identified connection.
func HandleOnlineUsers(online func() []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, online())
	}
}

// Saver writes the current tree to cold storage.
type Saver interface {
	Flush(ctx context.Context) error
}

type saveResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HandleSave writes the tree to cold storage on demand.
func HandleSave(saver Saver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if saver == nil {
			writeJSON(w, http.StatusServiceUnavailable, saveResponse{Status: "error", Message: "Cold storage is not configured"})
			return
		}
		if err := saver.Flush(r.Context()); err != nil {
			log.Error("on-demand save failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, saveResponse{Status: "error", Message: "Failed to save state"})
			return
		}
		writeJSON(w, http.StatusOK, saveResponse{Status: "success"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("failed to encode response: %v", err)
	}
}
