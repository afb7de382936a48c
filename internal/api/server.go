// Package api serves the control interface of the receive engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"NetSpectraRx/internal/engine/flowtable"
	"NetSpectraRx/internal/engine/manager"
	"NetSpectraRx/internal/logging"
	"NetSpectraRx/internal/stats"
)

var log = logging.DefaultLogger.WithField(logging.Subsys, "api")

// Controller is the part of the engine the API drives.
type Controller interface {
	Report() *stats.Report
	GetStats() manager.Stats
	Flows() []flowtable.FlowInfo
	FlushContext(ctxID uint8) int
	FlushInterface(iface uint8) int
	FlushFlow(index uint32) (bool, error)
	RemoveInterface(iface uint8) (int, error)
	SetAggregationDisallowed(iface, ctxID uint8, disallowed bool) error
}

// Server is the control API HTTP server.
type Server struct {
	ctl    Controller
	router *mux.Router
	srv    *http.Server
}

// NewServer wires the routes. gatherer backs /metrics; nil leaves the route
// out.
func NewServer(addr string, ctl Controller, gatherer prometheus.Gatherer) *Server {
	s := &Server{ctl: ctl, router: mux.NewRouter()}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/flows", s.flowsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/flows/{index}/flush", s.flushFlowHandler).Methods(http.MethodPost)
	v1.HandleFunc("/contexts/{ctx}/flush", s.flushContextHandler).Methods(http.MethodPost)
	v1.HandleFunc("/interfaces/{iface}/flush", s.flushInterfaceHandler).Methods(http.MethodPost)
	v1.HandleFunc("/interfaces/{iface}", s.removeInterfaceHandler).Methods(http.MethodDelete)
	v1.HandleFunc("/interfaces/{iface}/contexts/{ctx}/aggregation", s.aggregationHandler).Methods(http.MethodPut)

	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		log.Infof("API server starting on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Errorf("Could not listen on %s", s.srv.Addr)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	r := s.ctl.Report()
	counters := make(map[string]interface{}, len(r.Counters.Fields()))
	for _, f := range r.Counters.Fields() {
		counters[f.Name] = f.Value
	}
	writeStruct(w, http.StatusOK, map[string]interface{}{
		"timestamp":       r.Timestamp.UTC().Format(time.RFC3339Nano),
		"active_flows":    r.ActiveFlows,
		"pending_updates": r.PendingUpdates,
		"counters":        counters,
		"control":         controlStats(s.ctl.GetStats()),
	})
}

func controlStats(st manager.Stats) map[string]interface{} {
	return map[string]interface{}{
		"flows_added":         st.FlowsAdded,
		"flows_evicted":       st.FlowsEvicted,
		"hash_collisions":     st.HashCollisions,
		"invalid_flow_index":  st.InvalidFlowIndex,
		"steering_mismatches": st.SteeringMismatches,
	}
}

func (s *Server) flowsHandler(w http.ResponseWriter, _ *http.Request) {
	flows := s.ctl.Flows()
	list := make([]interface{}, 0, len(flows))
	for _, f := range flows {
		list = append(list, flowValue(f))
	}
	writeStruct(w, http.StatusOK, map[string]interface{}{
		"count": len(flows),
		"flows": list,
	})
}

func flowValue(f flowtable.FlowInfo) map[string]interface{} {
	return map[string]interface{}{
		"index":            f.Index,
		"bucket":           f.Bucket,
		"flow":             f.Flow,
		"metadata":         f.Metadata,
		"owner_context":    int(f.OwnerContext),
		"interface":        int(f.InterfaceID),
		"steering":         int(f.Steering),
		"mirrored":         f.Mirrored,
		"aggregating":      f.Aggregating,
		"segments":         f.Segments,
		"do_not_aggregate": f.DoNotAggregate,
		"collisions":       f.Collisions,
		"packets":          f.Counters.Packets,
		"aggregated_bytes": f.Counters.AggregatedBytes,
		"flushes":          f.Counters.Flushes,
		"corruptions":      f.Counters.Corruptions,
		"last_access":      f.LastAccess.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) flushFlowHandler(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(mux.Vars(r)["index"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad flow index: %w", err))
		return
	}
	flushed, err := s.ctl.FlushFlow(uint32(index))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeStruct(w, http.StatusOK, map[string]interface{}{"flushed": flushed})
}

func (s *Server) flushContextHandler(w http.ResponseWriter, r *http.Request) {
	ctxID, ok := uint8Var(w, r, "ctx")
	if !ok {
		return
	}
	writeStruct(w, http.StatusOK, map[string]interface{}{"flushed": s.ctl.FlushContext(ctxID)})
}

func (s *Server) flushInterfaceHandler(w http.ResponseWriter, r *http.Request) {
	iface, ok := uint8Var(w, r, "iface")
	if !ok {
		return
	}
	writeStruct(w, http.StatusOK, map[string]interface{}{"flushed": s.ctl.FlushInterface(iface)})
}

func (s *Server) removeInterfaceHandler(w http.ResponseWriter, r *http.Request) {
	iface, ok := uint8Var(w, r, "iface")
	if !ok {
		return
	}
	n, err := s.ctl.RemoveInterface(iface)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeStruct(w, http.StatusOK, map[string]interface{}{"removed": n})
}

type aggregationRequest struct {
	Disallowed *bool `json:"disallowed"`
}

func (s *Server) aggregationHandler(w http.ResponseWriter, r *http.Request) {
	iface, ok := uint8Var(w, r, "iface")
	if !ok {
		return
	}
	ctxID, ok := uint8Var(w, r, "ctx")
	if !ok {
		return
	}

	var req aggregationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode request: %w", err))
		return
	}
	if req.Disallowed == nil {
		writeError(w, http.StatusBadRequest, errors.New("missing field 'disallowed'"))
		return
	}
	if err := s.ctl.SetAggregationDisallowed(iface, ctxID, *req.Disallowed); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeStruct(w, http.StatusOK, map[string]interface{}{
		"interface":  int(iface),
		"context":    int(ctxID),
		"disallowed": *req.Disallowed,
	})
}

func uint8Var(w http.ResponseWriter, r *http.Request, name string) (uint8, bool) {
	v, err := strconv.ParseUint(mux.Vars(r)[name], 10, 8)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad %s: %w", name, err))
		return 0, false
	}
	return uint8(v), true
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeStruct(w, status, map[string]interface{}{"error": err.Error()})
}

func writeStruct(w http.ResponseWriter, status int, fields map[string]interface{}) {
	body, err := structpb.NewStruct(fields)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to build response: %v", err), http.StatusInternalServerError)
		return
	}
	jsonBytes, err := protojson.Marshal(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to marshal response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonBytes)
}
