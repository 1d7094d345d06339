package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	apperrors "github.com/devrev/weatherdb/internal/errors"
	"github.com/devrev/weatherdb/internal/model"
	"github.com/devrev/weatherdb/internal/util/workerpool"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Status    string `json:"status"`
	Code      string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// NodesResponse is the body of GET /admin/nodes
type NodesResponse struct {
	Nodes   []model.NodeHealth `json:"nodes"`
	Pending int                `json:"pending"`
	Ingest  workerpool.Stats   `json:"ingest"`
}

// PlacementResponse is the body of GET /admin/placement
type PlacementResponse struct {
	Placement map[string]model.Placement `json:"placement"`
	Remap     map[int][]int              `json:"remap"`
}

// ShutdownResponse reports the recovery triggered by a shutdown
type ShutdownResponse struct {
	Message string               `json:"message"`
	Report  model.RecoveryReport `json:"report"`
}

// LoadRequest is the body of POST /admin/files
type LoadRequest struct {
	File   string `json:"file"`
	Format string `json:"format,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status and error code
func (s *AdminServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := apperrors.GetCode(err)
	var e *apperrors.Error
	if errors.As(err, &e) {
		status = e.HTTPStatus()
	} else if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		status = http.StatusGatewayTimeout
		code = apperrors.ErrCodeTimeout
	}

	if status >= http.StatusInternalServerError {
		s.logger.Warn("Admin request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, ErrorResponse{
		Status:    "error",
		Code:      code.String(),
		Message:   err.Error(),
		RequestID: r.Header.Get("X-Request-ID"),
	})
}

func (s *AdminServer) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

func nodeID(r *http.Request) int {
	// the route pattern only admits digits
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	return id
}

func (s *AdminServer) listNodes(w http.ResponseWriter, r *http.Request) {
	state, err := s.cluster.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NodesResponse{Nodes: state.Nodes, Pending: state.Pending, Ingest: state.Ingest})
}

func (s *AdminServer) placement(w http.ResponseWriter, r *http.Request) {
	state, err := s.cluster.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PlacementResponse{Placement: state.Placement, Remap: state.Remap})
}

func (s *AdminServer) recoveries(w http.ResponseWriter, r *http.Request) {
	state, err := s.cluster.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reports := state.Recoveries
	if reports == nil {
		reports = []model.RecoveryReport{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"recoveries": reports})
}

func (s *AdminServer) shutdownNode(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	id := nodeID(r)
	s.logger.Info("Admin shutdown requested", zap.Int("node_id", id))
	report, err := s.cluster.ShutdownNode(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ShutdownResponse{
		Message: "storage node " + strconv.Itoa(id) + " shut down, data transferred: " + strconv.FormatBool(report.Transferred),
		Report:  report,
	})
}

func (s *AdminServer) forwardNode(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("target")
	target, err := strconv.Atoi(raw)
	if err != nil {
		s.writeError(w, r, apperrors.InvalidCommand("target query parameter must be a node id"))
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	transferred, err := s.cluster.ForwardNode(ctx, nodeID(r), target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"transferred": transferred})
}

func (s *AdminServer) clearDate(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		s.writeError(w, r, apperrors.InvalidCommand("date query parameter is required"))
		return
	}

	if err := s.cluster.ClearDate(r.Context(), nodeID(r), date); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *AdminServer) listFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.files.List(r.Context())
	if err != nil {
		s.writeError(w, r, apperrors.Internal("failed to list loaded files", err))
		return
	}
	sort.Strings(files)
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"files": files})
}

// loadFile starts a LOAD. Its outcome goes to the client queue like any
// other LOAD.
func (s *AdminServer) loadFile(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperrors.InvalidCommand("invalid JSON body"))
		return
	}
	if err := s.cluster.Load(r.Context(), req.File, req.Format); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "loading", "file": req.File})
}
