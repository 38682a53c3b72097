// Package instance serves lima instance lifecycle operations and their
// aggregated progress.
package instance

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/labring/lima-bridge/pkg/common"
	"github.com/labring/lima-bridge/pkg/lima"
	"github.com/labring/lima-bridge/pkg/opcache"
	"github.com/labring/lima-bridge/pkg/oplog"
	"github.com/labring/lima-bridge/pkg/router"
)

// Operator starts lifecycle operations.
type Operator interface {
	Trigger(ctx context.Context, kind oplog.Kind, name string) error
	Running() []lima.RunningOperation
}

// Lister is the cached instance list.
type Lister interface {
	Instances(ctx context.Context) ([]lima.Instance, time.Time)
}

// TriggerResponse acknowledges a started operation.
type TriggerResponse struct {
	Operation string     `json:"operation"`
	Kind      oplog.Kind `json:"kind"`
	Instance  string     `json:"instance"`
}

// InstancesResponse lists instances.
type InstancesResponse struct {
	Instances   []lima.Instance `json:"instances"`
	Count       int             `json:"count"`
	LastUpdated string          `json:"lastUpdated"`
}

// OperationResponse is the aggregated state of one operation.
type OperationResponse struct {
	Kind     oplog.Kind  `json:"kind"`
	Instance string      `json:"instance"`
	Running  bool        `json:"running"`
	State    oplog.State `json:"state"`
}

// OperationSummary is a compact view of a tracked operation.
type OperationSummary struct {
	Kind      oplog.Kind `json:"kind"`
	Instance  string     `json:"instance"`
	IsLoading bool       `json:"isLoading"`
	IsSuccess *bool      `json:"isSuccess"`
	Failed    bool       `json:"failed"`
}

// OperationsResponse lists running processes and tracked operations.
type OperationsResponse struct {
	Running []lima.RunningOperation `json:"running"`
	Tracked []OperationSummary      `json:"tracked"`
}

// InstanceHandler handles instance and operation endpoints.
type InstanceHandler struct {
	operator Operator
	cache    *opcache.Cache
	lister   Lister
}

// NewInstanceHandler creates a handler.
func NewInstanceHandler(operator Operator, cache *opcache.Cache, lister Lister) *InstanceHandler {
	return &InstanceHandler{
		operator: operator,
		cache:    cache,
		lister:   lister,
	}
}

// TriggerOperation handles POST /api/v1/instances/:name/:kind.
func (h *InstanceHandler) TriggerOperation(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}

	// A new run of a finished operation starts from a clean transcript.
	if h.cache.Get(key).Terminal() {
		h.cache.Reset(key)
	}
	// Fold from the first event even if no view is open yet.
	if err := h.cache.Track(key); err != nil {
		common.WriteErrorResponse(w, common.StatusValidationError, "%v", err)
		return
	}

	if err := h.operator.Trigger(r.Context(), key.Kind, key.Resource); err != nil {
		slog.Warn("Failed to trigger operation",
			slog.String("operation", key.String()),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, lima.ErrOperationRunning) {
			common.WriteErrorResponse(w, common.StatusConflict, "%v", err)
			return
		}
		// Nothing will ever be emitted for this run.
		h.cache.Reset(key)
		switch {
		case errors.Is(err, lima.ErrInvalidName):
			common.WriteErrorResponse(w, common.StatusValidationError, "%v", err)
		default:
			common.WriteErrorResponse(w, common.StatusOperationError, "Failed to start %s: %v", key, err)
		}
		return
	}

	common.WriteSuccessResponse(w, TriggerResponse{
		Operation: key.String(),
		Kind:      key.Kind,
		Instance:  key.Resource,
	})
}

// ListInstances handles GET /api/v1/instances.
func (h *InstanceHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	instances, lastUpdated := h.lister.Instances(r.Context())

	common.WriteSuccessResponse(w, InstancesResponse{
		Instances:   instances,
		Count:       len(instances),
		LastUpdated: lastUpdated.Truncate(time.Second).Format(time.RFC3339),
	})
}

// GetOperation handles GET /api/v1/operations/:kind/:name.
func (h *InstanceHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}

	common.WriteSuccessResponse(w, OperationResponse{
		Kind:     key.Kind,
		Instance: key.Resource,
		Running:  h.isRunning(key),
		State:    h.cache.Get(key),
	})
}

// ResetOperation handles POST /api/v1/operations/:kind/:name/reset.
func (h *InstanceHandler) ResetOperation(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}

	h.cache.Reset(key)
	common.WriteSuccessResponse(w, OperationResponse{
		Kind:     key.Kind,
		Instance: key.Resource,
		Running:  h.isRunning(key),
		State:    h.cache.Get(key),
	})
}

// ListOperations handles GET /api/v1/operations.
func (h *InstanceHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	keys := h.cache.Keys()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	tracked := make([]OperationSummary, 0, len(keys))
	for _, key := range keys {
		state := h.cache.Get(key)
		tracked = append(tracked, OperationSummary{
			Kind:      key.Kind,
			Instance:  key.Resource,
			IsLoading: state.IsLoading,
			IsSuccess: state.IsSuccess,
			Failed:    state.Failed(),
		})
	}

	common.WriteSuccessResponse(w, OperationsResponse{
		Running: h.operator.Running(),
		Tracked: tracked,
	})
}

func (h *InstanceHandler) isRunning(key oplog.Key) bool {
	for _, op := range h.operator.Running() {
		if op.Kind == key.Kind && op.Instance == key.Resource {
			return true
		}
	}
	return false
}

func parseKey(w http.ResponseWriter, r *http.Request) (oplog.Key, bool) {
	kind, err := oplog.ParseKind(router.Param(r, "kind"))
	if err != nil {
		common.WriteErrorResponse(w, common.StatusValidationError, "%v", err)
		return oplog.Key{}, false
	}

	name := router.Param(r, "name")
	if err := lima.ValidateName(name); err != nil {
		common.WriteErrorResponse(w, common.StatusValidationError, "%v", err)
		return oplog.Key{}, false
	}

	return oplog.Key{Kind: kind, Resource: name}, true
}
