package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ludia8888/warden/internal/core/domain"
	"github.com/ludia8888/warden/internal/core/fault"
	"github.com/ludia8888/warden/internal/gate"
	"github.com/ludia8888/warden/internal/locks"
)

type handlers struct {
	manager *locks.Manager
}

// lockResponse is the wire shape of a lock.
type lockResponse struct {
	ID              string     `json:"id"`
	Branch          string     `json:"branch"`
	Scope           string     `json:"scope"`
	ResourceType    *string    `json:"resource_type,omitempty"`
	Resource        *string    `json:"resource,omitempty"`
	Kind            string     `json:"kind"`
	Message         string     `json:"message,omitempty"`
	Active          bool       `json:"active"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	ProgressPercent *float64   `json:"progress_percent,omitempty"`
	ETASeconds      *int64     `json:"eta_seconds,omitempty"`
	CreatedBy       string     `json:"created_by,omitempty"`
	ReleasedBy      *string    `json:"released_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func toLockResponse(l domain.Lock) lockResponse {
	return lockResponse{
		ID:              l.ID.String(),
		Branch:          l.BranchID,
		Scope:           string(l.Scope),
		ResourceType:    l.ResourceType,
		Resource:        l.Resource,
		Kind:            string(l.Kind),
		Message:         l.Message,
		Active:          l.Active,
		ExpiresAt:       l.ExpiresAt,
		ProgressPercent: l.ProgressPercent,
		ETASeconds:      l.ETASeconds,
		CreatedBy:       l.CreatedBy,
		ReleasedBy:      l.ReleasedBy,
		CreatedAt:       l.CreatedAt,
		UpdatedAt:       l.UpdatedAt,
	}
}

func toLockResponses(in []domain.Lock) []lockResponse {
	out := make([]lockResponse, len(in))
	for i, l := range in {
		out[i] = toLockResponse(l)
	}
	return out
}

// respondError maps an error kind onto an HTTP status.
func respondError(c *gin.Context, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.Invalid:
		status = http.StatusBadRequest
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.Conflict:
		status = http.StatusConflict
	case fault.Unauthorized:
		status = http.StatusUnauthorized
	case fault.Timeout, fault.Unavailable, fault.RateLimited, fault.Transient, fault.Exhausted:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"error":   kind.String(),
		"message": err.Error(),
	})
}

// readSchema stands in for the schema read path; reads never hit the gate.
func (h *handlers) readSchema(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"branch": c.Param("branch"),
		"path":   c.Param("rest"),
	})
}

// writeSchema stands in for the schema write path. Reaching it means the
// gate allowed the mutation; the stashed decision says what was checked.
func (h *handlers) writeSchema(c *gin.Context) {
	decision, _ := gate.Decision(c)
	c.JSON(http.StatusOK, gin.H{
		"status":        "accepted",
		"branch":        decision.Branch,
		"resource_type": decision.ResourceType,
	})
}

func (h *handlers) branchState(c *gin.Context) {
	branch := c.Param("branch")
	state, active, err := h.manager.GetBranchState(c.Request.Context(), branch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"branch": branch,
		"state":  state,
		"locks":  toLockResponses(active),
	})
}

type createLockRequest struct {
	Branch       string `json:"branch"`
	Scope        string `json:"scope"`
	ResourceType string `json:"resource_type"`
	Resource     string `json:"resource"`
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	TTLSeconds   int64  `json:"ttl_seconds"`
	ETASeconds   int64  `json:"eta_seconds"`
	CreatedBy    string `json:"created_by"`
}

func (h *handlers) createLock(c *gin.Context) {
	var req createLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid", "message": err.Error()})
		return
	}

	lock, err := h.manager.CreateLock(c.Request.Context(), locks.CreateLockInput{
		Branch:       req.Branch,
		Scope:        domain.LockScope(req.Scope),
		ResourceType: req.ResourceType,
		Resource:     req.Resource,
		Kind:         domain.LockKind(req.Kind),
		Message:      req.Message,
		TTL:          time.Duration(req.TTLSeconds) * time.Second,
		ETASeconds:   req.ETASeconds,
		CreatedBy:    req.CreatedBy,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toLockResponse(lock))
}

func (h *handlers) listLocks(c *gin.Context) {
	includeInactive := c.Query("include_inactive") == "true"
	found, err := h.manager.ListLocks(c.Request.Context(), c.Query("branch"), includeInactive)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"locks": toLockResponses(found),
		"count": len(found),
	})
}

// lockID parses the :id path parameter, answering the request itself when the
// value is not a UUID.
func lockID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid", "message": "id must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *handlers) getLock(c *gin.Context) {
	id, ok := lockID(c)
	if !ok {
		return
	}
	lock, err := h.manager.GetLock(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toLockResponse(lock))
}

func (h *handlers) deactivateLock(c *gin.Context) {
	id, ok := lockID(c)
	if !ok {
		return
	}
	by := c.Query("released_by")
	if by == "" {
		by = "admin"
	}
	if err := h.manager.DeactivateLock(c.Request.Context(), id, by); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "released", "id": id.String()})
}

type updateProgressRequest struct {
	ProgressPercent float64 `json:"progress_percent"`
	ETASeconds      int64   `json:"eta_seconds"`
}

func (h *handlers) updateProgress(c *gin.Context) {
	id, ok := lockID(c)
	if !ok {
		return
	}
	var req updateProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid", "message": err.Error()})
		return
	}
	lock, err := h.manager.UpdateProgress(c.Request.Context(), id, req.ProgressPercent, req.ETASeconds)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toLockResponse(lock))
}
