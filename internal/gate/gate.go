// Package gate enforces branch write freezes at the HTTP boundary. Mutating
// requests on guarded routes are checked against the lock manager before the
// handler runs; reads always pass.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ludia8888/warden/internal/core/domain"
	"github.com/ludia8888/warden/internal/infra/metrics"
)

// decisionKey is the context key the gate stores its decision under.
// Using a prefixed key prevents collisions with other middleware.
const decisionKey = "warden_write_decision"

// DefaultBranchHeader is the fallback header carrying the target branch when
// the route has no branch path parameter.
const DefaultBranchHeader = "X-Branch"

// DefaultFailClosedRetryAfter is suggested to callers rejected because the
// lock authority itself was unreachable.
const DefaultFailClosedRetryAfter = 5 * time.Second

// PermissionChecker is the slice of the lock manager the gate needs.
type PermissionChecker interface {
	CheckWritePermission(ctx context.Context, branch, resourceType string) (domain.WriteDecision, error)
}

// Config tunes the gate middleware.
type Config struct {
	BranchHeader         string        `yaml:"branch_header"`
	FailClosedRetryAfter time.Duration `yaml:"fail_closed_retry_after"`
}

// Middleware returns the schema-freeze gate. Attach it to any route group
// whose mutations must respect branch locks.
//
// The target branch is taken from the :branch path parameter, then the
// configured branch header, then the branch query parameter. A mutating
// request that names no branch at all is rejected as a bad request.
//
// When the lock manager cannot answer, the gate fails closed: better to
// refuse a write than to corrupt a frozen branch.
func Middleware(checker PermissionChecker, cfg Config, logger *slog.Logger) gin.HandlerFunc {
	header := cfg.BranchHeader
	if header == "" {
		header = DefaultBranchHeader
	}
	failRetry := cfg.FailClosedRetryAfter
	if failRetry <= 0 {
		failRetry = DefaultFailClosedRetryAfter
	}
	log := logger.With("component", "gate")

	return func(c *gin.Context) {
		if !mutating(c.Request.Method) {
			c.Next()
			return
		}

		start := time.Now()
		branch := branchOf(c, header)
		if branch == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "branch_required",
				"message": fmt.Sprintf("no branch in path, %s header, or branch query parameter", header),
			})
			return
		}
		resourceType := resourceTypeOf(resourceSegment(c.Request.URL.Path, c.Param("branch")))

		decision, err := checker.CheckWritePermission(c.Request.Context(), branch, resourceType)
		if err != nil {
			observe("failed_closed", start)
			log.Error("lock authority unreachable, refusing write",
				"severity", "critical",
				"branch", branch,
				"resource_type", resourceType,
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"error", err)
			retry := int64(failRetry / time.Second)
			c.Header("Retry-After", strconv.FormatInt(retry, 10))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":       "lock_authority_unavailable",
				"message":     "write protection cannot be verified, refusing the write",
				"retry_after": retry,
			})
			return
		}

		if decision.Allowed {
			observe("allowed", start)
			c.Set(decisionKey, decision)
			c.Next()
			return
		}

		observe("denied", start)
		log.Info("write denied by branch lock",
			"branch", branch,
			"resource_type", resourceType,
			"reason", decision.Reason,
			"retry_after", decision.RetryAfter)
		respondLocked(c, decision)
	}
}

// Decision returns the write decision the gate stored for this request, if
// the gate ran and allowed it.
func Decision(c *gin.Context) (domain.WriteDecision, bool) {
	v, ok := c.Get(decisionKey)
	if !ok {
		return domain.WriteDecision{}, false
	}
	decision, ok := v.(domain.WriteDecision)
	return decision, ok
}

func observe(outcome string, start time.Time) {
	metrics.GateDecisionsTotal.WithLabelValues(outcome).Inc()
	metrics.GateEvaluationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func branchOf(c *gin.Context, header string) string {
	if branch := c.Param("branch"); branch != "" {
		return branch
	}
	if branch := c.GetHeader(header); branch != "" {
		return branch
	}
	return c.Query("branch")
}

// resourceSegment returns the path segment naming the resource family: the
// first segment after "schemas" and, when the branch rode in on the path,
// after the branch segment too.
func resourceSegment(path, pathBranch string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segs {
		if seg != "schemas" {
			continue
		}
		rest := segs[i+1:]
		if pathBranch != "" && len(rest) > 0 && rest[0] == pathBranch {
			rest = rest[1:]
		}
		if len(rest) > 0 {
			return rest[0]
		}
		return ""
	}
	return ""
}

var resourceTypes = map[string]string{
	"object-types": "object_type",
	"link-types":   "link_type",
	"action-types": "action_type",
	"interfaces":   "interface",
}

func resourceTypeOf(segment string) string {
	if segment == "" {
		return ""
	}
	if rt, ok := resourceTypes[segment]; ok {
		return rt
	}
	return strings.ReplaceAll(segment, "-", "_")
}

func respondLocked(c *gin.Context, decision domain.WriteDecision) {
	retry := int64(decision.RetryAfter / time.Second)
	lockScope := ""
	if decision.Lock != nil {
		lockScope = string(decision.Lock.Scope)
	}

	target := fmt.Sprintf("branch %q", decision.Branch)
	if decision.OtherResourcesAvailable && decision.ResourceType != "" {
		target = fmt.Sprintf("%s on branch %q", decision.ResourceType, decision.Branch)
	}

	body := gin.H{
		"error":                     "branch_locked",
		"message":                   fmt.Sprintf("writes to %s are blocked", target),
		"reason":                    decision.Reason,
		"branch":                    decision.Branch,
		"resource_type":             decision.ResourceType,
		"lock_scope":                lockScope,
		"other_resources_available": decision.OtherResourcesAvailable,
		"retry_after":               retry,
		"alternative_actions":       alternativeActions(decision, retry),
	}
	if lock := decision.Lock; lock != nil {
		if lock.ProgressPercent != nil {
			body["progress_percent"] = *lock.ProgressPercent
		}
		if lock.ETASeconds != nil {
			body["eta_seconds"] = *lock.ETASeconds
		}
	}

	c.Header("Retry-After", strconv.FormatInt(retry, 10))
	c.AbortWithStatusJSON(http.StatusLocked, body)
}

func alternativeActions(decision domain.WriteDecision, retrySeconds int64) []string {
	actions := []string{
		"switch to another branch for this change",
		fmt.Sprintf("retry after %d seconds", retrySeconds),
	}
	if decision.Lock != nil && decision.Lock.CreatedBy != "" {
		actions = append(actions, fmt.Sprintf("contact %s, who holds the lock", decision.Lock.CreatedBy))
	}
	if decision.OtherResourcesAvailable && decision.ResourceType != "" {
		actions = append(actions,
			fmt.Sprintf("resource types other than %s remain writable on branch %q",
				decision.ResourceType, decision.Branch))
	}
	return actions
}
