package queue

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/hospital-opd/internal/common"
)

// Inspector is the part of *asynq.Inspector the admin endpoints use.
type Inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	RunTask(queue, id string) error
}

// AdminHandler exposes the archived (dead letter) reconcile tasks and queue
// statistics.
type AdminHandler struct {
	Inspector Inspector
	Queue     string
	PageSize  int
	Logger    zerolog.Logger
}

// ListDLQ returns archived tasks with pagination.
func (h *AdminHandler) ListDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Inspector == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue inspector unavailable", nil)
		return
	}
	size, page := parsePagination(r, h.pageSize())
	tasks, err := h.Inspector.ListArchivedTasks(h.queue(), asynq.PageSize(size), asynq.Page(page))
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	items := make([]dlqItem, 0, len(tasks))
	for _, t := range tasks {
		item := dlqItem{
			ID:           t.ID,
			Type:         t.Type,
			Retried:      t.Retried,
			MaxRetry:     t.MaxRetry,
			LastError:    t.LastErr,
			LastFailedAt: t.LastFailedAt,
		}
		if t.Type == TypeReconcile {
			var p ReconcilePayload
			if err := json.Unmarshal(t.Payload, &p); err == nil {
				item.MerchantTransactionID = p.MerchantTransactionID
				item.FlowID = p.FlowID
			}
		}
		items = append(items, item)
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"queue": h.queue(),
		"page":  page,
	})
}

// ReplayDLQ moves archived tasks back to pending by id.
func (h *AdminHandler) ReplayDLQ(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Inspector == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue inspector unavailable", nil)
		return
	}
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	ids := uniqueStrings(req.IDs)
	if len(ids) == 0 {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "ids required", nil)
		return
	}
	replayed := make([]string, 0, len(ids))
	failed := make(map[string]string)
	for _, id := range ids {
		if err := h.Inspector.RunTask(h.queue(), id); err != nil {
			failed[id] = err.Error()
			continue
		}
		replayed = append(replayed, id)
	}
	h.Logger.Info().Int("replayed", len(replayed)).Int("failed", len(failed)).Msg("dlq_replay")
	h.updateDepthMetric()

	resp := map[string]any{
		"replayed": replayed,
	}
	if len(failed) > 0 {
		resp["failed"] = failed
	}
	common.JSON(w, http.StatusOK, resp)
}

// Stats returns the queue's task counts per state.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Inspector == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "queue inspector unavailable", nil)
		return
	}
	info, err := h.Inspector.GetQueueInfo(h.queue())
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	setDepth(info)
	common.JSON(w, http.StatusOK, map[string]any{
		"queue":      info.Queue,
		"pending":    info.Pending,
		"active":     info.Active,
		"scheduled":  info.Scheduled,
		"retry":      info.Retry,
		"archived":   info.Archived,
		"processed":  info.Processed,
		"failed":     info.Failed,
		"latency_ms": info.Latency.Milliseconds(),
		"paused":     info.Paused,
	})
}

func (h *AdminHandler) updateDepthMetric() {
	info, err := h.Inspector.GetQueueInfo(h.queue())
	if err != nil {
		return
	}
	setDepth(info)
}

func setDepth(info *asynq.QueueInfo) {
	QueueDepth.WithLabelValues(info.Queue, "pending").Set(float64(info.Pending))
	QueueDepth.WithLabelValues(info.Queue, "scheduled").Set(float64(info.Scheduled))
	QueueDepth.WithLabelValues(info.Queue, "retry").Set(float64(info.Retry))
	QueueDepth.WithLabelValues(info.Queue, "archived").Set(float64(info.Archived))
}

func (h *AdminHandler) queue() string {
	if h.Queue == "" {
		return QueueReconcile
	}
	return h.Queue
}

func (h *AdminHandler) pageSize() int {
	if h.PageSize <= 0 {
		return 50
	}
	return h.PageSize
}

// parsePagination reads limit and a 1-based page.
func parsePagination(r *http.Request, defaultLimit int) (limit, page int) {
	limit = defaultLimit
	page = 1
	if limit <= 0 {
		limit = 50
	}
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("page")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 1 {
			page = parsed
		}
	}
	return
}

func uniqueStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

type dlqItem struct {
	ID                    string    `json:"id"`
	Type                  string    `json:"type"`
	MerchantTransactionID string    `json:"merchantTransactionId,omitempty"`
	FlowID                string    `json:"flowId,omitempty"`
	Retried               int       `json:"retried"`
	MaxRetry              int       `json:"maxRetry"`
	LastError             string    `json:"lastError,omitempty"`
	LastFailedAt          time.Time `json:"lastFailedAt"`
}

type replayRequest struct {
	IDs []string `json:"ids"`
}
