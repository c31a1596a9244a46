// Package webhook receives CRM deal events and records the assignment and
// contact facts the rules read later.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/crm_auditor/bitrix"
	"bitbucket.org/mmdatafocus/crm_auditor/config"
	"bitbucket.org/mmdatafocus/crm_auditor/metrics"
	"bitbucket.org/mmdatafocus/crm_auditor/models"
	"bitbucket.org/mmdatafocus/crm_auditor/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	EventDealAdd    = "ONCRMDEALADD"
	EventDealUpdate = "ONCRMDEALUPDATE"

	tokenKey  = "auth[application_token]"
	eventKey  = "event"
	dealIDKey = "data[FIELDS][ID]"
)

// FactWriter is the write side of models.Store.
type FactWriter interface {
	RecordAssignmentDivergence(ctx context.Context, dealID int, fixedTime time.Time) (bool, error)
	HasAssignmentDivergence(ctx context.Context, dealID int) (bool, error)
	RecordDealSnapshot(ctx context.Context, snap models.DealSnapshot) (bool, error)
	FindDealSnapshot(ctx context.Context, dealID int) (*models.DealSnapshot, error)
	UpdateSnapshotContact(ctx context.Context, dealID int, contactID int) error
}

type Handler struct {
	facts FactWriter
	crm   bitrix.Caller
	token string
	loc   *time.Location
	now   func() time.Time
}

func NewHandler(facts FactWriter, crm bitrix.Caller, token string, loc *time.Location) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{facts: facts, crm: crm, token: token, loc: loc, now: time.Now}
}

// WithClock replaces the wall clock used for fixed and created times.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// DealEvents handles POST /webhook.
func (h *Handler) DealEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger().WithFields(utils.LogFields(c.Request.Context()))

		fields, err := readPayload(c)
		if err != nil {
			logger.WithError(err).Warn("unreadable webhook payload")
			metrics.WebhookEvents.WithLabelValues("", strconv.Itoa(http.StatusBadRequest)).Inc()
			c.JSON(http.StatusBadRequest, gin.H{"status": "unsupported content type"})
			return
		}

		event := fields[eventKey]
		if !h.authorized(fields[tokenKey]) {
			logger.WithField("event", event).Warn("webhook rejected: invalid application token")
			metrics.WebhookEvents.WithLabelValues(event, strconv.Itoa(http.StatusForbidden)).Inc()
			c.JSON(http.StatusForbidden, gin.H{"status": "forbidden", "error": "Invalid application token"})
			return
		}

		ctx := utils.SetEventInContext(c.Request.Context(), event)
		logger = logger.WithFields(utils.LogFields(ctx))

		status := http.StatusOK
		switch event {
		case EventDealAdd, EventDealUpdate:
			dealID, convErr := strconv.Atoi(strings.TrimSpace(fields[dealIDKey]))
			if convErr != nil || dealID <= 0 {
				logger.WithField("deal_id", fields[dealIDKey]).Warn("webhook without a usable deal id")
				status = http.StatusBadRequest
				break
			}
			if err := h.handleDeal(ctx, event, dealID); err != nil {
				config.LogError(config.GetLogger(), "webhook", "DealEvents", event, map[string]any{"deal_id": dealID}, err)
				status = http.StatusInternalServerError
			}
		default:
			logger.Debug("ignoring webhook event")
		}

		metrics.WebhookEvents.WithLabelValues(event, strconv.Itoa(status)).Inc()
		switch status {
		case http.StatusOK:
			c.JSON(status, gin.H{"status": "ok"})
		case http.StatusBadRequest:
			c.JSON(status, gin.H{"status": "bad request", "error": "missing deal id"})
		default:
			c.JSON(status, gin.H{"status": "error"})
		}
	}
}

func (h *Handler) authorized(got string) bool {
	if h.token == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

// handleDeal returns only storage errors. A deal the CRM cannot return is
// logged and leaves the facts untouched.
func (h *Handler) handleDeal(ctx context.Context, event string, dealID int) error {
	logger := config.GetLogger().WithFields(utils.LogFields(ctx)).WithField("deal_id", dealID)

	deal, err := bitrix.Get[bitrix.Deal](ctx, h.crm, "crm.deal.get", dealID)
	if err != nil {
		logger.WithError(err).Warn("deal fetch failed; event ignored")
		return nil
	}
	if deal == nil {
		logger.Warn("deal not found; event ignored")
		return nil
	}

	now := h.now().In(h.loc)
	if event == EventDealAdd {
		return h.dealAdded(ctx, logger, dealID, deal, now)
	}
	return h.dealUpdated(ctx, logger, dealID, deal, now)
}

func (h *Handler) dealAdded(ctx context.Context, logger *logrus.Entry, dealID int, deal *bitrix.Deal, now time.Time) error {
	if !deal.AssignedByID.Valid || !deal.CreatedByID.Valid {
		return nil
	}
	if deal.AssignedByID.ID != deal.CreatedByID.ID {
		created, err := h.facts.RecordAssignmentDivergence(ctx, dealID, now)
		if err != nil {
			return err
		}
		logger.WithField("created", created).Info("assignment divergence recorded")
	}
	created, err := h.facts.RecordDealSnapshot(ctx, models.DealSnapshot{
		DealID:      dealID,
		ContactID:   deal.ContactID.Ptr(),
		CreatedTime: now,
	})
	if err != nil {
		return err
	}
	logger.WithField("created", created).Info("deal snapshot recorded")
	return nil
}

func (h *Handler) dealUpdated(ctx context.Context, logger *logrus.Entry, dealID int, deal *bitrix.Deal, now time.Time) error {
	var snap *models.DealSnapshot
	loaded := false
	loadSnapshot := func() error {
		if loaded {
			return nil
		}
		var err error
		snap, err = h.facts.FindDealSnapshot(ctx, dealID)
		loaded = err == nil
		return err
	}

	if deal.AssignedByID.Valid && deal.CreatedByID.Valid && deal.AssignedByID.ID != deal.CreatedByID.ID {
		if err := loadSnapshot(); err != nil {
			return err
		}
		if snap != nil {
			exists, err := h.facts.HasAssignmentDivergence(ctx, dealID)
			if err != nil {
				return err
			}
			if !exists {
				if _, err := h.facts.RecordAssignmentDivergence(ctx, dealID, now); err != nil {
					return err
				}
				logger.Info("assignment divergence recorded after reassignment")
			}
		}
	}

	if deal.ContactID.Valid {
		if err := loadSnapshot(); err != nil {
			return err
		}
		if snap != nil && (snap.ContactID == nil || *snap.ContactID != deal.ContactID.ID) {
			if err := h.facts.UpdateSnapshotContact(ctx, dealID, deal.ContactID.ID); err != nil {
				return err
			}
			logger.WithField("contact_id", deal.ContactID.ID).Info("snapshot contact updated")
		}
	}
	return nil
}

// readPayload returns the event as flat bracketed keys, the shape the CRM
// uses for form posts. Nested JSON objects are flattened to the same keys.
func readPayload(c *gin.Context) (map[string]string, error) {
	switch c.ContentType() {
	case gin.MIMEJSON:
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return nil, err
		}
		var raw map[string]any
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("decode json payload: %w", err)
		}
		out := map[string]string{}
		flatten("", raw, out)
		return out, nil
	case gin.MIMEPOSTForm:
		if err := c.Request.ParseForm(); err != nil {
			return nil, fmt.Errorf("parse form payload: %w", err)
		}
		out := make(map[string]string, len(c.Request.PostForm))
		for k := range c.Request.PostForm {
			out[k] = c.Request.PostForm.Get(k)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported content type %q", c.ContentType())
}

func flatten(prefix string, v any, out map[string]string) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			key := k
			if prefix != "" {
				key = prefix + "[" + k + "]"
			}
			flatten(key, child, out)
		}
	case []any:
		for i, child := range t {
			flatten(fmt.Sprintf("%s[%d]", prefix, i), child, out)
		}
	case string:
		out[prefix] = t
	case float64:
		out[prefix] = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		out[prefix] = strconv.FormatBool(t)
	case nil:
	default:
		out[prefix] = fmt.Sprint(t)
	}
}
