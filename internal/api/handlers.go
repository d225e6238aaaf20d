package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/solarflow/solarflow/internal/loader"
	"github.com/solarflow/solarflow/internal/models"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"flows":  len(s.registry.Active()),
	})
}

func (s *Server) handleListFlows(c *gin.Context) {
	flows, err := s.store.ListFlows()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	summaries := make([]gin.H, 0, len(flows))
	for _, f := range flows {
		summaries = append(summaries, gin.H{
			"name":             f.Name,
			"friendly_name":    f.FriendlyName,
			"description":      f.Description,
			"trigger_keywords": f.TriggerKeywords,
			"priority":         f.Priority,
			"active":           f.Active,
			"steps":            len(f.Steps),
		})
	}
	c.JSON(http.StatusOK, gin.H{"flows": summaries})
}

func (s *Server) handleGetFlow(c *gin.Context) {
	f, err := s.store.GetFlow(c.Param("name"))
	if err != nil {
		if errors.Is(err, models.ErrFlowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, f)
}

// handleCreateFlow accepts a YAML (or JSON) flow definition body, validates
// it, persists it, and swaps the registry to the stored flow set.
func (s *Server) handleCreateFlow(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	f, err := loader.Parse(raw)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.SaveFlow(*f); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.reloadRegistry(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	slog.Info("Flow definition saved via API", "flow", f.Name)
	c.JSON(http.StatusCreated, gin.H{"message": "flow saved", "flow": f.Name})
}

func (s *Server) handleReloadFlows(c *gin.Context) {
	if err := s.loader.Sync(s.registry, s.cfg.FlowsDir); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "flows reloaded", "active": len(s.registry.Active())})
}

func (s *Server) reloadRegistry() error {
	flows, err := s.store.ListFlows()
	if err != nil {
		return err
	}
	return s.registry.Load(flows)
}

// handleGetState returns a contact's durable flow state. The id may be a
// contact id or a phone number.
func (s *Server) handleGetState(c *gin.Context) {
	contact, ok := s.resolveContact(c)
	if !ok {
		return
	}
	state, err := s.store.GetFlowState(contact.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if state == nil {
		c.JSON(http.StatusOK, gin.H{"contact": contact, "idle": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contact": contact, "idle": state.Idle(), "state": state})
}

func (s *Server) handleResetState(c *gin.Context) {
	contact, ok := s.resolveContact(c)
	if !ok {
		return
	}
	if err := s.store.DeleteFlowState(contact.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	slog.Info("Contact flow state reset via API", "contactID", contact.ID)
	c.JSON(http.StatusOK, gin.H{"message": "state reset", "contact_id": contact.ID})
}

func (s *Server) resolveContact(c *gin.Context) (*models.Contact, bool) {
	id := c.Param("id")
	contact, err := s.store.GetContact(id)
	if err == nil {
		return contact, true
	}
	// Fall back to phone lookup for operator convenience.
	if phone, perr := s.service.ValidateAndCanonicalizeRecipient(id); perr == nil {
		if contact, err = s.store.GetOrCreateContact(phone); err == nil {
			return contact, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "contact not found"})
	return nil, false
}

// handleListRecords lists CRM records of one model. Query parameters other
// than limit become equality filters.
func (s *Server) handleListRecords(c *gin.Context) {
	limit := 0
	filters := make(map[string]string)
	for key, values := range c.Request.URL.Query() {
		if len(values) == 0 {
			continue
		}
		if key == "limit" {
			n, err := strconv.Atoi(values[0])
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = n
			continue
		}
		filters[key] = values[0]
	}
	records, err := s.store.QueryModel(c.Param("model"), filters, limit)
	if err != nil {
		if errors.Is(err, models.ErrUnknownModel) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"model": c.Param("model"), "count": len(records), "records": records})
}

type sendRequest struct {
	To   string `json:"to" binding:"required"`
	Body string `json:"body" binding:"required"`
}

// handleSend sends a manual operator message outside any flow.
func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.service.Send(c.Request.Context(), models.Outbound{To: req.To, Body: req.Body}); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "sent", "to": req.To})
}

// handleTwilioWebhook converts a Twilio inbound form post into the neutral
// inbound message shape and feeds it to the dispatcher via the Twilio service.
func (s *Server) handleTwilioWebhook(c *gin.Context) {
	from := strings.TrimPrefix(c.PostForm("From"), "whatsapp:")
	body := c.PostForm("Body")
	if from == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing From"})
		return
	}

	msg := models.Message{From: from, Type: models.MessageTypeText, Body: body}
	if lat, lng := c.PostForm("Latitude"), c.PostForm("Longitude"); lat != "" && lng != "" {
		latF, latErr := strconv.ParseFloat(lat, 64)
		lngF, lngErr := strconv.ParseFloat(lng, 64)
		if latErr == nil && lngErr == nil {
			msg.Type = models.MessageTypeLocation
			msg.Latitude = latF
			msg.Longitude = lngF
		}
	}

	if err := s.twilio.PushInbound(msg); err != nil {
		slog.Error("Twilio webhook push failed", "error", err, "from", from)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	// Twilio expects TwiML; an empty response suppresses any auto-reply.
	c.Data(http.StatusOK, "text/xml", []byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))
}
