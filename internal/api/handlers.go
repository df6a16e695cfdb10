package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"luxelink/server/internal/ingest"
	"luxelink/server/internal/models"
	"luxelink/server/internal/scheduler"
)

const maxListingLimit = 1000

// Store is the read side of the store used by the API.
type Store interface {
	Ping(ctx context.Context) error
	ListAgents(ctx context.Context) ([]models.Agent, error)
	ListListings(ctx context.Context, f models.ListingFilter) ([]models.Listing, error)
	GetListing(ctx context.Context, key models.ListingKey) (*models.Listing, error)
}

// Cycles controls scan cycles.
type Cycles interface {
	TriggerAsync() error
	Running() bool
	LastSummary() (ingest.Summary, bool)
}

type Handler struct {
	store  Store
	cycles Cycles
	logger *logrus.Logger
}

func NewHandler(s Store, cycles Cycles, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Handler{store: s, cycles: cycles, logger: logger}
}

func (h *Handler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.WithError(err).Error("Health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "Database unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "cycle_running": h.cycles.Running()})
}

func (h *Handler) GetAgents(c *gin.Context) {
	agents, err := h.store.ListAgents(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get agents")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get agents"})
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	c.JSON(http.StatusOK, agents)
}

func (h *Handler) GetListings(c *gin.Context) {
	filter := models.ListingFilter{AgentID: c.Query("agent")}

	if v := c.Query("alerted"); v != "" {
		alerted, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "alerted must be true or false"})
			return
		}
		filter.Alerted = &alerted
	}

	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = min(limit, maxListingLimit)
	}

	listings, err := h.store.ListListings(c.Request.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get listings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get listings"})
		return
	}
	if listings == nil {
		listings = []models.Listing{}
	}
	c.JSON(http.StatusOK, listings)
}

// GetListing serves /listings/:source/*external_id. External ids may contain
// slashes, e.g. when a source uses listing URLs as ids.
func (h *Handler) GetListing(c *gin.Context) {
	key := models.ListingKey{
		Source:     c.Param("source"),
		ExternalID: strings.TrimPrefix(c.Param("external_id"), "/"),
	}
	if key.ExternalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "external id is required"})
		return
	}
	listing, err := h.store.GetListing(c.Request.Context(), key)
	if err != nil {
		h.logger.WithError(err).WithField("listing", key.String()).Error("Failed to get listing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get listing"})
		return
	}
	if listing == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
		return
	}
	c.JSON(http.StatusOK, listing)
}

func (h *Handler) GetLastCycle(c *gin.Context) {
	sum, ok := h.cycles.LastSummary()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No scan cycle has finished yet"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) TriggerScan(c *gin.Context) {
	if err := h.cycles.TriggerAsync(); err != nil {
		if errors.Is(err, scheduler.ErrCycleRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": "A scan cycle is already running"})
			return
		}
		h.logger.WithError(err).Error("Failed to trigger scan")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to trigger scan"})
		return
	}
	h.logger.Info("Manual scan triggered")
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
