// Package handlers exposes the signed admin REST API: event publication,
// channel and user metrics, and connection termination.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"wavehub/internal/apps"
	"wavehub/internal/broker"
	"wavehub/internal/bus"
	"wavehub/internal/channel"
	"wavehub/internal/dispatch"
	"wavehub/pkg/api/common"
	"wavehub/pkg/logging"
)

const (
	maxBatchSize   = 10
	requestTimeout = 5 * time.Second
)

// Scaler is the bus facility the metrics endpoints consult for peer counts.
// Nil when scaling is disabled.
type Scaler interface {
	Healthy() bool
	QueryRemote(ctx context.Context, q bus.MetricsQuery) bus.MetricsData
}

type Handler struct {
	broker *broker.Broker
	scaler Scaler
	logger logging.Logger
}

func NewHandler(b *broker.Broker, scaler Scaler, logger logging.Logger) *Handler {
	return &Handler{broker: b, scaler: scaler, logger: logger}
}

// Register mounts the admin API on the router.
func (h *Handler) Register(router *gin.Engine) {
	router.GET("/up", h.Up)

	api := router.Group("/apps/:appId")
	api.Use(h.timeoutMiddleware())
	api.Use(h.appMiddleware())
	api.Use(h.scalingMiddleware())
	{
		api.POST("/events", h.PostEvents)
		api.POST("/batch_events", h.PostBatchEvents)
		api.GET("/channels", h.GetChannels)
		api.GET("/channels/:channel", h.GetChannel)
		api.GET("/channels/:channel/users", h.GetChannelUsers)
		api.GET("/connections", h.GetConnections)
		api.POST("/users/:userId/terminate_connections", h.TerminateUserConnections)
	}
}

// Up is the unauthenticated health probe.
func (h *Handler) Up(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"health": "OK"})
}

func (h *Handler) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (h *Handler) scalingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.scaler != nil && !h.scaler.Healthy() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable,
				common.ErrorResponse{Message: "Scaling backend unavailable"})
			return
		}
		c.Next()
	}
}

type eventBody struct {
	Name     string   `json:"name"`
	Data     string   `json:"data"`
	Channels []string `json:"channels,omitempty"`
	Channel  string   `json:"channel,omitempty"`
	SocketID string   `json:"socket_id,omitempty"`
	Info     string   `json:"info,omitempty"`
}

func (b eventBody) validate() map[string][]string {
	errs := make(map[string][]string)
	if b.Name == "" {
		errs["name"] = append(errs["name"], "The name field is required.")
	}
	if b.Data == "" {
		errs["data"] = append(errs["data"], "The data field is required.")
	}
	if b.Channel == "" && len(b.Channels) == 0 {
		errs["channels"] = append(errs["channels"], "Either channel or channels must be provided.")
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (b eventBody) channelList() []string {
	if len(b.Channels) > 0 {
		return b.Channels
	}
	return []string{b.Channel}
}

// PostEvents handles POST /apps/{appId}/events.
func (h *Handler) PostEvents(c *gin.Context) {
	app := h.app(c)

	var body eventBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity,
			common.NewValidationError(map[string][]string{"body": {"The request body is not valid JSON."}}))
		return
	}
	if errs := body.validate(); errs != nil {
		c.JSON(http.StatusUnprocessableEntity, common.NewValidationError(errs))
		return
	}

	h.dispatchEvent(app, body)

	if body.Info == "" {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": h.channelsInfo(c, app, body.channelList(), body.Info, false)})
}

type batchBody struct {
	Batch []eventBody `json:"batch"`
}

// PostBatchEvents handles POST /apps/{appId}/batch_events. An oversized or
// invalid batch dispatches nothing.
func (h *Handler) PostBatchEvents(c *gin.Context) {
	app := h.app(c)

	var body batchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusUnprocessableEntity,
			common.NewValidationError(map[string][]string{"body": {"The request body is not valid JSON."}}))
		return
	}
	if len(body.Batch) > maxBatchSize {
		c.JSON(http.StatusUnprocessableEntity, common.NewValidationError(map[string][]string{
			"batch": {"The batch may not contain more than 10 events."},
		}))
		return
	}
	for i, item := range body.Batch {
		if errs := item.validate(); errs != nil {
			c.JSON(http.StatusUnprocessableEntity, common.NewValidationError(map[string][]string{
				"batch": {"Event " + strconv.Itoa(i) + " is invalid."},
			}))
			return
		}
	}

	wantInfo := false
	for _, item := range body.Batch {
		if item.Info != "" {
			wantInfo = true
		}
	}

	if !wantInfo {
		for _, item := range body.Batch {
			h.dispatchEvent(app, item)
		}
		c.JSON(http.StatusOK, gin.H{"batch": gin.H{}})
		return
	}

	infos := make([]gin.H, 0, len(body.Batch))
	for _, item := range body.Batch {
		h.dispatchEvent(app, item)
		if item.Info == "" {
			infos = append(infos, gin.H{})
			continue
		}
		infos = append(infos, gin.H{"channels": h.channelsInfo(c, app, item.channelList(), item.Info, false)})
	}
	c.JSON(http.StatusOK, gin.H{"batch": infos})
}

// GetChannels handles GET /apps/{appId}/channels.
func (h *Handler) GetChannels(c *gin.Context) {
	app := h.app(c)
	prefix := c.Query("filter_by_prefix")
	info := c.Query("info")

	names := make([]string, 0)
	for _, ch := range h.broker.Channels.App(app).All() {
		if prefix != "" && !strings.HasPrefix(ch.Name(), prefix) {
			continue
		}
		names = append(names, ch.Name())
	}

	c.JSON(http.StatusOK, gin.H{"channels": h.channelsInfo(c, app, names, info, false)})
}

// GetChannel handles GET /apps/{appId}/channels/{channel}. The occupied
// flag is always present.
func (h *Handler) GetChannel(c *gin.Context) {
	app := h.app(c)
	name := c.Param("channel")

	infos := h.channelsInfo(c, app, []string{name}, c.Query("info"), true)
	c.JSON(http.StatusOK, infos[name])
}

// GetChannelUsers handles GET /apps/{appId}/channels/{channel}/users.
func (h *Handler) GetChannelUsers(c *gin.Context) {
	app := h.app(c)
	name := c.Param("channel")

	if !channel.Classify(name).Presence {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: "Channel is not a presence channel"})
		return
	}
	ch, ok := h.broker.Channels.App(app).Find(name)
	if !ok {
		c.JSON(http.StatusNotFound, common.ErrorResponse{Message: "Channel not found"})
		return
	}

	users := make([]gin.H, 0)
	for _, id := range ch.UserIDs() {
		users = append(users, gin.H{"id": id})
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// GetConnections handles GET /apps/{appId}/connections, merged across the
// cluster when scaling is enabled.
func (h *Handler) GetConnections(c *gin.Context) {
	app := h.app(c)

	total := h.broker.LocalMetrics(bus.MetricsQuery{AppID: app.ID})
	if h.scaler != nil {
		total.Merge(h.scaler.QueryRemote(c.Request.Context(), bus.MetricsQuery{AppID: app.ID}))
	}
	c.JSON(http.StatusOK, gin.H{"connections": total.Connections})
}

// TerminateUserConnections handles
// POST /apps/{appId}/users/{userId}/terminate_connections.
func (h *Handler) TerminateUserConnections(c *gin.Context) {
	app := h.app(c)
	h.broker.TerminateUser(app, c.Param("userId"))
	c.JSON(http.StatusOK, gin.H{})
}

func (h *Handler) dispatchEvent(app *apps.App, body eventBody) {
	h.broker.Dispatcher.Dispatch(app, dispatch.Event{
		Name:     body.Name,
		Data:     body.Data,
		Channels: body.Channels,
		Channel:  body.Channel,
		SocketID: body.SocketID,
	})
}

// channelsInfo assembles the per-channel info map. Counts merge peer nodes
// when scaling is enabled. Which attributes apply depends on the channel
// kind: subscription_count for non-presence, user_count for presence, cache
// status for cache channels.
func (h *Handler) channelsInfo(c *gin.Context, app *apps.App, names []string, info string, alwaysOccupied bool) map[string]gin.H {
	wanted := make(map[string]bool)
	for _, attr := range strings.Split(info, ",") {
		wanted[strings.TrimSpace(attr)] = true
	}

	counts := h.broker.LocalMetrics(bus.MetricsQuery{AppID: app.ID, Channels: names})
	if h.scaler != nil && (wanted["subscription_count"] || wanted["user_count"] || wanted["occupied"] || alwaysOccupied) {
		counts.Merge(h.scaler.QueryRemote(c.Request.Context(), bus.MetricsQuery{AppID: app.ID, Channels: names}))
	}

	reg := h.broker.Channels.App(app)
	out := make(map[string]gin.H, len(names))
	for _, name := range names {
		kind := channel.Classify(name)
		entry := gin.H{}
		if alwaysOccupied || wanted["occupied"] {
			entry["occupied"] = counts.Channels[name].SubscriptionCount > 0
		}
		if wanted["subscription_count"] && !kind.Presence {
			entry["subscription_count"] = counts.Channels[name].SubscriptionCount
		}
		if wanted["user_count"] && kind.Presence {
			entry["user_count"] = counts.Channels[name].UserCount
		}
		if wanted["cache"] && kind.Cached {
			cached := false
			if ch, ok := reg.Find(name); ok {
				cached = ch.HasCachedPayload()
			}
			entry["cache"] = cached
		}
		out[name] = entry
	}
	return out
}

// app returns the application resolved by the signature middleware.
func (h *Handler) app(c *gin.Context) *apps.App {
	return c.MustGet("app").(*apps.App)
}
