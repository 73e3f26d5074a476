package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"m3u-proxy-go/internal/channels"
	"m3u-proxy-go/internal/subscription"
)

// SubscriptionHandler serves the subscription and channel-list API.
type SubscriptionHandler struct {
	store    *subscription.Store
	channels *channels.Service
	logger   *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(store *subscription.Store, chs *channels.Service, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		store:    store,
		channels: chs,
		logger:   logger.With("component", "subscription_handler"),
	}
}

type addSubscriptionRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// List returns the user subscriptions.
func (h *SubscriptionHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, h.store.List())
}

// Fixed returns the configured default subscriptions.
func (h *SubscriptionHandler) Fixed(c echo.Context) error {
	return c.JSON(http.StatusOK, h.store.Fixed())
}

// Add creates a subscription from a JSON body {"name": ..., "url": ...}.
func (h *SubscriptionHandler) Add(c echo.Context) error {
	var body addSubscriptionRequest
	if err := c.Bind(&body); err != nil {
		return jsonError(c, http.StatusBadRequest, "invalid JSON format in request body")
	}

	sub, err := h.store.Add(body.Name, body.URL)
	switch {
	case errors.Is(err, subscription.ErrInvalidURL):
		return jsonError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, subscription.ErrDuplicate):
		return jsonError(c, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.Error("add subscription", "err", err)
		return jsonError(c, http.StatusInternalServerError, "failed to add subscription")
	}
	return c.JSON(http.StatusCreated, sub)
}

// Remove deletes the subscription :id.
func (h *SubscriptionHandler) Remove(c echo.Context) error {
	sub, err := h.store.Remove(c.Param("id"))
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		return jsonError(c, http.StatusNotFound, err.Error())
	case err != nil:
		h.logger.Error("remove subscription", "err", err, "id", c.Param("id"))
		return jsonError(c, http.StatusInternalServerError, "failed to delete subscription")
	}
	h.channels.Forget(sub.URL)
	return c.NoContent(http.StatusNoContent)
}

// Channels returns the parsed channel list of subscription :id.
func (h *SubscriptionHandler) Channels(c echo.Context) error {
	sub, err := h.store.Get(c.Param("id"))
	if err != nil {
		return jsonError(c, http.StatusNotFound, err.Error())
	}

	chs, err := h.channels.Channels(c.Request().Context(), sub)
	if err != nil {
		h.logger.Warn("load channel list",
			"err", sanitizeError(err),
			"subscription", sub.ID,
		)
		var se *channels.StatusError
		if errors.As(err, &se) {
			return jsonError(c, http.StatusBadGateway, se.Error())
		}
		f := classify(err)
		if f.status == http.StatusBadRequest {
			f.status = http.StatusBadGateway
		}
		return jsonError(c, f.status, f.message)
	}
	return c.JSON(http.StatusOK, chs)
}
