// Package publicapi implements the X-API-Key send surface used by
// tenant integrations.
package publicapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/kingdrowjin/jins-new-one/internal/domain"
	"github.com/kingdrowjin/jins-new-one/internal/wasend"
	"github.com/kingdrowjin/jins-new-one/internal/webserver"
	"github.com/kingdrowjin/jins-new-one/pkg/common"
)

func RegisterRoutes() {
	webserver.PapiPOST("/v1/messages", postSend)
	webserver.PapiPOST("/v1/messages/media", postSendMedia)
	webserver.PapiGET("/v1/messages/:id", getMessage)
	webserver.PapiGET("/v1/sessions", listSessions)
}

type sendPayload struct {
	SessionID int64  `json:"session_id,string" form:"session_id"`
	Recipient string `json:"recipient" form:"recipient"`
	Body      string `json:"body" form:"body"`
	MediaURL  string `json:"media_url" form:"media_url"`
	// SmsFallback delivers over the SMS relay when no WhatsApp
	// session is connected. Text only.
	SmsFallback bool `json:"sms_fallback" form:"sms_fallback"`
}

// postSend dispatches one message. With no session_id the first
// connected session of the operator is used.
func postSend(c echo.Context) error {
	var payload sendPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unable to parse request")
	}
	payload.Recipient = strings.TrimSpace(payload.Recipient)
	if payload.Recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient is required")
	}
	if payload.Body == "" && payload.MediaURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "body or media_url is required")
	}
	return dispatchSend(c, payload)
}

// postSendMedia is the media-first variant; media_url is mandatory and
// body becomes the caption.
func postSendMedia(c echo.Context) error {
	var payload sendPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unable to parse request")
	}
	payload.Recipient = strings.TrimSpace(payload.Recipient)
	if payload.Recipient == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "recipient is required")
	}
	if strings.TrimSpace(payload.MediaURL) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "media_url is required")
	}
	// media cannot fall back to SMS
	payload.SmsFallback = false
	return dispatchSend(c, payload)
}

func dispatchSend(c echo.Context, payload sendPayload) error {
	op := webserver.GetCurrentOperator(c)

	sessionID := payload.SessionID
	if sessionID != 0 {
		var session domain.WaSession
		if err := webserver.GetDB(c).Where("id = ? and user_id = ?", sessionID, op.ID).
			First(&session).Error; err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
	} else {
		sessionID = pickConnectedSession(c, op.ID)
	}

	if sessionID == 0 || !webserver.GetAppCtx(c).Supervisor().IsSessionActive(sessionID) {
		if payload.SmsFallback && payload.MediaURL == "" {
			return sendViaSms(c, op.ID, sessionID, payload)
		}
		return echo.NewHTTPError(http.StatusConflict, "no connected session available")
	}

	log, err := webserver.GetAppCtx(c).Dispatcher().Send(c.Request().Context(), wasend.SendRequest{
		SessionID: sessionID,
		UserID:    op.ID,
		Recipient: payload.Recipient,
		Body:      payload.Body,
		MediaURL:  payload.MediaURL,
		Source:    domain.SourceApi,
	})
	if err != nil {
		var rateErr *wasend.RateLimitError
		if errors.As(err, &rateErr) {
			c.Response().Header().Set("Retry-After", cast.ToString(int(rateErr.RetryAfter.Seconds())))
			return echo.NewHTTPError(http.StatusTooManyRequests, "session send limit reached")
		}
		if errors.Is(err, wasend.ErrSessionNotActive) {
			if payload.SmsFallback && payload.MediaURL == "" {
				return sendViaSms(c, op.ID, sessionID, payload)
			}
			return echo.NewHTTPError(http.StatusConflict, "session is not connected")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to dispatch message")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":     cast.ToString(log.ID),
		"status": log.Status,
		"error":  log.Error,
	})
}

// pickConnectedSession returns the operator's most recent connected
// session, 0 when none exists.
func pickConnectedSession(c echo.Context, userID int64) int64 {
	var session domain.WaSession
	err := webserver.GetDB(c).
		Where("user_id = ? and status = ?", userID, domain.SessionConnected).
		Order("updated_at DESC").First(&session).Error
	if err != nil {
		return 0
	}
	return session.ID
}

func sendViaSms(c echo.Context, userID, sessionID int64, payload sendPayload) error {
	relay := webserver.GetAppCtx(c).SmsRelay()
	if !relay.Enabled() {
		return echo.NewHTTPError(http.StatusConflict, "no connected session and sms relay disabled")
	}

	log := domain.MessageLog{
		ID:        common.UUIDint64(),
		UserId:    userID,
		SessionId: sessionID,
		Recipient: payload.Recipient,
		Body:      payload.Body,
		Status:    domain.MessagePending,
		Source:    domain.SourceApi,
	}
	if err := webserver.GetDB(c).Create(&log).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record message")
	}

	sid, err := relay.SendText(payload.Recipient, payload.Body)
	now := time.Now()
	if err != nil {
		zap.L().Warn("publicapi: sms fallback failed", zap.Error(err))
		webserver.GetDB(c).Model(&domain.MessageLog{}).Where("id = ?", log.ID).
			Updates(map[string]interface{}{"status": domain.MessageFailed, "error": err.Error()})
		return c.JSON(http.StatusOK, map[string]interface{}{
			"id":     cast.ToString(log.ID),
			"status": domain.MessageFailed,
			"error":  err.Error(),
		})
	}

	webserver.GetDB(c).Model(&domain.MessageLog{}).Where("id = ?", log.ID).
		Updates(map[string]interface{}{"status": domain.MessageSent, "sent_at": now, "media_ref": "sms:" + sid})
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":      cast.ToString(log.ID),
		"status":  domain.MessageSent,
		"channel": "sms",
	})
}

func getMessage(c echo.Context) error {
	op := webserver.GetCurrentOperator(c)
	var log domain.MessageLog
	err := webserver.GetDB(c).Where("id = ? and user_id = ?", cast.ToInt64(c.Param("id")), op.ID).
		First(&log).Error
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	}
	return c.JSON(http.StatusOK, log)
}

func listSessions(c echo.Context) error {
	op := webserver.GetCurrentOperator(c)
	var sessions []domain.WaSession
	if err := webserver.GetDB(c).Where("user_id = ?", op.ID).
		Order("id DESC").Find(&sessions).Error; err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to query sessions")
	}

	sup := webserver.GetAppCtx(c).Supervisor()
	type item struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
		Phone  string `json:"phone"`
		Active bool   `json:"active"`
	}
	out := make([]item, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, item{
			ID:     cast.ToString(s.ID),
			Name:   s.Name,
			Status: s.Status,
			Phone:  s.Phone,
			Active: sup.IsSessionActive(s.ID),
		})
	}
	return c.JSON(http.StatusOK, out)
}
