package adminapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cast"

	"github.com/kingdrowjin/jins-new-one/internal/domain"
	"github.com/kingdrowjin/jins-new-one/internal/wasend"
	"github.com/kingdrowjin/jins-new-one/internal/webserver"
)

func registerMessageRoutes() {
	webserver.ApiPOST("/messages", postSendMessage)
	webserver.ApiGET("/messages", listMessages)
}

func postSendMessage(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)

	var payload struct {
		SessionID int64  `json:"session_id,string" form:"session_id"`
		Recipient string `json:"recipient" form:"recipient"`
		Body      string `json:"body" form:"body"`
		MediaPath string `json:"media_path" form:"media_path"`
		MediaURL  string `json:"media_url" form:"media_url"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	payload.Recipient = strings.TrimSpace(payload.Recipient)
	if payload.SessionID == 0 || payload.Recipient == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "session_id and recipient are required", nil)
	}
	if payload.Body == "" && payload.MediaPath == "" && payload.MediaURL == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "body or media is required", nil)
	}

	var session domain.WaSession
	if err := GetDB(c).Where("id = ? and user_id = ?", payload.SessionID, uid).First(&session).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Session not found", nil)
	}

	log, err := webserver.GetAppCtx(c).Dispatcher().Send(c.Request().Context(), wasend.SendRequest{
		SessionID: payload.SessionID,
		UserID:    uid,
		Recipient: payload.Recipient,
		Body:      payload.Body,
		MediaPath: payload.MediaPath,
		MediaURL:  payload.MediaURL,
		Source:    domain.SourceManual,
	})
	if err != nil {
		var rateErr *wasend.RateLimitError
		if errors.As(err, &rateErr) {
			c.Response().Header().Set("Retry-After", cast.ToString(int(rateErr.RetryAfter.Seconds())))
			return fail(c, http.StatusTooManyRequests, "RATE_LIMITED", "Session send limit reached", rateErr.Error())
		}
		if errors.Is(err, wasend.ErrSessionNotActive) {
			return fail(c, http.StatusConflict, "SESSION_NOT_ACTIVE", "Session is not connected", log)
		}
		return fail(c, http.StatusInternalServerError, "SEND_ERROR", "Failed to dispatch message", err.Error())
	}

	return ok(c, log)
}

func listMessages(c echo.Context) error {
	page, pageSize := parsePagination(c)
	uid := webserver.GetCurrentUserID(c)

	db := GetDB(c).Model(&domain.MessageLog{}).Where("user_id = ?", uid)
	if sid := cast.ToInt64(c.QueryParam("session_id")); sid != 0 {
		db = db.Where("session_id = ?", sid)
	}
	if cid := cast.ToInt64(c.QueryParam("campaign_id")); cid != 0 {
		db = db.Where("campaign_id = ?", cid)
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		db = db.Where("status = ?", status)
	}
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		db = db.Where("recipient ILIKE ?", "%"+q+"%")
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query messages", err.Error())
	}

	var logs []domain.MessageLog
	if err := db.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&logs).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query messages", err.Error())
	}

	return paged(c, logs, total, page, pageSize)
}
