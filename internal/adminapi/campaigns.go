package adminapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/kingdrowjin/jins-new-one/internal/domain"
	"github.com/kingdrowjin/jins-new-one/internal/wasend"
	"github.com/kingdrowjin/jins-new-one/internal/webserver"
	"github.com/kingdrowjin/jins-new-one/pkg/common"
)

func registerCampaignRoutes() {
	webserver.ApiGET("/campaigns", listCampaigns)
	webserver.ApiPOST("/campaigns", createCampaign)
	webserver.ApiGET("/campaigns/:id", getCampaign)
	webserver.ApiPOST("/campaigns/:id/start", startCampaign)
	webserver.ApiPOST("/campaigns/:id/cancel", cancelCampaign)
	webserver.ApiDELETE("/campaigns/:id", deleteCampaign)
}

func listCampaigns(c echo.Context) error {
	page, pageSize := parsePagination(c)
	uid := webserver.GetCurrentUserID(c)

	db := GetDB(c).Model(&domain.Campaign{}).Where("user_id = ?", uid)
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		db = db.Where("status = ?", status)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query campaigns", err.Error())
	}

	var campaigns []domain.Campaign
	if err := db.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&campaigns).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query campaigns", err.Error())
	}

	return paged(c, campaigns, total, page, pageSize)
}

func createCampaign(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)

	var payload struct {
		SessionID  int64  `json:"session_id,string" form:"session_id"`
		Name       string `json:"name" form:"name"`
		Body       string `json:"body" form:"body"`
		MediaURL   string `json:"media_url" form:"media_url"`
		Recipients string `json:"recipients" form:"recipients"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.SessionID == 0 || payload.Name == "" || payload.Body == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "session_id, name and body are required", nil)
	}
	recipients := wasend.ParseRecipients(payload.Recipients)
	if len(recipients) == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "at least one recipient is required", nil)
	}

	var session domain.WaSession
	if err := GetDB(c).Where("id = ? and user_id = ?", payload.SessionID, uid).First(&session).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Session not found", nil)
	}

	campaign := domain.Campaign{
		ID:         common.UUIDint64(),
		UserId:     uid,
		SessionId:  payload.SessionID,
		Name:       payload.Name,
		Body:       payload.Body,
		MediaURL:   payload.MediaURL,
		Recipients: strings.Join(recipients, "\n"),
		Status:     domain.CampaignDraft,
		Total:      len(recipients),
	}
	if err := GetDB(c).Create(&campaign).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create campaign", err.Error())
	}
	return ok(c, campaign)
}

func getCampaign(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)
	var campaign domain.Campaign
	err := GetDB(c).Where("id = ? and user_id = ?", cast.ToInt64(c.Param("id")), uid).First(&campaign).Error
	if err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Campaign not found", nil)
	}
	return ok(c, campaign)
}

func startCampaign(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)
	campaignID := cast.ToInt64(c.Param("id"))

	err := webserver.GetAppCtx(c).Campaigns().Start(c.Request().Context(), campaignID, uid)
	if err != nil {
		return fail(c, http.StatusConflict, "START_ERROR", "Failed to start campaign", err.Error())
	}
	zap.L().Info("adminapi: campaign started", zap.Int64("campaign_id", campaignID))
	return ok(c, map[string]interface{}{"started": true})
}

func cancelCampaign(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)
	campaignID := cast.ToInt64(c.Param("id"))

	var campaign domain.Campaign
	if err := GetDB(c).Where("id = ? and user_id = ?", campaignID, uid).First(&campaign).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Campaign not found", nil)
	}

	cancelled := webserver.GetAppCtx(c).Campaigns().Cancel(campaignID)
	return ok(c, map[string]interface{}{"cancelled": cancelled})
}

func deleteCampaign(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)
	campaignID := cast.ToInt64(c.Param("id"))

	var campaign domain.Campaign
	if err := GetDB(c).Where("id = ? and user_id = ?", campaignID, uid).First(&campaign).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Campaign not found", nil)
	}
	if campaign.Status == domain.CampaignRunning {
		return fail(c, http.StatusConflict, "CAMPAIGN_RUNNING", "Cancel the campaign before deleting it", nil)
	}

	if err := GetDB(c).Delete(&domain.Campaign{}, campaignID).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete campaign", err.Error())
	}
	return ok(c, map[string]interface{}{"deleted": true})
}
