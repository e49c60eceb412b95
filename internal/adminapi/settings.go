package adminapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kingdrowjin/jins-new-one/internal/webserver"
)

func registerSettingsRoutes() {
	webserver.ApiGET("/settings", listSettings, requireSuper)
	webserver.ApiPOST("/settings", updateSetting, requireSuper)
}

func listSettings(c echo.Context) error {
	rows, err := webserver.GetAppCtx(c).ConfigMgr().List()
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to load settings", err.Error())
	}
	return ok(c, rows)
}

func updateSetting(c echo.Context) error {
	var payload struct {
		Type  string `json:"type" form:"type"`
		Name  string `json:"name" form:"name"`
		Value string `json:"value" form:"value"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	payload.Type = strings.TrimSpace(payload.Type)
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Type == "" || payload.Name == "" {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "type and name are required", nil)
	}

	if err := webserver.GetAppCtx(c).ConfigMgr().Save(payload.Type, payload.Name, payload.Value); err != nil {
		return fail(c, http.StatusBadRequest, "SETTING_REJECTED", "Failed to update setting", err.Error())
	}
	zap.L().Info("adminapi: setting updated",
		zap.String("type", payload.Type), zap.String("name", payload.Name))
	return ok(c, map[string]interface{}{"updated": true})
}
