package adminapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/kingdrowjin/jins-new-one/internal/domain"
	"github.com/kingdrowjin/jins-new-one/internal/webserver"
)

func registerSessionRoutes() {
	webserver.ApiGET("/sessions", listSessions)
	webserver.ApiPOST("/sessions", createSession)
	webserver.ApiGET("/sessions/:id", getSession)
	webserver.ApiPOST("/sessions/:id/connect", connectSession)
	webserver.ApiGET("/sessions/:id/qr", getSessionQR)
	webserver.ApiGET("/sessions/:id/qr.png", getSessionQRImage)
	webserver.ApiGET("/sessions/:id/status", getSessionStatus)
	webserver.ApiDELETE("/sessions/:id", deleteSession)
}

func listSessions(c echo.Context) error {
	page, pageSize := parsePagination(c)
	uid := webserver.GetCurrentUserID(c)

	db := GetDB(c).Model(&domain.WaSession{}).Where("user_id = ?", uid)
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		db = db.Where("name ILIKE ? OR phone ILIKE ?", "%"+q+"%", "%"+q+"%")
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		db = db.Where("status = ?", status)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query sessions", err.Error())
	}

	var sessions []domain.WaSession
	if err := db.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&sessions).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query sessions", err.Error())
	}

	return paged(c, sessions, total, page, pageSize)
}

func createSession(c echo.Context) error {
	var payload struct {
		Name string `json:"name" form:"name"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "name is required", nil)
	}

	uid := webserver.GetCurrentUserID(c)
	session, err := webserver.GetAppCtx(c).Supervisor().CreateSession(c.Request().Context(), uid, payload.Name)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create session", err.Error())
	}
	return ok(c, session)
}

func getSession(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)
	var session domain.WaSession
	err := GetDB(c).Where("id = ? and user_id = ?", cast.ToInt64(c.Param("id")), uid).First(&session).Error
	if err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Session not found", nil)
	}
	return ok(c, session)
}

// connectSession starts the connection lifecycle. Without a phone the
// transport emits QR codes; with one, a pairing code is requested and
// returned by a later status poll.
func connectSession(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)
	sessionID := cast.ToInt64(c.Param("id"))

	var payload struct {
		Phone string `json:"phone" form:"phone"`
	}
	_ = c.Bind(&payload)

	var session domain.WaSession
	if err := GetDB(c).Where("id = ? and user_id = ?", sessionID, uid).First(&session).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Session not found", nil)
	}

	sup := webserver.GetAppCtx(c).Supervisor()
	if err := sup.InitializeConnection(c.Request().Context(), sessionID, uid, strings.TrimSpace(payload.Phone)); err != nil {
		return fail(c, http.StatusInternalServerError, "CONNECT_ERROR", "Failed to start connection", err.Error())
	}
	zap.L().Info("adminapi: connection started",
		zap.Int64("session_id", sessionID), zap.Bool("phone_pairing", payload.Phone != ""))
	return ok(c, map[string]interface{}{"started": true})
}

// getSessionQR returns the current pairing artifact as a string. The
// frontend renders QR codes client-side from this value.
func getSessionQR(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)
	sessionID := cast.ToInt64(c.Param("id"))

	var session domain.WaSession
	if err := GetDB(c).Where("id = ? and user_id = ?", sessionID, uid).First(&session).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Session not found", nil)
	}

	code := webserver.GetAppCtx(c).Supervisor().PairingArtifact(sessionID)
	return ok(c, map[string]interface{}{
		"code":   code,
		"has_qr": code != "",
	})
}

// getSessionQRImage renders the pairing artifact as a PNG for clients
// without a QR library.
func getSessionQRImage(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)
	sessionID := cast.ToInt64(c.Param("id"))

	var session domain.WaSession
	if err := GetDB(c).Where("id = ? and user_id = ?", sessionID, uid).First(&session).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Session not found", nil)
	}

	code := webserver.GetAppCtx(c).Supervisor().PairingArtifact(sessionID)
	if code == "" {
		return fail(c, http.StatusNotFound, "NO_QR", "No pairing code available", nil)
	}

	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "QR_ERROR", "Failed to render QR", err.Error())
	}
	return c.Blob(http.StatusOK, "image/png", png)
}

func getSessionStatus(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)
	sessionID := cast.ToInt64(c.Param("id"))

	var session domain.WaSession
	if err := GetDB(c).Where("id = ? and user_id = ?", sessionID, uid).First(&session).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Session not found", nil)
	}

	sup := webserver.GetAppCtx(c).Supervisor()
	return ok(c, map[string]interface{}{
		"id":     session.ID,
		"status": session.Status,
		"phone":  session.Phone,
		"active": sup.IsSessionActive(sessionID),
	})
}

func deleteSession(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)
	sessionID := cast.ToInt64(c.Param("id"))

	existed, err := webserver.GetAppCtx(c).Supervisor().DeleteSession(c.Request().Context(), sessionID, uid)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete session", err.Error())
	}
	if !existed {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Session not found", nil)
	}
	webserver.GetAppCtx(c).Dispatcher().ForgetSession(sessionID)
	zap.L().Info("adminapi: session deleted", zap.Int64("session_id", sessionID))
	return ok(c, map[string]interface{}{"deleted": true})
}
