package adminapi

import (
	"net/http"
	"strings"
	"time"

	jwtv4 "github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/kingdrowjin/jins-new-one/internal/domain"
	"github.com/kingdrowjin/jins-new-one/internal/webserver"
	"github.com/kingdrowjin/jins-new-one/pkg/common"
)

const tokenTTL = 24 * time.Hour

func registerAuthRoutes() {
	webserver.PubPOST("/login", postLogin)
	webserver.ApiGET("/profile", getProfile)
	webserver.ApiPOST("/profile/apikey", postRotateApiKey)
}

func postLogin(c echo.Context) error {
	var payload struct {
		Username string `json:"username" form:"username"`
		Password string `json:"password" form:"password"`
	}
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	payload.Username = strings.TrimSpace(payload.Username)
	if payload.Username == "" || payload.Password == "" {
		return fail(c, http.StatusBadRequest, "MISSING_FIELDS", "username and password are required", nil)
	}

	var operator domain.SysOperator
	err := GetDB(c).Where("username = ? and status = ?", payload.Username, common.ENABLED).
		First(&operator).Error
	if err != nil {
		return fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}
	if bcrypt.CompareHashAndPassword([]byte(operator.Password), []byte(payload.Password)) != nil {
		return fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}

	claims := jwtv4.MapClaims{
		"uid":   operator.ID,
		"uname": operator.Username,
		"level": operator.Level,
		"exp":   time.Now().Add(tokenTTL).Unix(),
	}
	token := jwtv4.NewWithClaims(jwtv4.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(webserver.GetAppCtx(c).Config().Web.Secret))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "TOKEN_ERROR", "Failed to issue token", err.Error())
	}

	GetDB(c).Model(&domain.SysOperator{}).Where("id = ?", operator.ID).
		Update("last_login", time.Now())
	zap.L().Info("operator login", zap.String("username", operator.Username))

	return ok(c, map[string]interface{}{
		"token": signed,
		"level": operator.Level,
	})
}

func getProfile(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)
	var operator domain.SysOperator
	if err := GetDB(c).First(&operator, uid).Error; err != nil {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Operator not found", nil)
	}
	return ok(c, operator)
}

// postRotateApiKey replaces the caller's public-API key. The old key
// stops working immediately.
func postRotateApiKey(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)
	newKey := common.RandomHexKey(32)
	err := GetDB(c).Model(&domain.SysOperator{}).Where("id = ?", uid).
		Update("api_key", newKey).Error
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to rotate api key", err.Error())
	}
	return ok(c, map[string]interface{}{"api_key": newKey})
}
