// Package webserver hosts the echo HTTP server. Route groups:
//
//	/login    credential exchange, no auth
//	/api      admin console, JWT bearer auth
//	/papi     public send API, X-API-Key auth
package webserver

import (
	"fmt"
	"net/http"
	"strings"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kingdrowjin/jins-new-one/internal/app"
	"github.com/kingdrowjin/jins-new-one/internal/domain"
	"github.com/kingdrowjin/jins-new-one/pkg/common"
)

const (
	appCtxKey   = "waplatform_app"
	operatorKey = "waplatform_operator"
)

type WebServer struct {
	appCtx app.AppContext
	root   *echo.Echo
	api    *echo.Group
	papi   *echo.Group
}

var server *WebServer

// Init builds the server and its middleware chain. Route registration
// helpers are usable after this returns.
func Init(appCtx app.AppContext) {
	s := &WebServer{appCtx: appCtx, root: echo.New()}
	s.root.Pre(middleware.RemoveTrailingSlash())
	s.root.Use(middleware.Recover())
	s.root.HideBanner = true
	s.root.HidePort = true

	// make the app context reachable from every handler
	s.root.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(appCtxKey, appCtx)
			return next(c)
		}
	})

	s.api = s.root.Group("/api")
	s.api.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey: []byte(appCtx.Config().Web.Secret),
		// browsers cannot set headers on websocket upgrades
		TokenLookup: "header:Authorization:Bearer ,query:token",
	}))

	s.papi = s.root.Group("/papi")
	s.papi.Use(apiKeyMiddleware)

	s.root.GET("/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"appid":  appCtx.Config().System.Appid,
			"status": "up",
		})
	})

	server = s
}

func Start() error {
	cfg := server.appCtx.Config().Web
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	zap.L().Info("webserver listening", zap.String("addr", addr))
	return server.root.Start(addr)
}

func Shutdown() {
	if server != nil {
		_ = server.root.Close()
	}
}

// apiKeyMiddleware resolves X-API-Key to an enabled operator account
// and stores it on the request context.
func apiKeyMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
		if key == "" {
			key = strings.TrimSpace(c.QueryParam("api_key"))
		}
		if key == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
		}

		var operator domain.SysOperator
		err := GetDB(c).Where("api_key = ? and status = ?", key, common.ENABLED).First(&operator).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}
			return echo.NewHTTPError(http.StatusInternalServerError, "operator lookup failed")
		}

		c.Set(operatorKey, &operator)
		return next(c)
	}
}

// GetAppCtx returns the application context bound to this request.
func GetAppCtx(c echo.Context) app.AppContext {
	return c.Get(appCtxKey).(app.AppContext)
}

func GetDB(c echo.Context) *gorm.DB {
	return GetAppCtx(c).DB()
}

// GetCurrentUserID extracts the operator id from the JWT claims on
// /api routes, or from the resolved operator on /papi routes.
func GetCurrentUserID(c echo.Context) int64 {
	if op, ok := c.Get(operatorKey).(*domain.SysOperator); ok {
		return op.ID
	}
	token, ok := c.Get("user").(*jwtv5.Token)
	if !ok {
		return 0
	}
	claims, ok := token.Claims.(jwtv5.MapClaims)
	if !ok {
		return 0
	}
	return cast.ToInt64(claims["uid"])
}

// GetCurrentUserLevel returns the level claim on /api routes.
func GetCurrentUserLevel(c echo.Context) string {
	token, ok := c.Get("user").(*jwtv5.Token)
	if !ok {
		return ""
	}
	claims, ok := token.Claims.(jwtv5.MapClaims)
	if !ok {
		return ""
	}
	return cast.ToString(claims["level"])
}

// GetCurrentOperator returns the operator resolved by the key
// middleware, nil outside /papi.
func GetCurrentOperator(c echo.Context) *domain.SysOperator {
	op, _ := c.Get(operatorKey).(*domain.SysOperator)
	return op
}

// Route registration helpers. The admin console and public API
// packages call these from their register functions.

func PubGET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.root.GET(path, h, m...)
}

func PubPOST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.root.POST(path, h, m...)
}

func ApiGET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.GET(path, h, m...)
}

func ApiPOST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.POST(path, h, m...)
}

func ApiPUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.PUT(path, h, m...)
}

func ApiDELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.api.DELETE(path, h, m...)
}

func PapiGET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.papi.GET(path, h, m...)
}

func PapiPOST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.papi.POST(path, h, m...)
}
