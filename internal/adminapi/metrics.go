package adminapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"

	"github.com/kingdrowjin/jins-new-one/internal/domain"
	"github.com/kingdrowjin/jins-new-one/internal/webserver"
	"github.com/kingdrowjin/jins-new-one/pkg/metrics"
)

func registerMetricsRoutes() {
	webserver.ApiGET("/dashboard", getDashboard)
	webserver.ApiGET("/metrics/:name", getMetricSeries)
}

func getDashboard(c echo.Context) error {
	uid := webserver.GetCurrentUserID(c)
	db := GetDB(c)

	var sessionTotal, connectedTotal, messageTotal, sentTotal, failedTotal, campaignTotal int64
	db.Model(&domain.WaSession{}).Where("user_id = ?", uid).Count(&sessionTotal)
	db.Model(&domain.WaSession{}).Where("user_id = ? and status = ?", uid, domain.SessionConnected).Count(&connectedTotal)
	db.Model(&domain.MessageLog{}).Where("user_id = ?", uid).Count(&messageTotal)
	db.Model(&domain.MessageLog{}).Where("user_id = ? and status = ?", uid, domain.MessageSent).Count(&sentTotal)
	db.Model(&domain.MessageLog{}).Where("user_id = ? and status = ?", uid, domain.MessageFailed).Count(&failedTotal)
	db.Model(&domain.Campaign{}).Where("user_id = ?", uid).Count(&campaignTotal)

	return ok(c, map[string]interface{}{
		"sessions":           sessionTotal,
		"sessions_connected": connectedTotal,
		"messages":           messageTotal,
		"messages_sent":      sentTotal,
		"messages_failed":    failedTotal,
		"campaigns":          campaignTotal,
		"active_connections": webserver.GetAppCtx(c).Supervisor().ActiveCount(),
	})
}

var metricWhitelist = map[string]string{
	"message_sent":      metrics.MessageSent,
	"message_failed":    metrics.MessageFailed,
	"connection_open":   metrics.ConnectionOpen,
	"connection_closed": metrics.ConnectionClosed,
	"system_cpu":        metrics.SystemCpuUsage,
	"system_mem":        metrics.SystemMemUsage,
}

func getMetricSeries(c echo.Context) error {
	name, allowed := metricWhitelist[c.Param("name")]
	if !allowed {
		return fail(c, http.StatusNotFound, "UNKNOWN_METRIC", "Unknown metric name", nil)
	}

	end := cast.ToInt64(c.QueryParam("end"))
	if end == 0 {
		end = time.Now().Unix()
	}
	start := cast.ToInt64(c.QueryParam("start"))
	if start == 0 {
		start = end - 3600
	}

	points, err := metrics.Query(name, start, end)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "METRICS_ERROR", "Failed to query metric", err.Error())
	}

	type point struct {
		Timestamp int64   `json:"timestamp"`
		Value     float64 `json:"value"`
	}
	out := make([]point, 0, len(points))
	for _, p := range points {
		out = append(out, point{Timestamp: p.Timestamp, Value: p.Value})
	}
	return ok(c, out)
}
