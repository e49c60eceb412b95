package adminapi

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/kingdrowjin/jins-new-one/internal/webserver"
)

// Database inspection console, super level only. Read-only: the query
// runner rejects anything but SELECT/EXPLAIN.

type dbmsTableInfo struct {
	Name     string `json:"name"`
	RowCount int64  `json:"row_count"`
}

type dbmsColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

type dbmsQueryResult struct {
	Columns []string                 `json:"columns"`
	Rows    []map[string]interface{} `json:"rows"`
	Error   string                   `json:"error,omitempty"`
}

func registerDbmsRoutes() {
	webserver.ApiGET("/dbms/tables", dbmsListTables, requireSuper)
	webserver.ApiGET("/dbms/tables/:name/schema", dbmsGetTableSchema, requireSuper)
	webserver.ApiPOST("/dbms/query", dbmsExecuteQuery, requireSuper)
	webserver.ApiGET("/dbms/serverinfo", dbmsGetServerInfo, requireSuper)
}

func requireSuper(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if webserver.GetCurrentUserLevel(c) != "super" {
			return echo.NewHTTPError(http.StatusForbidden, "super level required")
		}
		return next(c)
	}
}

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func dbmsListTables(c echo.Context) error {
	db := GetDB(c)

	var tableNames []string
	db.Raw(`
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
		ORDER BY table_name
	`).Scan(&tableNames)

	tables := make([]dbmsTableInfo, 0, len(tableNames))
	for _, name := range tableNames {
		var count int64
		db.Raw(fmt.Sprintf(`SELECT COUNT(*) FROM %q`, name)).Scan(&count)
		tables = append(tables, dbmsTableInfo{Name: name, RowCount: count})
	}
	return ok(c, tables)
}

func dbmsGetTableSchema(c echo.Context) error {
	tableName := c.Param("name")
	if !tableNamePattern.MatchString(tableName) {
		return fail(c, http.StatusBadRequest, "INVALID_TABLE", "Invalid table name", nil)
	}

	type pgColumn struct {
		ColumnName string
		DataType   string
		IsNullable string
	}
	var raw []pgColumn
	GetDB(c).Raw(`
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = ?
		ORDER BY ordinal_position
	`, tableName).Scan(&raw)
	if len(raw) == 0 {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Table not found", nil)
	}

	columns := make([]dbmsColumnInfo, 0, len(raw))
	for _, col := range raw {
		columns = append(columns, dbmsColumnInfo{
			Name:     col.ColumnName,
			Type:     col.DataType,
			Nullable: col.IsNullable == "YES",
		})
	}
	return ok(c, columns)
}

func dbmsExecuteQuery(c echo.Context) error {
	var req struct {
		SQL string `json:"sql"`
	}
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}

	sql := strings.TrimSpace(req.SQL)
	upperSQL := strings.ToUpper(sql)
	if !strings.HasPrefix(upperSQL, "SELECT") && !strings.HasPrefix(upperSQL, "EXPLAIN") {
		return fail(c, http.StatusBadRequest, "READ_ONLY", "Only SELECT and EXPLAIN are allowed", nil)
	}
	// the simple query protocol executes every semicolon-separated
	// statement in the string, so a second statement would bypass the
	// prefix check above
	sql = strings.TrimSuffix(sql, ";")
	if strings.Contains(sql, ";") {
		return fail(c, http.StatusBadRequest, "READ_ONLY", "Multiple statements are not allowed", nil)
	}

	result := dbmsQueryResult{Rows: make([]map[string]interface{}, 0)}
	rows, err := GetDB(c).Raw(sql).Rows()
	if err != nil {
		result.Error = err.Error()
		return ok(c, result)
	}
	defer rows.Close()

	columns, _ := rows.Columns()
	result.Columns = columns

	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		_ = rows.Scan(valuePtrs...)

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, okb := values[i].([]byte); okb {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result.Rows = append(result.Rows, row)
	}
	return ok(c, result)
}

func dbmsGetServerInfo(c echo.Context) error {
	var version string
	GetDB(c).Raw("SELECT version()").Scan(&version)

	var size string
	GetDB(c).Raw("SELECT pg_size_pretty(pg_database_size(current_database()))").Scan(&size)

	return ok(c, map[string]interface{}{
		"version": version,
		"size":    size,
	})
}
