package adminapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func postQuery(t *testing.T, sql string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"sql": sql})
	if err != nil {
		t.Fatal(err)
	}
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/dbms/query", strings.NewReader(string(body)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := dbmsExecuteQuery(e.NewContext(req, rec)); err != nil {
		t.Fatalf("dbmsExecuteQuery(%q) error = %v", sql, err)
	}
	return rec
}

func TestDbmsQueryGateRejectsNonReads(t *testing.T) {
	tests := []string{
		"DELETE FROM wa_session",
		"UPDATE sys_operator SET level = 'super'",
		"INSERT INTO message_log VALUES (1)",
		"DROP TABLE campaign",
	}
	for _, sql := range tests {
		if rec := postQuery(t, sql); rec.Code != http.StatusBadRequest {
			t.Errorf("sql %q: status = %d, want %d", sql, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestDbmsQueryGateRejectsMultipleStatements(t *testing.T) {
	// the simple query protocol would run every statement in the string,
	// so a piggybacked write behind a SELECT prefix must be refused
	tests := []string{
		"SELECT 1; DELETE FROM wa_session",
		"SELECT 1;DROP TABLE campaign;",
		"EXPLAIN SELECT 1; UPDATE sys_operator SET level = 'super'",
	}
	for _, sql := range tests {
		if rec := postQuery(t, sql); rec.Code != http.StatusBadRequest {
			t.Errorf("sql %q: status = %d, want %d", sql, rec.Code, http.StatusBadRequest)
		}
	}
}
