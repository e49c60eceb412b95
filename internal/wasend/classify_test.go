package wasend

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want CloseCategory
	}{
		{CodeLoggedOut, CloseLoggedOut},
		{CodeRateLimited, CloseRateLimited},
		{CodeForbidden, CloseFatal},
		{CodeReplaced, CloseFatal},
		{CodeMDMismatch, CloseFatal},
		{CodeBadSession, CloseFatal},
		{CodeConnectionLost, CloseTemporary},
		{CodeUnavailable, CloseTemporary},
		{CodeRestartRequired, CloseTemporary},
		{0, CloseTemporary},
		{999, CloseTemporary},
	}
	for _, tt := range tests {
		if got := Classify(tt.code); got != tt.want {
			t.Errorf("Classify(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestCloseCategoryString(t *testing.T) {
	tests := []struct {
		cat  CloseCategory
		want string
	}{
		{CloseTemporary, "temporary"},
		{CloseRateLimited, "rate_limited"},
		{CloseLoggedOut, "logged_out"},
		{CloseFatal, "fatal"},
	}
	for _, tt := range tests {
		if got := tt.cat.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
