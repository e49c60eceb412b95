package wasend

import (
	"reflect"
	"testing"
)

func TestParseRecipients(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"newlines", "9876543210\n9876543211\n9876543212", []string{"9876543210", "9876543211", "9876543212"}},
		{"commas", "9876543210,9876543211", []string{"9876543210", "9876543211"}},
		{"crlf", "9876543210\r\n9876543211\r\n", []string{"9876543210", "9876543211"}},
		{"mixed separators", "9876543210, 9876543211\n9876543212", []string{"9876543210", "9876543211", "9876543212"}},
		{"surrounding whitespace", "  9876543210 \n\t9876543211  ", []string{"9876543210", "9876543211"}},
		{"empty entries dropped", "9876543210,,\n\n,9876543211", []string{"9876543210", "9876543211"}},
		{"empty input", "", []string{}},
		{"only separators", ",\n,\r\n", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRecipients(tt.raw); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseRecipients(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}
