package entitlement_test

import (
	"testing"

	"keygate/internal/entitlement"
)

func TestKeyFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/k/ABC123", "ABC123"},
		{"/k/abc123", "ABC123"},
		{"/app/k/ABC123", "ABC123"},
		{"/ABC123", "ABC123"},
		{"/k/ABC123/", "ABC123"},
		{"/", ""},
		{"", ""},
		{"/k/", ""},
		{"/k/main.js", ""},
		{"/favicon.ico", ""},
		{"/k/AB", ""},
		{"/k/ABCDEF12345678901", ""},
		{"/some/other/route", ""},
		{"/k/ABC-123", ""},
	}

	for _, tc := range cases {
		if got := entitlement.KeyFromPath(tc.path); got != tc.want {
			t.Errorf("KeyFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
