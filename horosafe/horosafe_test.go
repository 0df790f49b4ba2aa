package horosafe

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateInstanceID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"demo-1", false},
		{"app_2024.v3", false},
		{"", true},
		{"../etc/passwd", true},
		{"a..b", true},
		{"with space", true},
		{"slash/inside", true},
		{"emoji-🙂", true},
		{strings.Repeat("a", MaxInstanceIDLen), false},
		{strings.Repeat("a", MaxInstanceIDLen+1), true},
	}
	for _, tt := range tests {
		err := ValidateInstanceID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateInstanceID(%q) error=%v, wantErr=%v", tt.id, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidInstanceID) {
			t.Errorf("ValidateInstanceID(%q): error %v does not wrap ErrInvalidInstanceID", tt.id, err)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://93.184.216.34/react", false},
		{"ftp://example.com/x", true},
		{"javascript:alert(1)", true},
		{"http://127.0.0.1/admin", true},
		{"http://10.1.2.3/x", true},
		{"http://192.168.0.10/x", true},
		{"http://[::1]/x", true},
		{"http://169.254.169.254/latest/meta-data", true},
		{"http:///nohost", true},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) error=%v, wantErr=%v", tt.url, err, tt.wantErr)
		}
	}
}

func TestAllowAll(t *testing.T) {
	if err := AllowAll("http://127.0.0.1:8080/x"); err != nil {
		t.Fatalf("loopback should pass: %v", err)
	}
	if err := AllowAll("file:///etc/passwd"); !errors.Is(err, ErrUnsafeScheme) {
		t.Fatalf("file scheme: got %v", err)
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("got %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}
