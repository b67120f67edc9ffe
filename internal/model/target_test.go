package model

import (
	"errors"
	"testing"
)

func TestNewUpstreamTarget_Defaults(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		port     int
		wantHost string
		wantPort int
	}{
		{"both omitted", "", 0, DefaultUpstreamHost, DefaultUpstreamPort},
		{"host omitted", "", 8080, DefaultUpstreamHost, 8080},
		{"port omitted", "ode.lan", 0, "ode.lan", DefaultUpstreamPort},
		{"whitespace host", "   ", 0, DefaultUpstreamHost, DefaultUpstreamPort},
		{"explicit", "10.0.0.5", 3001, "10.0.0.5", 3001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewUpstreamTarget(tt.host, tt.port)
			if err != nil {
				t.Fatalf("NewUpstreamTarget() error = %v", err)
			}
			if got.Host() != tt.wantHost {
				t.Errorf("Host() = %q, want %q", got.Host(), tt.wantHost)
			}
			if got.Port() != tt.wantPort {
				t.Errorf("Port() = %d, want %d", got.Port(), tt.wantPort)
			}
		})
	}
}

func TestNewUpstreamTarget_PortOutOfRange(t *testing.T) {
	for _, port := range []int{-1, -65535, 65536, 70000} {
		_, err := NewUpstreamTarget("ode.lan", port)
		if err == nil {
			t.Errorf("port %d: expected error, got nil", port)
			continue
		}
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("port %d: error = %v, want ErrConfiguration", port, err)
		}
	}
}

func TestNewUpstreamTarget_BadHost(t *testing.T) {
	_, err := NewUpstreamTarget("http://ode.lan", 3000)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("error = %v, want ErrConfiguration", err)
	}
}

func TestUpstreamTarget_URLs(t *testing.T) {
	target, err := NewUpstreamTarget("homeassistant.local", 3000)
	if err != nil {
		t.Fatal(err)
	}
	if got := target.Authority(); got != "homeassistant.local:3000" {
		t.Errorf("Authority() = %q", got)
	}
	if got := target.String(); got != "http://homeassistant.local:3000" {
		t.Errorf("String() = %q", got)
	}

	v6, err := NewUpstreamTarget("::1", 3000)
	if err != nil {
		t.Fatal(err)
	}
	if got := v6.Authority(); got != "[::1]:3000" {
		t.Errorf("IPv6 Authority() = %q", got)
	}
}
