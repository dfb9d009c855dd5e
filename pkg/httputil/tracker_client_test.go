package httputil

import (
	"net/http"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name        string
		cfg         *ClientConfig
		wantTimeout time.Duration
		wantPerHost int
	}{
		{"nil uses defaults", nil, 30 * time.Second, 20},
		{"key set", KeySetClientConfig(), 10 * time.Second, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.cfg)
			if c.Timeout != tt.wantTimeout {
				t.Errorf("Timeout = %s, want %s", c.Timeout, tt.wantTimeout)
			}
			tr, ok := c.Transport.(*http.Transport)
			if !ok {
				t.Fatalf("transport is %T", c.Transport)
			}
			if tr.MaxIdleConnsPerHost != tt.wantPerHost {
				t.Errorf("MaxIdleConnsPerHost = %d, want %d", tr.MaxIdleConnsPerHost, tt.wantPerHost)
			}
		})
	}
}

func TestNewClient_SeparateTransports(t *testing.T) {
	a, b := NewClient(nil), NewClient(nil)
	if a.Transport == b.Transport {
		t.Error("clients share a transport")
	}
}
