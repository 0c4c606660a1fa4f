package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"git.srvlab.io/whiskey/automountd/pkg/observability"
)

func TestMetricsServerRoutes(t *testing.T) {
	metrics := observability.NewMetrics()
	metrics.SetDriveCounter(func() int { return 1 })
	srv := newMetricsServer(":0", metrics)

	tests := []struct {
		path     string
		wantCode int
		wantBody string
	}{
		{path: "/healthz", wantCode: http.StatusOK, wantBody: "ok"},
		{path: "/metrics", wantCode: http.StatusOK, wantBody: "automountd_drives_registered 1"},
		{path: "/other", wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", tt.path, nil))

			if rec.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("expected %q in body, got:\n%s", tt.wantBody, rec.Body.String())
			}
		})
	}
}
