package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/craigderington/portswitch/pkg/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *client {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	viper.Set("server", ts.URL+"/")
	t.Cleanup(func() { viper.Set("server", "") })
	return newClient()
}

func TestClientDo(t *testing.T) {
	var gotMethod, gotPath, gotType string
	var gotBody map[string]interface{}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.ProxyStatus{State: types.ProxyStateRunning, ListenPort: 8080})
	})

	var status types.ProxyStatus
	code, err := c.do(http.MethodPut, "/proxy", map[string]interface{}{"enabled": true}, &status)
	if err != nil {
		t.Fatalf("do() error = %v", err)
	}
	if code != http.StatusOK {
		t.Errorf("do() status = %d, want %d", code, http.StatusOK)
	}
	if gotMethod != http.MethodPut || gotPath != "/api/v1/proxy" {
		t.Errorf("request = %s %s, want PUT /api/v1/proxy", gotMethod, gotPath)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotType)
	}
	if gotBody["enabled"] != true {
		t.Errorf("body = %v, want enabled true", gotBody)
	}
	if status.State != types.ProxyStateRunning || status.ListenPort != 8080 {
		t.Errorf("status = %+v, want running on 8080", status)
	}
}

func TestClientDoErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantAPI bool
		wantMsg string
	}{
		{
			name:    "api error with issues",
			status:  http.StatusBadRequest,
			body:    `{"code":"VALIDATION_ERROR","message":"Validation failed","details":[{"field":"ListenPort","issue":"ListenPort must be at least 1"}]}`,
			wantAPI: true,
			wantMsg: "Validation failed\n  ListenPort: ListenPort must be at least 1",
		},
		{
			name:    "api error with values",
			status:  http.StatusConflict,
			body:    `{"code":"PORT_UNAVAILABLE","message":"Listen port is not available","details":[{"field":"listenAddr","value":"127.0.0.1:80"}]}`,
			wantAPI: true,
			wantMsg: "Listen port is not available\n  listenAddr: 127.0.0.1:80",
		},
		{
			name:    "plain text error",
			status:  http.StatusBadGateway,
			body:    "upstream down\n",
			wantMsg: "unexpected response (502): upstream down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			code, err := c.do(http.MethodGet, "/proxy", nil, nil)
			if err == nil {
				t.Fatal("do() error = nil, want error")
			}
			if code != tt.status {
				t.Errorf("do() status = %d, want %d", code, tt.status)
			}

			var apiErr *apiError
			if got := errors.As(err, &apiErr); got != tt.wantAPI {
				t.Errorf("errors.As(*apiError) = %v, want %v", got, tt.wantAPI)
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("do() error = %q, want %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestTargetsEdit(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]interface{}

	newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.NamedTarget{
			Name:   "blue",
			Target: types.ForwardTarget{Host: "10.0.0.7", Port: 8080},
		})
	})

	var out bytes.Buffer
	targetsEditCmd.SetOut(&out)
	t.Cleanup(func() { targetsEditCmd.SetOut(nil) })

	if err := runTargetsEdit(targetsEditCmd, []string{"blue", "10.0.0.7:8080"}); err != nil {
		t.Fatalf("runTargetsEdit() error = %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/api/v1/targets/blue" {
		t.Errorf("request = %s %s, want PUT /api/v1/targets/blue", gotMethod, gotPath)
	}
	if gotBody["host"] != "10.0.0.7" || gotBody["port"] != float64(8080) {
		t.Errorf("body = %v, want host 10.0.0.7 port 8080", gotBody)
	}
	if !strings.Contains(out.String(), "blue → 10.0.0.7:8080") {
		t.Errorf("output = %q, want the updated target", out.String())
	}

	if err := runTargetsEdit(targetsEditCmd, []string{"blue", "10.0.0.7"}); err == nil {
		t.Error("runTargetsEdit() with no port should fail")
	}
}

func TestClientUnreachable(t *testing.T) {
	viper.Set("server", "http://127.0.0.1:1")
	t.Cleanup(func() { viper.Set("server", "") })

	_, err := newClient().do(http.MethodGet, "/health", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "failed to reach portswitch daemon") {
		t.Errorf("do() error = %v, want unreachable error", err)
	}
}

func TestInitialConfig(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		mode       string
		listenPort uint16
		want       types.ProxyConfig
		wantErr    bool
	}{
		{
			name: "no target stays disabled",
			want: types.Disabled(),
		},
		{
			name:       "tcp target",
			target:     "backend:9000",
			listenPort: 8080,
			want:       types.Enabled(8080, types.ForwardTarget{Host: "backend", Port: 9000}),
		},
		{
			name:       "http target",
			target:     "10.0.0.1:80",
			mode:       "http",
			listenPort: 8080,
			want:       types.Enabled(8080, types.ForwardTarget{Host: "10.0.0.1", Port: 80}).WithMode(types.ModeHTTP),
		},
		{
			name:    "target without listen port",
			target:  "backend:9000",
			wantErr: true,
		},
		{
			name:       "malformed target",
			target:     "backend",
			listenPort: 8080,
			wantErr:    true,
		},
		{
			name:       "unknown mode",
			target:     "backend:9000",
			mode:       "udp",
			listenPort: 8080,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Set("target", tt.target)
			viper.Set("mode", tt.mode)
			t.Cleanup(func() {
				viper.Set("target", "")
				viper.Set("mode", "")
			})

			got, err := initialConfig(tt.listenPort)
			if (err != nil) != tt.wantErr {
				t.Fatalf("initialConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("initialConfig() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}

	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
