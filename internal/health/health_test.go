package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type mockPinger struct {
	pingErr error
}

func (m *mockPinger) Ping(context.Context) error {
	return m.pingErr
}

type mockPolicyChecker struct {
	healthErr error
}

func (m *mockPolicyChecker) HealthCheck(context.Context) error {
	return m.healthErr
}

func TestCheck(t *testing.T) {
	testCases := []struct {
		name    string
		pinger  Pinger
		policy  PolicyChecker
		wantErr bool
	}{
		{"no dependencies", nil, nil, false},
		{"pinger success", &mockPinger{}, nil, false},
		{"pinger failure", &mockPinger{pingErr: errors.New("connection refused")}, nil, true},
		{"policy success", nil, &mockPolicyChecker{}, false},
		{"policy failure", nil, &mockPolicyChecker{healthErr: errors.New("rego compile failed")}, true},
		{"both, policy fails", &mockPinger{}, &mockPolicyChecker{healthErr: errors.New("policy error")}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := NewChecker(tc.pinger, tc.policy).Check(context.Background())
			if (err != nil) != tc.wantErr {
				t.Fatalf("Check = %v, wantErr %v", err, tc.wantErr)
			}
			want := healthpb.HealthCheckResponse_SERVING
			if tc.wantErr {
				want = healthpb.HealthCheckResponse_NOT_SERVING
			}
			if got := NewChecker(tc.pinger, tc.policy).ServingStatus(context.Background()); got != want {
				t.Errorf("ServingStatus = %v, want %v", got, want)
			}
		})
	}
}

func TestReady(t *testing.T) {
	ok := NewChecker(&mockPinger{}, &mockPolicyChecker{})
	rec := httptest.NewRecorder()
	ok.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready status = %d, want 200", rec.Code)
	}

	down := NewChecker(&mockPinger{pingErr: errors.New("db down")}, nil)
	rec = httptest.NewRecorder()
	down.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("not ready status = %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	down.Live(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("live status = %d, want 200 even when not ready", rec.Code)
	}
}

func TestWatch_UpdatesGRPCStatus(t *testing.T) {
	pinger := &mockPinger{pingErr: errors.New("db down")}
	srv := grpchealth.NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewChecker(pinger, nil).Watch(ctx, srv, time.Hour)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status never became NOT_SERVING: %v, %v", resp, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check after shutdown: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status after shutdown = %v, want NOT_SERVING", resp.GetStatus())
	}
}
