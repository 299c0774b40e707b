package health

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type fakePinger struct {
	mu  sync.Mutex
	err error
}

func (f *fakePinger) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakePinger) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func startServer(t *testing.T, db Pinger, agentAvailable bool) (*Server, []grpc.DialOption) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(db, agentAvailable, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ctx, lis, time.Hour); err != nil {
			t.Errorf("Serve failed: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	opts := []grpc.DialOption{dialer}

	// Serve refreshes before accepting, so one successful probe means the
	// initial statuses are in place.
	probe(t, opts, "")
	return srv, opts
}

func probe(t *testing.T, opts []grpc.DialOption, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := Probe(ctx, "passthrough:///bufnet", service, opts...)
	if err != nil {
		t.Fatalf("Probe(%q) failed: %v", service, err)
	}
	return status
}

func TestHealthServing(t *testing.T) {
	t.Parallel()

	_, opts := startServer(t, &fakePinger{}, true)

	for _, svc := range []string{"", ServiceDatabase, ServiceAgent} {
		if got := probe(t, opts, svc); got != healthpb.HealthCheckResponse_SERVING {
			t.Errorf("%q status = %v, want SERVING", svc, got)
		}
	}
}

func TestHealthAgentDisabledKeepsOverallServing(t *testing.T) {
	t.Parallel()

	_, opts := startServer(t, &fakePinger{}, false)

	if got := probe(t, opts, ServiceAgent); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("agent status = %v, want NOT_SERVING", got)
	}
	if got := probe(t, opts, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall status = %v, want SERVING", got)
	}
}

func TestHealthRefreshTracksDatabase(t *testing.T) {
	t.Parallel()

	db := &fakePinger{}
	srv, opts := startServer(t, db, true)

	db.set(errors.New("database is locked"))
	srv.Refresh(context.Background())

	if got := probe(t, opts, ServiceDatabase); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("database status = %v, want NOT_SERVING", got)
	}
	if got := probe(t, opts, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("overall status = %v, want NOT_SERVING", got)
	}

	db.set(nil)
	srv.Refresh(context.Background())
	if got := probe(t, opts, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall status = %v after recovery, want SERVING", got)
	}
}
