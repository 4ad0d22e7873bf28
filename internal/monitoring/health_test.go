package monitoring

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestHealthServer(t *testing.T) {
	SetLogger(nil)
	defer SetLogger(nil)

	lis := bufconn.Listen(1 << 20)
	h := NewHealthServer(ServiceIngest, ServiceWorker)
	require.NoError(t, h.Serve(lis))
	defer h.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceIngest))

	h.SetServing(ServiceIngest, true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceIngest))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceWorker))

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Error(t, err)

	assert.Error(t, h.Serve(bufconn.Listen(1024)), "second Serve should fail")
}
