package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/linluma/marketfeed/shared/logger"
)

// StatusClient watches the stream health published by the feed daemon
type StatusClient struct {
	serverAddr string
	conn       *grpc.ClientConn
	client     healthpb.HealthClient
	log        *logger.Entry
}

// NewStatusClient creates a new status client
func NewStatusClient(serverAddr string, log *logger.Entry) *StatusClient {
	return &StatusClient{
		serverAddr: serverAddr,
		log:        logger.OrDiscard(log).WithComponent("client"),
	}
}

// Connect prepares the connection to the daemon. The dial itself is lazy.
func (c *StatusClient) Connect() error {
	conn, err := grpc.NewClient(c.serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.conn = conn
	c.client = healthpb.NewHealthClient(conn)
	return nil
}

// Close closes the connection
func (c *StatusClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Check asks for the current status once
func (c *StatusClient) Check(ctx context.Context, service string) (*healthpb.HealthCheckResponse, error) {
	resp, err := c.client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return nil, fmt.Errorf("failed to check %s: %w", service, err)
	}
	return resp, nil
}

// Watch streams status changes until ctx is done or the server goes away
func (c *StatusClient) Watch(ctx context.Context, service string) (<-chan *healthpb.HealthCheckResponse, error) {
	stream, err := c.client.Watch(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", service, err)
	}

	out := make(chan *healthpb.HealthCheckResponse)
	go func() {
		defer close(out)
		for {
			resp, err := stream.Recv()
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					c.log.WithError(err).Warn("Status stream ended")
				}
				return
			}
			select {
			case out <- resp:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// FormatStatus renders one status update as a single JSON line
func FormatStatus(at time.Time, service string, resp *healthpb.HealthCheckResponse) string {
	body, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(resp)
	if err != nil {
		body = []byte(resp.GetStatus().String())
	}
	return fmt.Sprintf("%s %s %s", at.Format(time.RFC3339), service, body)
}
