package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs an in-process NATS server with JetStream enabled.
// Used by tests and single-binary deployments.
type EmbeddedServer struct {
	server *server.Server
	url    string
}

// StartEmbeddedServer starts an embedded server on a random port with
// JetStream storage under storeDir. An empty storeDir uses a temp directory.
func StartEmbeddedServer(storeDir string) (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
	}

	s, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded server not ready")
	}

	return &EmbeddedServer{server: s, url: s.ClientURL()}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string { return e.url }

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}
}

// NewEmbeddedBus starts an embedded server and a bus connected to it.
// Convenience for tests.
func NewEmbeddedBus(ctx context.Context, opts ...Option) (*Bus, *EmbeddedServer, error) {
	srv, err := StartEmbeddedServer("")
	if err != nil {
		return nil, nil, err
	}

	opts = append([]Option{
		WithURL(srv.URL()),
		WithStreamRetention(time.Minute, 10<<20),
	}, opts...)

	b, err := New(ctx, opts...)
	if err != nil {
		srv.Shutdown()
		return nil, nil, err
	}

	return b, srv, nil
}
