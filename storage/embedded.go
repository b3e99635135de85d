package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// StartEmbedded starts an in-process NATS server with JetStream enabled on a
// random port. An empty dataDir keeps JetStream state in a temporary
// directory owned by the server.
func StartEmbedded(dataDir string) (*server.Server, error) {
	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  dataDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server failed to start")
	}
	return ns, nil
}
