package database

import (
	"fmt"
	"path/filepath"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/rs/zerolog"
)

// Embedded is a PostgreSQL server run as a child process, for single-machine
// installs without DATABASE_URL.
type Embedded struct {
	pg   *embeddedpostgres.EmbeddedPostgres
	url  string
	log  zerolog.Logger
	port uint32
}

const embeddedCredential = "coachline"

// StartEmbedded unpacks (on first run) and starts PostgreSQL with its data
// directory under dir. The returned URL is suitable for Connect.
func StartEmbedded(dir string, port uint32, log zerolog.Logger) (*Embedded, error) {
	if port == 0 {
		port = 5433
	}
	cfg := embeddedpostgres.DefaultConfig().
		Username(embeddedCredential).
		Password(embeddedCredential).
		Database(embeddedCredential).
		Port(port).
		DataPath(filepath.Join(dir, "data")).
		RuntimePath(filepath.Join(dir, "runtime")).
		BinariesPath(filepath.Join(dir, "bin")).
		StartTimeout(45 * time.Second).
		Logger(log)

	pg := embeddedpostgres.NewDatabase(cfg)
	log.Info().Str("dir", dir).Uint32("port", port).Msg("starting embedded postgres")
	if err := pg.Start(); err != nil {
		return nil, fmt.Errorf("start embedded postgres: %w", err)
	}

	url := fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		embeddedCredential, embeddedCredential, port, embeddedCredential)
	return &Embedded{pg: pg, url: url, log: log, port: port}, nil
}

// URL returns the connection string for the running server.
func (e *Embedded) URL() string { return e.url }

// Stop shuts the server down.
func (e *Embedded) Stop() error {
	e.log.Info().Uint32("port", e.port).Msg("stopping embedded postgres")
	return e.pg.Stop()
}
