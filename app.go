package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
	natsgo "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"mysqlevp/internal/binlog"
	"mysqlevp/internal/checker"
	"mysqlevp/internal/checkpoint"
	"mysqlevp/internal/config"
	"mysqlevp/internal/engine"
	"mysqlevp/internal/filter"
	"mysqlevp/internal/handler"
	"mysqlevp/internal/sink/console"
	"mysqlevp/internal/sink/kafka"
	"mysqlevp/internal/sink/nats"
	"mysqlevp/internal/sink/render"
	"mysqlevp/internal/stream"
	"mysqlevp/internal/transform"
)

const (
	exitGeneric        = 1
	exitConfig         = 2
	exitUnrecoverable  = 3
	exitClassification = 4
	exitHandler        = 5
	exitCheckpoint     = 6
)

// configError marks failures to load or apply the configuration.
type configError struct {
	err error
}

func (e *configError) Error() string {
	return e.err.Error()
}

func (e *configError) Unwrap() error {
	return e.err
}

// exitCode maps the error Run or a command returned to the process status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var (
		cfgErr       *configError
		exhausted    *engine.RetriesExhaustedError
		unrecover    *stream.UnrecoverableError
		classifyErr  *engine.ClassificationError
		handlerErr   *engine.HandlerError
		checkpointEr *engine.CheckpointError
	)
	switch {
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.As(err, &exhausted), errors.As(err, &unrecover):
		return exitUnrecoverable
	case errors.As(err, &classifyErr):
		return exitClassification
	case errors.As(err, &handlerErr):
		return exitHandler
	case errors.As(err, &checkpointEr), errors.Is(err, checkpoint.ErrLocked):
		return exitCheckpoint
	}
	return exitGeneric
}

// app holds everything the daemon opened, in the order it must be closed.
type app struct {
	engine *engine.Engine
	fanout *handler.Fanout
	store  checkpoint.Store
	db     *sql.DB
	logger *logrus.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			if closeErr := a.Close(); closeErr != nil {
				logger.Warnf("Cleanup after failed startup: %v", closeErr)
			}
		}
	}()

	binlogCfg := binlogConfig(cfg.MySQL)
	a.db, err = binlog.OpenDB(binlogCfg)
	if err != nil {
		return nil, err
	}

	if cfg.MySQL.CheckOnStart {
		if err := checker.New(a.db, logger).Check(ctx); err != nil {
			return nil, fmt.Errorf("MySQL check failed: %w", err)
		}
	}

	a.store, err = openStore(cfg.Binlog, logger)
	if err != nil {
		return nil, err
	}

	sinks, natsConn, err := buildSinks(cfg.Sinks, logger)
	if err != nil {
		return nil, &configError{err}
	}
	a.fanout = handler.NewFanout(sinks...)

	transformer, err := transform.New(&cfg.Processor, logger, natsConn)
	if err != nil {
		return nil, &configError{err}
	}
	h := transform.Wrap(transformer, a.fanout, logger)

	tables := filter.New(cfg.Tables)
	logger.Infof("Capturing tables: %s", tables)

	source := binlog.NewSource(binlogCfg, a.db, tables, logger)
	a.engine = engine.New(source, a.store, tables, h, engineOptions(cfg), logger)
	return a, nil
}

// Close releases sinks, the checkpoint store and the database handle.
func (a *app) Close() error {
	var result *multierror.Error
	if a.fanout != nil {
		if err := a.fanout.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("sinks: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("checkpoint store: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("mysql: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func binlogConfig(c config.MySQLConfig) binlog.Config {
	return binlog.Config{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		ServerID:        c.ServerID,
		Flavor:          c.Flavor,
		Charset:         c.Charset,
		HeartbeatPeriod: c.HeartbeatPeriod,
		ReadTimeout:     c.ReadTimeout,
	}
}

func engineOptions(cfg *config.Config) engine.Options {
	maxAttempts := cfg.Retry.MaxAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return engine.Options{
		Reconnect: engine.RetryPolicy{
			MaxAttempts:    maxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
		},
		HandlerRetry: engine.HandlerRetryPolicy{
			MaxRetries: cfg.HandlerRetry.MaxRetries,
			Backoff:    cfg.HandlerRetry.Backoff,
		},
	}
}

func openStore(cfg config.BinlogConfig, logger *logrus.Logger) (checkpoint.Store, error) {
	var (
		store checkpoint.Store
		err   error
	)
	switch cfg.CheckpointBackend {
	case "bolt":
		store, err = checkpoint.NewBoltStore(cfg.PositionFile, logger)
	default:
		store, err = checkpoint.NewFileStore(cfg.PositionFile, logger)
	}
	if err != nil {
		return nil, &engine.CheckpointError{Op: "open", Err: err}
	}
	return store, nil
}

// buildSinks creates one handler per configured sink. The connection of the
// first NATS sink is returned for the transform bindings.
func buildSinks(configs []config.SinkConfig, logger *logrus.Logger) (sinks []handler.Sink, natsConn *natsgo.Conn, err error) {
	defer func() {
		if err != nil {
			closeSinks(sinks, logger)
		}
	}()

	for _, sc := range configs {
		h, err := buildSink(sc, os.Stdout, logger)
		if err != nil {
			return sinks, nil, fmt.Errorf("sink %s: %w", sc.Name, err)
		}
		if p, ok := h.(*nats.Publisher); ok && natsConn == nil {
			natsConn = p.Conn()
		}
		sinks = append(sinks, handler.Sink{Name: sc.Name, Handler: h})
		logger.Infof("Configured %s sink %q", sc.Type, sc.Name)
	}
	return sinks, natsConn, nil
}

func buildSink(sc config.SinkConfig, out io.Writer, logger *logrus.Logger) (handler.Handler, error) {
	renderer, err := render.New(sc.EvTZ, sc.DtColTZ)
	if err != nil {
		return nil, err
	}

	switch sc.Type {
	case "console":
		return console.New(out, renderer, sc.Console.Indent), nil
	case "kafka":
		return kafka.New(kafka.NewWriter(sc.Kafka), sc.Kafka, renderer, logger), nil
	case "nats":
		conn, err := nats.Connect(sc.NATS, logger)
		if err != nil {
			return nil, err
		}
		publisher, err := nats.NewPublisher(conn, sc.NATS, renderer, logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return publisher, nil
	}
	return nil, fmt.Errorf("unknown sink type %q", sc.Type)
}

func closeSinks(sinks []handler.Sink, logger *logrus.Logger) {
	if err := handler.NewFanout(sinks...).Close(); err != nil {
		logger.Warnf("Failed to close sinks: %v", err)
	}
}
