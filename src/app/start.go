package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/HeapDB/src"
	"github.com/Blackdeer1524/HeapDB/src/config"
	"github.com/Blackdeer1524/HeapDB/src/delivery"
	"github.com/Blackdeer1524/HeapDB/src/engine"
	"github.com/Blackdeer1524/HeapDB/src/pkg/utils"
)

const CloseTimeout = 15 * time.Second

func newLogger(env config.Environment) src.Logger {
	if env == config.EnvDev {
		return utils.Must(zap.NewDevelopment()).Sugar()
	}
	return utils.Must(zap.NewProduction()).Sugar()
}

// APIEntrypoint runs the HTTP inspection server on top of an engine.
type APIEntrypoint struct {
	ConfigPath string
	Fs         afero.Fs
	Env        config.Config

	// applied after the configuration is loaded
	Override func(*config.Config)

	engine *engine.Engine
	s      *delivery.Server
	log    src.Logger
}

func (e *APIEntrypoint) Init(_ context.Context) error {
	if e.Fs == nil {
		e.Fs = afero.NewOsFs()
	}

	cfg, err := config.Load(e.Fs, e.ConfigPath)
	if err != nil {
		return err
	}
	if e.Override != nil {
		e.Override(&cfg)
	}
	e.Env = cfg

	e.log = newLogger(cfg.Environment)

	e.engine, err = engine.Open(e.Fs, cfg, e.log)
	if err != nil {
		return err
	}

	e.s = delivery.NewServer(cfg.ServerHost, cfg.ServerPort, e.engine, e.log)

	return nil
}

func (e *APIEntrypoint) Run(_ context.Context) error {
	return e.s.Run()
}

func (e *APIEntrypoint) Close() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), CloseTimeout)
	defer cancel()

	if e.s != nil {
		err = e.s.Close(ctx)
	}

	if e.engine != nil {
		if engineErr := e.engine.Close(); engineErr != nil && err != nil {
			err = fmt.Errorf("%w, %w", err, engineErr)
		} else if engineErr != nil {
			err = engineErr
		}
	}

	if e.log != nil {
		if err != nil {
			e.log.Error("failed to close server", zap.Error(err))
		}

		logErr := e.log.Sync()
		if logErr != nil && err != nil {
			err = fmt.Errorf("%w, %w", err, logErr)
		} else if logErr != nil {
			err = logErr
		}
	}

	return
}
