// Package factory builds the pacs.Client selected by a configuration.
package factory

import (
	"go.uber.org/zap"

	"github.com/caio-sobreiro/pacsman/backend/filesystem"
	"github.com/caio-sobreiro/pacsman/backend/netkit"
	"github.com/caio-sobreiro/pacsman/backend/protolib"
	"github.com/caio-sobreiro/pacsman/config"
	"github.com/caio-sobreiro/pacsman/pacs"
)

// New validates cfg and returns the backend it names. No connection is
// opened and no file is read; invalid configurations fail with a
// KindConfiguration error.
func New(cfg config.Config, logger *zap.Logger) (pacs.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, pacs.Errorf(pacs.KindConfiguration, "new client", "%v", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Backend {
	case config.BackendNetworkToolkit:
		logger.Debug("Selected backend", zap.String("backend", cfg.Backend), zap.String("address", cfg.Address()))
		return netkit.New(netkit.Options{
			Address:         cfg.Address(),
			CalledAETitle:   cfg.CalledAETitle,
			CallingAETitle:  cfg.CallingAETitle,
			StoragePort:     cfg.StoragePort,
			MaxPDULength:    cfg.MaxPDULength,
			ConnectTimeout:  cfg.ConnectTimeout,
			ReadTimeout:     cfg.ReadTimeout,
			RetrieveTimeout: cfg.RetrieveTimeout,
			IdleTimeout:     cfg.IdleTimeout,
			Retry:           RetryPolicy(cfg.Retry),
			Logger:          logger,
		}), nil
	case config.BackendProtocolLibrary:
		logger.Debug("Selected backend", zap.String("backend", cfg.Backend), zap.String("address", cfg.Address()))
		return protolib.New(protolib.Options{
			Address:         cfg.Address(),
			CalledAETitle:   cfg.CalledAETitle,
			CallingAETitle:  cfg.CallingAETitle,
			MaxPDULength:    cfg.MaxPDULength,
			ConnectTimeout:  cfg.ConnectTimeout,
			ReadTimeout:     cfg.ReadTimeout,
			RetrieveTimeout: cfg.RetrieveTimeout,
			Workers:         cfg.Workers,
			Retry:           RetryPolicy(cfg.Retry),
			Logger:          logger,
		}), nil
	case config.BackendFilesystem:
		logger.Debug("Selected backend", zap.String("backend", cfg.Backend), zap.String("root", cfg.Root))
		return filesystem.New(filesystem.Options{
			Root:            cfg.Root,
			IndexName:       cfg.IndexName,
			Overwrite:       cfg.Overwrite,
			Workers:         cfg.Workers,
			RetrieveTimeout: cfg.RetrieveTimeout,
			Logger:          logger,
		}), nil
	}
	return nil, pacs.Errorf(pacs.KindConfiguration, "new client", "unsupported backend %q", cfg.Backend)
}

// RetryPolicy converts the configured retry section.
func RetryPolicy(r config.Retry) pacs.RetryPolicy {
	return pacs.RetryPolicy{
		Attempts:       r.Attempts,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
		Multiplier:     r.Multiplier,
		TimeoutPadding: r.TimeoutPadding,
	}
}
