package cli

import (
	"context"

	"github.com/coffersTech/mapwatch/internal/controller"
	"github.com/coffersTech/mapwatch/internal/pkg/security"
	"github.com/coffersTech/mapwatch/internal/storage"
)

func openStore(ctx context.Context, opts *RootOptions) (*storage.Store, error) {
	db := opts.Config.Database
	store, err := storage.Open(ctx, db.Driver, db.DataSource(), storage.WithLogger(opts.Logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return store, nil
}

func openKeys(opts *RootOptions) (*controller.Store, error) {
	key, created, err := security.LoadOrCreateKey(opts.Config.Server.MasterKeyFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load master key", err)
	}
	if created {
		opts.Logger.Warn("generated a new master key", "path", opts.Config.Server.MasterKeyFile)
	}

	keys := controller.NewStore(opts.Config.Server.KeysFile, key)
	if err := keys.Load(); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load access keys", err)
	}
	return keys, nil
}
