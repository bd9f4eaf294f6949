package main

import (
	"go.uber.org/zap"

	"github.com/and161185/dirsync/internal/cache"
	"github.com/and161185/dirsync/internal/config"
	"github.com/and161185/dirsync/internal/directory"
	"github.com/and161185/dirsync/internal/dirpath"
	"github.com/and161185/dirsync/internal/ldapclient"
	"github.com/and161185/dirsync/internal/metrics"
	"github.com/and161185/dirsync/internal/service"
	"github.com/and161185/dirsync/internal/syncer"
)

// directoryStack is everything built from the directory section of the
// configuration. In local mode only the cache is set.
type directoryStack struct {
	mode     service.Mode
	policy   dirpath.Policy
	defaults syncer.Defaults
	cache    *cache.UserGroupCache
	pool     *ldapclient.Pool
	users    *directory.UserDAO
	engine   *syncer.Engine
}

func buildDirectory(cfg *config.Config, st stores, m *metrics.Metrics, log *zap.Logger) (*directoryStack, error) {
	d := cfg.Directory
	ds := &directoryStack{
		mode:   service.Mode(cfg.EffectiveMode()),
		policy: d.Policy(),
		defaults: syncer.Defaults{
			GIDNumber:             d.Posix.DefaultGIDNumber,
			LoginShell:            d.Posix.DefaultLoginShell,
			HomeDirectoryPrefix:   d.Posix.HomeDirectoryPrefix,
			PrimaryGroupSIDNumber: d.Samba.DefaultPrimaryGroupSIDNumber,
		},
		cache: cache.New(m),
	}
	if ds.mode == service.ModeLocal {
		return ds, nil
	}

	cc, err := d.Client()
	if err != nil {
		return nil, err
	}
	ds.pool = ldapclient.NewPool(cc, log)
	ds.users = directory.NewUserDAO(ds.pool, ds.policy, d.Samba.SIDPrefix, log)

	var pass syncer.Pass
	switch ds.mode {
	case service.ModeMaster:
		pass = &syncer.Master{
			Accounts:  st.accounts,
			Groups:    st.groups,
			Users:     ds.users,
			DirGroups: directory.NewGroupDAO(ds.pool, ds.policy, log),
			OUs:       directory.NewOUDAO(ds.pool, ds.policy, log),
			Policy:    ds.policy,
			Cache:     ds.cache,
			Defaults:  ds.defaults,
			Logger:    log,
			Metrics:   m,
		}
	default:
		pass = &syncer.Slave{
			Accounts: st.accounts,
			Groups:   st.groups,
			Users:    ds.users,
			Cache:    ds.cache,
			Logger:   log,
			Metrics:  m,
		}
	}
	ds.engine = syncer.NewEngine(pass, syncer.Options{
		Interval:          d.Sync.Interval,
		MinReloadInterval: d.Sync.MinReloadInterval,
		Logger:            log,
		Metrics:           m,
	})
	ds.cache.Attach(ds.engine)
	return ds, nil
}

func (ds *directoryStack) reloader() cache.Reloader {
	if ds.engine == nil {
		return nil
	}
	return ds.engine
}

func (ds *directoryStack) refresher() service.Refresher {
	if ds.engine == nil {
		return nil
	}
	return ds.engine
}

func (ds *directoryStack) close() {
	if ds.pool != nil {
		_ = ds.pool.Close()
	}
}
