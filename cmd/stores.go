package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sis-migrate/internal/ledger"
	"github.com/sells-group/sis-migrate/internal/resilience"
	"github.com/sells-group/sis-migrate/internal/staging"
	"github.com/sells-group/sis-migrate/internal/tablecfg"
)

// openStaging opens the staging workspace configured in cfg.
func openStaging() (*staging.Store, error) {
	st, err := staging.Open(cfg.Staging.Path)
	if err != nil {
		return nil, eris.Wrap(err, "open staging store")
	}
	return st.WithRetry(resilience.FromConfig(cfg.Retry)), nil
}

// openLedger opens the configured ledger backend and applies its migrations.
func openLedger(ctx context.Context) (ledger.Store, error) {
	if err := cfg.Validate("ledger"); err != nil {
		return nil, err
	}
	st, err := ledger.Open(ctx, cfg.Ledger, resilience.FromConfig(cfg.Retry))
	if err != nil {
		return nil, eris.Wrap(err, "open ledger")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate ledger")
	}
	return st, nil
}

func loadCatalog() (*tablecfg.Catalog, error) {
	cat, err := tablecfg.Load(cfg.Pipeline.TablesFile)
	if err != nil {
		return nil, eris.Wrapf(err, "load table catalog %s", cfg.Pipeline.TablesFile)
	}
	return cat, nil
}
