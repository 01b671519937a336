package config

// ApplyDefaults sets sensible default values on the given Config.
// Values already set (non-zero) are not overwritten by YAML unmarshalling
// later, so these serve as the baseline configuration.
func ApplyDefaults(cfg *Config) {
	// --- Log ---
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	// --- Server ---
	cfg.Server.ListenAddress = ":8080"

	// --- Addepar ---
	cfg.Addepar.URL = "https://lido.addepar.com/api/v1/jobs"
	cfg.Addepar.PortfolioType = "FIRM"
	cfg.Addepar.PortfolioID = 1
	cfg.Addepar.StartDate = "2016-05-29"
	cfg.Addepar.PollIntervalSeconds = 5
	cfg.Addepar.MaxWaitSeconds = 1800
	cfg.Addepar.SubmitRetries = 3
	cfg.Addepar.StatusRetries = 5
	cfg.Addepar.MaxRequestsPerSecond = 5
	cfg.Addepar.BurstRequestsPerSecond = 10

	// --- Restrictions ---
	cfg.Restrictions.Sheet = "Outstanding Restrictions"
	cfg.Restrictions.AccountColumn = "Account #"
	cfg.Restrictions.ReloadIntervalSeconds = 3600

	// --- Cache ---
	cfg.Cache.Dir = "cache"
	cfg.Cache.File = "addepar_clients.csv"
	cfg.Cache.TTLHours = 24
	cfg.Cache.RefreshCheckIntervalSeconds = 60

	// --- Checker ---
	cfg.Checker.AccountColumns = []string{"Account #", "Account Number"}
}
