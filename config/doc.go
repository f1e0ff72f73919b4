// Package config loads the pipeline configuration.
//
// Configuration is assembled in layers: built-in defaults, then each file added to
// the Loader in order (JSON or YAML, chosen by extension), then FEISHU_* environment
// variables. Later layers only override the keys they set. Durations are expressed in
// milliseconds with an _ms suffix so files stay language neutral.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("feishu.yaml")
//	loader.AddLayer("feishu.production.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//	    return err
//	}
//	connCfg := cfg.ConnectionConfig()
//
// # Environment Overrides
//
//	FEISHU_APP_ID, FEISHU_APP_SECRET, FEISHU_BASE_URL
//	FEISHU_ENCRYPT_KEY, FEISHU_VERIFICATION_TOKEN
//	FEISHU_LISTEN_ADDR
//	FEISHU_DEDUP_BACKEND, FEISHU_REDIS_ADDR, FEISHU_REDIS_PASSWORD, FEISHU_NATS_URL
//
// # Validation
//
// Validate enforces the operator-facing minimums: a heartbeat and reconnect delay of
// at least one second, a dedup window of at least one minute, a request body limit of
// at least 1 KiB, and positive queue and concurrency limits. Component packages only
// check structural consistency, so tests can run with shorter timings.
package config
