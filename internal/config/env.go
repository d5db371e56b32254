// ABOUTME: COVEN_NODE_* environment overrides decoded with envconfig.
// ABOUTME: Only variables that are set replace file values.

package config

import (
	"github.com/kelseyhightower/envconfig"
)

// envOverlay lists the settable variables, named COVEN_NODE_<FIELD_WORDS>
// (COVEN_NODE_GATEWAY_TOKEN, COVEN_NODE_LOG_LEVEL). Pointer fields stay nil
// when the variable is unset. There are no unprefixed fallbacks.
type envOverlay struct {
	NodeID       *string `split_words:"true"`
	DisplayName  *string `split_words:"true"`
	GatewayURL   *string `split_words:"true"`
	GatewayHost  *string `split_words:"true"`
	GatewayPort  *int    `split_words:"true"`
	GatewayTLS   *bool   `split_words:"true"`
	GatewayToken *string `split_words:"true"`

	SystemEnabled *bool   `split_words:"true"`
	CanvasEnabled *bool   `split_words:"true"`
	CanvasBackend *string `split_words:"true"`

	ExecApprovalsPath *string `split_words:"true"`
	IdentityPath      *string `split_words:"true"`
	LedgerPath        *string `split_words:"true"`

	LogLevel  *string `split_words:"true"`
	LogFormat *string `split_words:"true"`

	MetricsEnabled *bool   `split_words:"true"`
	MetricsAddr    *string `split_words:"true"`
	StatusAddr     *string `split_words:"true"`
}

func applyEnv(cfg *Config) error {
	var env envOverlay
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}

	setString(&cfg.NodeID, env.NodeID)
	setString(&cfg.DisplayName, env.DisplayName)
	setString(&cfg.GatewayURL, env.GatewayURL)
	setString(&cfg.GatewayHost, env.GatewayHost)
	if env.GatewayPort != nil {
		cfg.GatewayPort = *env.GatewayPort
	}
	setBool(&cfg.GatewayTLS, env.GatewayTLS)
	setString(&cfg.GatewayToken, env.GatewayToken)

	setBool(&cfg.SystemEnabled, env.SystemEnabled)
	setBool(&cfg.CanvasEnabled, env.CanvasEnabled)
	setString(&cfg.CanvasBackend, env.CanvasBackend)

	setString(&cfg.ExecApprovalsPath, env.ExecApprovalsPath)
	setString(&cfg.IdentityPath, env.IdentityPath)
	setString(&cfg.LedgerPath, env.LedgerPath)

	setString(&cfg.Logging.Level, env.LogLevel)
	setString(&cfg.Logging.Format, env.LogFormat)
	setBool(&cfg.Metrics.Enabled, env.MetricsEnabled)
	setString(&cfg.Metrics.Addr, env.MetricsAddr)
	setString(&cfg.Status.Addr, env.StatusAddr)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
