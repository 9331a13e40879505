// Package config provides the qmigo context configuration schema:
// workgroup, bind host/port, discovery port, timeouts, and an optional
// static peer list. A plain mapstructure/yaml-tagged struct validated
// with go-playground/validator, loaded via viper.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// StaticPeer names a peer context qmigo can dial without running
// discovery first.
type StaticPeer struct {
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
	Host string `yaml:"host" mapstructure:"host" validate:"required"`
	Port uint16 `yaml:"port" mapstructure:"port" validate:"required"`
}

// ContextConfig is the full configuration for one qmigo context process.
type ContextConfig struct {
	// ContextName is this process's context name, used in every address
	// and in the discovery/handshake payloads.
	ContextName string `yaml:"context_name" mapstructure:"context_name" validate:"required"`

	// Workgroup scopes discovery and handshake acceptance.
	Workgroup string `yaml:"workgroup" mapstructure:"workgroup" validate:"required"`

	// BindHost/BindPort is the local TCP endpoint peers dial into.
	BindHost string `yaml:"bind_host" mapstructure:"bind_host"`
	BindPort uint16 `yaml:"bind_port" mapstructure:"bind_port" validate:"required"`

	// DiscoveryPort is the UDP port the discovery responder binds and
	// broadcasts requests to (default 35999).
	DiscoveryPort int `yaml:"discovery_port" mapstructure:"discovery_port" validate:"omitempty,min=1,max=65535"`

	// DiscoveryWindow bounds how long discover() waits for responses
	// (default 500ms).
	DiscoveryWindow time.Duration `yaml:"discovery_window" mapstructure:"discovery_window"`

	// HandshakeTimeout bounds a peer connect's handshake exchange
	// (default 5s).
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`

	// DefaultCallTimeout is the proxy call deadline used when a caller
	// doesn't specify one; 0 means unbounded.
	DefaultCallTimeout time.Duration `yaml:"default_call_timeout" mapstructure:"default_call_timeout"`

	// LogLevel: "debug", "info", "warn", or "error".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// StaticPeers are dialed-to-by-name peers that skip discovery.
	StaticPeers []StaticPeer `yaml:"static_peers" mapstructure:"static_peers" validate:"omitempty,dive"`

	// AdminAddr optionally binds a plain net/http listener exposing
	// /metrics. Empty disables it.
	AdminAddr string `yaml:"admin_addr" mapstructure:"admin_addr"`

	// LockBypassExpression overrides the default CEL lock-bypass rule.
	// Empty uses rpcobject.DefaultBypassExpression.
	LockBypassExpression string `yaml:"lock_bypass_expression" mapstructure:"lock_bypass_expression"`

	// TracingEnabled turns on OpenTelemetry spans around proxy RPC
	// calls; router sends are not traced.
	TracingEnabled bool `yaml:"tracing_enabled" mapstructure:"tracing_enabled"`
}

// SetDefaults fills in the zero-value fields with qmigo's recommended
// defaults.
func (c *ContextConfig) SetDefaults() {
	if c.BindHost == "" {
		c.BindHost = "0.0.0.0"
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = 35999
	}
	if c.DiscoveryWindow == 0 {
		c.DiscoveryWindow = 500 * time.Millisecond
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// ListenAddr is the "host:port" form used to bind and to dial.
func (c *ContextConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.BindPort)
}

// Validate runs struct-tag validation over the configuration.
func (c *ContextConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

func formatValidationErrors(err error) error {
	var ve validator.ValidationErrors
	if asValidationErrors(err, &ve) {
		msg := ""
		for i, e := range ve {
			if i > 0 {
				msg += "; "
			}
			msg += fmt.Sprintf("%s failed validation: %s", e.Namespace(), e.Tag())
		}
		return fmt.Errorf("%s", msg)
	}
	return err
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}
