package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServerData(&cfg.ServerData, result)
	validateApplicationData(&cfg.ApplicationData, result)

	if cfg.ApplicationData.API.Enabled && cfg.ApplicationData.API.Port == cfg.ServerData.Network.Port {
		result.AddError("application_data.api.port", "API port conflicts with the game port")
	}

	return result
}

func validateServerData(data *ServerData, result *ValidationResult) {
	n := &data.Network
	validatePort(n.Port, "server_data.network.port", result)

	if n.Host != "" && net.ParseIP(n.Host) == nil {
		result.AddWarning("server_data.network.host",
			fmt.Sprintf("host %q is not an IP address, it will be resolved at startup", n.Host))
	}
	if n.IOThreads < 1 {
		result.AddError("server_data.network.io_threads", "must have at least 1 I/O thread")
	}
	if n.IdleTimeoutSec < 1 {
		result.AddError("server_data.network.idle_timeout_sec", "idle timeout must be at least 1 second")
	} else if n.IdleTimeoutSec < 5 {
		result.AddWarning("server_data.network.idle_timeout_sec",
			"idle timeout less than 5 seconds will drop slow clients during login")
	}
	if n.WriteTimeoutSec < 1 {
		result.AddError("server_data.network.write_timeout_sec", "write timeout must be at least 1 second")
	}
	if n.IPTOS < 0 || n.IPTOS > 0xFF {
		result.AddError("server_data.network.ip_tos", fmt.Sprintf("invalid type-of-service byte: %d", n.IPTOS))
	}

	t := &data.Tick
	if t.RateHz < 1 || t.RateHz > 1000 {
		result.AddError("server_data.tick.rate_hz", fmt.Sprintf("tick rate %d out of range (1-1000)", t.RateHz))
	}
	if t.DrainBound < 1 {
		result.AddError("server_data.tick.drain_bound", "drain bound must be at least 1")
	} else if t.DrainBound < 50 {
		result.AddWarning("server_data.tick.drain_bound",
			fmt.Sprintf("low drain bound (%d) may starve busy connections", t.DrainBound))
	}
	if t.LagCriticalMs < t.LagWarningMs {
		result.AddWarning("server_data.tick.lag_critical_ms", "critical lag threshold is below the warning threshold")
	}

	l := &data.Login
	if l.TimeoutTicks < 1 {
		result.AddError("server_data.login.timeout_ticks", "login timeout must be at least 1 tick")
	}
	if l.KeyBits < 1024 {
		result.AddError("server_data.login.key_bits", "RSA key must be at least 1024 bits")
	}
	if l.MaxPlayers < 1 {
		result.AddError("server_data.login.max_players", "max players must be at least 1")
	}
	if l.OnlineMode && strings.TrimSpace(l.SessionURL) == "" {
		result.AddError("server_data.login.session_url", "session URL is required in online mode")
	}
	if len(l.MOTD) > 64 {
		result.AddWarning("server_data.login.motd", "long MOTD will be truncated by clients")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)

		if data.API.TLSEnabled {
			if strings.TrimSpace(data.API.TLSCertFile) == "" {
				result.AddError("application_data.api.tls_cert_file",
					"TLS certificate file is required when TLS is enabled")
			}
			if strings.TrimSpace(data.API.TLSKeyFile) == "" {
				result.AddError("application_data.api.tls_key_file",
					"TLS key file is required when TLS is enabled")
			}
		}
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
		if data.API.Token == "" {
			result.AddWarning("application_data.api.token",
				"no API token set, control endpoints are unauthenticated")
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if data.Database.Enabled {
		if strings.TrimSpace(data.Database.Path) == "" {
			result.AddError("application_data.database.path", "database path is required when enabled")
		}
		if data.Database.RetentionDays < 1 {
			result.AddError("application_data.database.retention_days", "retention days must be at least 1")
		}
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.GeneralHealthInterval < 5 {
		result.AddWarning("timers.general_health_interval",
			"health interval less than 5s may cause excessive load")
	}
	if timers.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval",
			"heartbeat interval less than 10s may cause excessive traffic")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
