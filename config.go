package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/horgh/config"
	log "github.com/sirupsen/logrus"
)

// Config holds the gateway's configuration.
type Config struct {
	ListenHost string
	ListenPort string
	ServerName string
	Version    string

	// Sent after registration. With none we say so with 422.
	MOTD string

	// Period of time to wait before waking server up (maximum).
	WakeupTime time.Duration

	// Period of time a connection can be idle before we send it a PING.
	PingTime time.Duration

	// Period of time a connection can be idle before we consider it dead.
	DeadTime time.Duration

	// How long a connection that failed to authenticate stays open.
	AuthFailDelay time.Duration

	// Base URL of the remote service's API.
	APIURL     string
	APITimeout time.Duration
	APIRate    float64
	APIBurst   int

	// Base URL for links to statuses.
	WebURL string

	StoreBackend string
	StorePath    string
	RedisAddr    string

	TLSCert string
	TLSKey  string

	// Sessions stay alive with no connections attached.
	KeepAliveSessions bool

	LogLevel log.Level

	// Defaults for per-user settings. Settings saved by a user win.
	UserDefaults UserConfig
}

// checkAndParseConfig checks configuration keys are present and in an
// acceptable format.
//
// We parse some values into alternate representations.
func checkAndParseConfig(file string) (*Config, error) {
	configMap, err := config.ReadStringMap(file)
	if err != nil {
		return nil, err
	}

	requiredKeys := []string{
		"listen-host",
		"listen-port",
		"server-name",
		"version",
		"wakeup-time",
		"ping-time",
		"dead-time",
		"api-url",
		"api-timeout",
		"store-backend",
		"store-path",
	}

	// Check each key we want is present and non-blank.
	for _, key := range requiredKeys {
		v, exists := configMap[key]
		if !exists {
			return nil, fmt.Errorf("Missing required key: %s", key)
		}

		if len(v) == 0 {
			return nil, fmt.Errorf("Configuration value is blank: %s", key)
		}
	}

	// Populate our struct.

	c := &Config{
		ListenHost:   configMap["listen-host"],
		ListenPort:   configMap["listen-port"],
		ServerName:   configMap["server-name"],
		Version:      configMap["version"],
		MOTD:         configMap["motd"],
		APIURL:       configMap["api-url"],
		WebURL:       "https://twitter.com",
		StoreBackend: configMap["store-backend"],
		StorePath:    configMap["store-path"],
		RedisAddr:    configMap["redis-addr"],
		TLSCert:      configMap["tls-cert"],
		TLSKey:       configMap["tls-key"],
		APIRate:      5,
		APIBurst:     10,
		LogLevel:     log.InfoLevel,
		UserDefaults: defaultUserConfig(),
	}

	c.WakeupTime, err = time.ParseDuration(configMap["wakeup-time"])
	if err != nil {
		return nil, fmt.Errorf("Wakeup time is in invalid format: %s", err)
	}

	c.PingTime, err = time.ParseDuration(configMap["ping-time"])
	if err != nil {
		return nil, fmt.Errorf("Ping time is in invalid format: %s", err)
	}

	c.DeadTime, err = time.ParseDuration(configMap["dead-time"])
	if err != nil {
		return nil, fmt.Errorf("Dead time is in invalid format: %s", err)
	}

	c.APITimeout, err = time.ParseDuration(configMap["api-timeout"])
	if err != nil {
		return nil, fmt.Errorf("API timeout is in invalid format: %s", err)
	}

	c.AuthFailDelay = 10 * time.Second
	if v := configMap["auth-fail-delay"]; v != "" {
		c.AuthFailDelay, err = time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("Auth fail delay is in invalid format: %s", err)
		}
	}

	if v := configMap["web-url"]; v != "" {
		c.WebURL = v
	}

	if v := configMap["api-rate"]; v != "" {
		c.APIRate, err = strconv.ParseFloat(v, 64)
		if err != nil || c.APIRate <= 0 {
			return nil, fmt.Errorf("API rate is not valid: %s", v)
		}
	}

	if v := configMap["api-burst"]; v != "" {
		c.APIBurst, err = strconv.Atoi(v)
		if err != nil || c.APIBurst < 1 {
			return nil, fmt.Errorf("API burst is not valid: %s", v)
		}
	}

	if v := configMap["keep-alive-sessions"]; v != "" {
		c.KeepAliveSessions, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("Keep alive sessions is not valid: %s", err)
		}
	}

	if v := configMap["log-level"]; v != "" {
		c.LogLevel, err = log.ParseLevel(v)
		if err != nil {
			return nil, fmt.Errorf("Log level is not valid: %s", err)
		}
	}

	switch c.StoreBackend {
	case "file", "pebble":
	case "redis":
		if c.RedisAddr == "" {
			return nil, fmt.Errorf("Missing required key: redis-addr")
		}
	default:
		return nil, fmt.Errorf("Unknown store backend: %s", c.StoreBackend)
	}

	if (c.TLSCert == "") != (c.TLSKey == "") {
		return nil, fmt.Errorf("tls-cert and tls-key must be set together")
	}

	if v := configMap["user-defaults"]; v != "" {
		if err := loadUserDefaults(v, &c.UserDefaults); err != nil {
			return nil, fmt.Errorf("Unable to load user defaults: %s", err)
		}
	}

	return c, nil
}
