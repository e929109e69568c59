// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package session

import (
	"crypto/tls"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/sosodev/duration"

	"github.com/nimbusedge/mqttproto/errors"
	"github.com/nimbusedge/mqttproto/session/auth"
)

// Settings are the connection settings for a SessionClient, loadable from
// environment variables or constructed directly.
type Settings struct {
	HostName string
	TCPPort  int
	UseTLS   bool

	ClientID string

	Username     string
	Password     []byte
	PasswordFile string

	CertFile        string
	KeyFile         string
	KeyFilePassword string
	CAFile          string

	SATAuthFile string

	CleanStart        bool
	KeepAlive         time.Duration
	SessionExpiry     time.Duration
	ReceiveMaximum    uint16
	ConnectionTimeout time.Duration
}

// envPrefix is the "MQTT_" connection-settings env namespace.
const envPrefix = "MQTT_"

// SettingsFromEnv loads Settings from environment variables named
// MQTT_<FieldName in SCREAMING_SNAKE_CASE>, e.g. MQTT_HOST_NAME, MQTT_TCP_PORT.
func SettingsFromEnv() (*Settings, error) {
	s := defaultSettings()
	fields := map[string]*string{
		"HostName":     &s.HostName,
		"ClientID":     &s.ClientID,
		"Username":     &s.Username,
		"PasswordFile": &s.PasswordFile,
		"CertFile":     &s.CertFile,
		"KeyFile":      &s.KeyFile,
		"CAFile":       &s.CAFile,
		"SATAuthFile":  &s.SATAuthFile,
	}
	for name, dst := range fields {
		if v, ok := lookupEnv(name); ok {
			*dst = v
		}
	}

	if v, ok := lookupEnv("Password"); ok {
		s.Password = []byte(v)
	}
	if v, ok := lookupEnv("TCPPort"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, invalidEnv("TCPPort", v, err)
		}
		s.TCPPort = port
	}
	if v, ok := lookupEnv("UseTLS"); ok {
		useTLS, err := strconv.ParseBool(v)
		if err != nil {
			return nil, invalidEnv("UseTLS", v, err)
		}
		s.UseTLS = useTLS
	}
	if v, ok := lookupEnv("CleanStart"); ok {
		cleanStart, err := strconv.ParseBool(v)
		if err != nil {
			return nil, invalidEnv("CleanStart", v, err)
		}
		s.CleanStart = cleanStart
	}
	if v, ok := lookupEnv("KeepAlive"); ok {
		d, err := parseISODuration("KeepAlive", v)
		if err != nil {
			return nil, err
		}
		s.KeepAlive = d
	}
	if v, ok := lookupEnv("SessionExpiry"); ok {
		d, err := parseISODuration("SessionExpiry", v)
		if err != nil {
			return nil, err
		}
		s.SessionExpiry = d
	}
	if v, ok := lookupEnv("ConnectionTimeout"); ok {
		d, err := parseISODuration("ConnectionTimeout", v)
		if err != nil {
			return nil, err
		}
		s.ConnectionTimeout = d
	}

	if s.HostName == "" {
		return nil, &errors.Error{Message: "MQTT_HOST_NAME must be provided", Kind: errors.ArgumentInvalid, PropertyName: "HostName"}
	}
	return s, nil
}

func defaultSettings() *Settings {
	return &Settings{
		TCPPort:           8883,
		UseTLS:            true,
		CleanStart:        true,
		KeepAlive:         60 * time.Second,
		SessionExpiry:     time.Hour,
		ReceiveMaximum:    math.MaxUint16,
		ConnectionTimeout: 30 * time.Second,
	}
}

// lookupEnv maps a Go field name (e.g. "HostName") to its SCREAMING_SNAKE_CASE
// environment variable name (e.g. "MQTT_HOST_NAME") via strcase.
func lookupEnv(field string) (string, bool) {
	name := envPrefix + strings.ToUpper(strcase.ToSnake(field))
	v, ok := os.LookupEnv(name)
	return v, ok && v != ""
}

func invalidEnv(field, value string, cause error) error {
	return &errors.Error{
		Message:      fmt.Sprintf("unable to parse %s", field),
		Kind:         errors.ArgumentInvalid,
		PropertyName: field,
		NestedError:  cause,
	}
}

func parseISODuration(field, value string) (time.Duration, error) {
	d, err := duration.Parse(value)
	if err != nil {
		return 0, invalidEnv(field, value, err)
	}
	return d.ToTimeDuration(), nil
}

// TLSConfig builds the *tls.Config implied by the certificate/key/CA
// settings. Returns nil if UseTLS is false.
func (s *Settings) TLSConfig() (*tls.Config, error) {
	if !s.UseTLS {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if s.CertFile != "" || s.KeyFile != "" {
		if s.CertFile == "" || s.KeyFile == "" {
			return nil, &errors.Error{Message: "both CertFile and KeyFile must be provided for X.509 authentication", Kind: errors.ArgumentInvalid}
		}
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, &errors.Error{Message: "unable to load X509 key pair", Kind: errors.ArgumentInvalid, NestedError: err}
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if s.CAFile != "" {
		pool, err := loadCACertPool(s.CAFile)
		if err != nil {
			return nil, &errors.Error{Message: "unable to load CA certificate", Kind: errors.ArgumentInvalid, NestedError: err}
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// AuthProvider resolves the configured enhanced-authentication provider, if
// any.
func (s *Settings) AuthProvider() auth.Provider {
	if s.SATAuthFile == "" {
		return nil
	}
	return auth.NewServiceAccountToken(s.SATAuthFile)
}

// ResolvedPassword returns the password to present at connect time, reading
// PasswordFile if Password was not set directly.
func (s *Settings) ResolvedPassword() ([]byte, error) {
	if len(s.Password) > 0 {
		return s.Password, nil
	}
	if s.PasswordFile != "" {
		return os.ReadFile(s.PasswordFile)
	}
	return nil, nil
}
