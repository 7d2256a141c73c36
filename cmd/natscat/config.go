package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/gonats/nats-client-go/nats"
)

// settings collects the root flags shared by every subcommand.
type settings struct {
	url         string
	name        string
	user        string
	pass        string
	token       string
	verbose     bool
	timeout     time.Duration
	contextPath string

	tlsCA   string
	tlsCert string
	tlsKey  string
}

// natscat context.toml key mapping to connection settings.
type fileConfig struct {
	URL     string `toml:"url"`
	Name    string `toml:"name"`
	User    string `toml:"user"`
	Pass    string `toml:"pass"`
	Token   string `toml:"token"`
	Verbose bool   `toml:"verbose"`
	TLSCA   string `toml:"tls_ca"`
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`
}

// applyContext overlays a TOML context file onto the settings. Keys absent
// from the file leave the flag values untouched; flags set explicitly on the
// command line win over the file.
func (settings *settings) applyContext(cmd *cobra.Command) error {
	if settings.contextPath == "" {
		return nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(settings.contextPath, &raw)
	if err != nil {
		return fmt.Errorf("load context: %w", err)
	}

	flags := cmd.Root().PersistentFlags()
	overlay := func(key string, flagName string, apply func()) {
		if meta.IsDefined(key) && !flags.Changed(flagName) {
			apply()
		}
	}
	overlay("url", "url", func() { settings.url = strings.TrimSpace(raw.URL) })
	overlay("name", "name", func() { settings.name = strings.TrimSpace(raw.Name) })
	overlay("user", "user", func() { settings.user = raw.User })
	overlay("pass", "pass", func() { settings.pass = raw.Pass })
	overlay("token", "token", func() { settings.token = raw.Token })
	overlay("verbose", "verbose", func() { settings.verbose = raw.Verbose })

	// TLS material paths resolve relative to the context file.
	resolve := func(path string) string {
		path = strings.TrimSpace(path)
		if path == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(filepath.Dir(settings.contextPath), path)
	}
	if meta.IsDefined("tls_ca") {
		settings.tlsCA = resolve(raw.TLSCA)
	}
	if meta.IsDefined("tls_cert") {
		settings.tlsCert = resolve(raw.TLSCert)
	}
	if meta.IsDefined("tls_key") {
		settings.tlsKey = resolve(raw.TLSKey)
	}

	return nil
}

// tlsConfig assembles trust material from the context file, or nil when none
// was configured.
func (settings *settings) tlsConfig() (*tls.Config, error) {
	if settings.tlsCA == "" && settings.tlsCert == "" {
		return nil, nil
	}

	config := &tls.Config{}
	if settings.tlsCA != "" {
		pem, err := os.ReadFile(settings.tlsCA)
		if err != nil {
			return nil, fmt.Errorf("load tls_ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("load tls_ca: no certificates in %s", settings.tlsCA)
		}
		config.RootCAs = pool
	}
	if settings.tlsCert != "" {
		certificate, err := tls.LoadX509KeyPair(settings.tlsCert, settings.tlsKey)
		if err != nil {
			return nil, fmt.Errorf("load tls_cert/tls_key: %w", err)
		}
		config.Certificates = []tls.Certificate{certificate}
	}
	return config, nil
}

// connect resolves the context file and dials the server.
func (settings *settings) connect(cmd *cobra.Command) (*nats.Client, error) {
	if err := settings.applyContext(cmd); err != nil {
		return nil, err
	}

	client := nats.NewClient(settings.name).SetVerbose(settings.verbose)
	if settings.timeout > 0 {
		client.SetConnectTimeout(settings.timeout)
	}
	if settings.user != "" {
		client.SetCredentials(settings.user, settings.pass)
	} else if settings.token != "" {
		client.SetToken(settings.token)
	}
	if tlsConfig, err := settings.tlsConfig(); err != nil {
		return nil, err
	} else if tlsConfig != nil {
		client.SetTLSConfig(tlsConfig)
	}

	if err := client.Connect(settings.url); err != nil {
		return nil, err
	}
	return client, nil
}
