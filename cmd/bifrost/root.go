package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bifrost-hq/bifrost/pkg/server"
)

// Exit codes: 0 normal shutdown, 1 configuration error, 2 runtime failure
// (bind, TLS), 130 signal-initiated shutdown.
const (
	exitOK       = 0
	exitConfig   = 1
	exitRuntime  = 2
	exitSignaled = 130
)

// exitError carries the process exit code alongside the error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func configError(err error) error  { return &exitError{code: exitConfig, err: err} }
func runtimeError(err error) error { return &exitError{code: exitRuntime, err: err} }

var flags struct {
	configFile     string
	generateConfig string
	initKey        bool
	forceInitKey   bool
	encrypt        bool

	mode                  string
	listen                string
	target                string
	staticDir             string
	spa                   bool
	spaFallback           string
	mounts                []string
	workerThreads         int
	connectTimeout        uint64
	idleTimeout           uint64
	maxConnectionLifetime uint64
	legacyTimeout         uint64
	proxyUsername         string
	proxyPassword         string
	privateKey            string
	certificate           string
	noConnectionPool      bool
	poolMaxIdle           int
	mimeTypes             []string
	logLevel              string
	logFormat             string
	maxHeaderSize         int
}

var rootCmd = &cobra.Command{
	Use:   "bifrost",
	Short: "Bifrost Bridge - multi-mode HTTP(S) proxy",
	Long: `Bifrost Bridge is a multi-mode HTTP(S) proxy server.

It runs as:
  - a forward proxy with CONNECT tunneling, relay chaining, and Basic auth
  - a reverse proxy with predicate-based routing, load balancing, sticky
    sessions, retries, and health checks
  - a static file server with SPA fallback
  - a combined server dispatching between static mounts and reverse routes

Configuration comes from a JSON (or YAML) file plus command-line
overrides. Encrypted configuration values ({encrypted}...) are decrypted
at startup through the local secret vault.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

// Execute runs the CLI and exits with the mapped code.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		os.Exit(exitOK)
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", exit.err)
		}
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(exitConfig)
}

func runRoot(cmd *cobra.Command, args []string) error {
	switch {
	case flags.generateConfig != "":
		return runGenerateConfig()
	case flags.initKey:
		return runInitKey()
	case flags.encrypt:
		return runEncrypt(args)
	default:
		return runServe(cmd)
	}
}

func init() {
	f := rootCmd.Flags()

	f.StringVarP(&flags.configFile, "config", "c", "", "configuration file path")
	f.StringVar(&flags.generateConfig, "generate-config", "", "write a sample configuration file and exit")
	f.BoolVar(&flags.initKey, "init-encryption-key", false, "initialize the secret vault key and exit")
	f.BoolVar(&flags.forceInitKey, "force", false, "overwrite existing key material with --init-encryption-key")
	f.BoolVar(&flags.encrypt, "encrypt", false, "encrypt a value (argument or stdin) and exit")

	f.StringVarP(&flags.mode, "mode", "m", "", "proxy mode: forward, reverse, static, combined")
	f.StringVarP(&flags.listen, "listen", "l", "", "listen address (e.g. 127.0.0.1:8080)")
	f.StringVarP(&flags.target, "target", "t", "", "target URL for reverse proxy")
	f.StringVar(&flags.staticDir, "static-dir", "", "serve static files from this directory")
	f.BoolVar(&flags.spa, "spa", false, "enable SPA mode")
	f.StringVar(&flags.spaFallback, "spa-fallback", "", "SPA fallback file name")
	f.StringArrayVar(&flags.mounts, "mount", nil, "static mount PREFIX:DIR (repeatable)")
	f.IntVar(&flags.workerThreads, "worker-threads", 0, "number of worker threads")
	f.Uint64Var(&flags.connectTimeout, "connect-timeout", 0, "connection timeout in seconds")
	f.Uint64Var(&flags.idleTimeout, "idle-timeout", 0, "idle timeout in seconds")
	f.Uint64Var(&flags.maxConnectionLifetime, "max-connection-lifetime", 0, "maximum connection lifetime in seconds")
	f.Uint64Var(&flags.legacyTimeout, "timeout", 0, "request timeout in seconds (deprecated, use --connect-timeout)")
	f.StringVar(&flags.proxyUsername, "proxy-username", "", "username for proxy authentication")
	f.StringVar(&flags.proxyPassword, "proxy-password", "", "password for proxy authentication")
	f.StringVar(&flags.privateKey, "private-key", "", "private key PEM file for HTTPS")
	f.StringVar(&flags.certificate, "certificate", "", "certificate PEM file for HTTPS")
	f.BoolVar(&flags.noConnectionPool, "no-connection-pool", false, "disable connection pooling")
	f.IntVar(&flags.poolMaxIdle, "pool-max-idle", -1, "maximum idle connections per host")
	f.StringArrayVar(&flags.mimeTypes, "mime-type", nil, "custom MIME mapping EXT:MIME (repeatable)")
	f.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&flags.logFormat, "log-format", "", "log format: json, text, console")
	f.IntVar(&flags.maxHeaderSize, "max-header-size", 0, "maximum HTTP header size in bytes")
}

// mapServerError classifies server errors onto exit codes.
func mapServerError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, server.ErrSignalShutdown) {
		return &exitError{code: exitSignaled}
	}
	return runtimeError(err)
}
