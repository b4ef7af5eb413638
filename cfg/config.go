// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cfg

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved runtime configuration for the gateway
// process, assembled by layering defaults, a YAML config file, and
// command-line flags (in that order of increasing priority) through viper.
type Config struct {
	AppName string `yaml:"app-name"`

	Volume VolumeConfig `yaml:"volume"`

	Gateway GatewayConfig `yaml:"gateway"`

	MS MSConfig `yaml:"ms"`

	MapFile ResolvedPath `yaml:"map-file"`

	Logging LoggingConfig `yaml:"logging"`

	Debug DebugConfig `yaml:"debug"`

	FIFO FIFOConfig `yaml:"fifo"`
}

// VolumeConfig identifies which metadata-service volume this gateway
// publishes into and the shared secret used to authenticate writes.
type VolumeConfig struct {
	Name string `yaml:"name"`

	Secret string `yaml:"secret"`
}

// GatewayConfig controls how this gateway instance identifies and exposes
// itself, plus the two policy knobs the request path and block index honor.
type GatewayConfig struct {
	ID string `yaml:"id"`

	ListenAddr string `yaml:"listen-addr"`

	// ContentURL is the base URL other replicas use to fetch blocks/manifests
	// from this gateway; it is what gets published into MapEntry.URL.
	ContentURL string `yaml:"content-url"`

	// PublisherAuthoritative resolves the Open Question of who owns the
	// mutations the directory monitor observes: true means each NEW,
	// MODIFIED or REMOVED event queues a deferred update or delete with the
	// metadata service, false means those events only refresh the local
	// published set and block index and nothing is pushed to the metadata
	// service.
	PublisherAuthoritative bool `yaml:"publisher-authoritative"`

	// StrictBlockIndex resolves the Open Question of how the block index
	// behaves on a sparse write far past its current length: true rejects
	// any block id at or beyond blockindex.MaxIndexSize with an error,
	// false grows the index to cover the gap. Below that bound the index
	// grows to cover a gap in either mode.
	StrictBlockIndex bool `yaml:"strict-block-index"`
}

// MSConfig configures the HTTP client used to talk to the metadata service.
type MSConfig struct {
	URL string `yaml:"url"`

	ConnectTimeout time.Duration `yaml:"connect-timeout"`

	TransferTimeout time.Duration `yaml:"transfer-timeout"`

	// MaxBackoff caps the exponential retry delay used by the single-flight
	// uploader/downloader loops.
	MaxBackoff time.Duration `yaml:"max-backoff"`
}

// DebugConfig toggles internal-invariant and diagnostic behavior.
type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	LogMutex bool `yaml:"log-mutex"`
}

// FIFOConfig configures the named-pipe rendezvous channel used for
// out-of-band control signals (reload, terminate).
type FIFOConfig struct {
	Prefix ResolvedPath `yaml:"prefix"`
}

// LoggingConfig is the top-level logging configuration, bound from flags and
// YAML, consumed by internal/logger.InitLogFile.
type LoggingConfig struct {
	FilePath ResolvedPath `yaml:"file-path"`

	Format string `yaml:"format"`

	Severity LogSeverity `yaml:"severity"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`
}

// LogRotateLoggingConfig mirrors the lumberjack.Logger knobs exposed to
// operators.
type LogRotateLoggingConfig struct {
	MaxFileSizeMb int `yaml:"max-file-size-mb"`

	BackupFileCount int `yaml:"backup-file-count"`

	Compress bool `yaml:"compress"`
}

// BindFlags registers every command-line flag for the gateway binary and
// wires each into the matching viper configuration key, so that the
// resulting Config can be unmarshalled uniformly regardless of whether a
// value came from a flag or the YAML config file. No environment variables
// are bound.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("app-name", "", "ag-gateway", "The application name of this gateway instance.")
	if err = viper.BindPFlag("app-name", flagSet.Lookup("app-name")); err != nil {
		return err
	}

	flagSet.StringP("volume-name", "", "", "Name of the volume this gateway publishes into.")
	if err = viper.BindPFlag("volume.name", flagSet.Lookup("volume-name")); err != nil {
		return err
	}

	flagSet.StringP("volume-secret", "", "", "Shared secret used to authenticate writes to the volume.")
	if err = viper.BindPFlag("volume.secret", flagSet.Lookup("volume-secret")); err != nil {
		return err
	}

	flagSet.StringP("gateway-id", "", "", "Unique identifier for this gateway instance.")
	if err = viper.BindPFlag("gateway.id", flagSet.Lookup("gateway-id")); err != nil {
		return err
	}

	flagSet.StringP("listen-addr", "", ":32780", "Address the request engine listens on.")
	if err = viper.BindPFlag("gateway.listen-addr", flagSet.Lookup("listen-addr")); err != nil {
		return err
	}

	flagSet.StringP("content-url", "", "", "Base URL this gateway publishes for its blocks and manifests.")
	if err = viper.BindPFlag("gateway.content-url", flagSet.Lookup("content-url")); err != nil {
		return err
	}

	flagSet.BoolP("publisher-authoritative", "", true, "Push directory-monitor changes (new, modified, removed entries) to the metadata service as deferred updates; when false they only refresh local state.")
	if err = viper.BindPFlag("gateway.publisher-authoritative", flagSet.Lookup("publisher-authoritative")); err != nil {
		return err
	}

	flagSet.BoolP("strict-block-index", "", false, "Reject block index writes at or beyond the index size limit (1024 blocks) instead of growing the index to cover them.")
	if err = viper.BindPFlag("gateway.strict-block-index", flagSet.Lookup("strict-block-index")); err != nil {
		return err
	}

	flagSet.StringP("ms-url", "", "", "Base URL of the metadata service.")
	if err = viper.BindPFlag("ms.url", flagSet.Lookup("ms-url")); err != nil {
		return err
	}

	flagSet.DurationP("ms-connect-timeout", "", 10*time.Second, "Dial timeout for metadata-service RPCs.")
	if err = viper.BindPFlag("ms.connect-timeout", flagSet.Lookup("ms-connect-timeout")); err != nil {
		return err
	}

	flagSet.DurationP("ms-transfer-timeout", "", 60*time.Second, "Read/write timeout for metadata-service RPCs.")
	if err = viper.BindPFlag("ms.transfer-timeout", flagSet.Lookup("ms-transfer-timeout")); err != nil {
		return err
	}

	flagSet.DurationP("ms-max-backoff", "", 30*time.Second, "Upper bound on the exponential retry backoff used against the metadata service.")
	if err = viper.BindPFlag("ms.max-backoff", flagSet.Lookup("ms-max-backoff")); err != nil {
		return err
	}

	flagSet.StringP("map-file", "", "", "Path to the path/backend map configuration file.")
	if err = viper.BindPFlag("map-file", flagSet.Lookup("map-file")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to the log file. Empty logs to stderr.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Log output format: text or json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Minimum log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.BoolP("debug-invariants", "", false, "Exit when internal invariants are violated.")
	if err = viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug-invariants")); err != nil {
		return err
	}

	flagSet.BoolP("debug-mutex", "", false, "Print debug messages when a mutex is held too long.")
	if err = viper.BindPFlag("debug.log-mutex", flagSet.Lookup("debug-mutex")); err != nil {
		return err
	}

	flagSet.StringP("fifo-prefix", "", "/tmp/ag-gateway.", "Path prefix for the control-channel named pipe.")
	if err = viper.BindPFlag("fifo.prefix", flagSet.Lookup("fifo-prefix")); err != nil {
		return err
	}

	return nil
}
