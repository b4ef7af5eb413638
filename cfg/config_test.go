// Copyright 2025 Google LLC
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
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindFlags_DefaultsUnmarshalCleanly(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)

	require.NoError(t, BindFlags(fs))
	require.NoError(t, fs.Parse(nil))

	var c Config
	require.NoError(t, viper.Unmarshal(&c, viper.DecodeHook(DecodeHook())))

	assert.Equal(t, "ag-gateway", c.AppName)
	assert.Equal(t, ":32780", c.Gateway.ListenAddr)
	assert.True(t, c.Gateway.PublisherAuthoritative)
	assert.False(t, c.Gateway.StrictBlockIndex)
	assert.Equal(t, InfoLogSeverity, c.Logging.Severity)
	assert.Equal(t, "text", c.Logging.Format)
}

func TestBindFlags_OverridesApply(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)

	require.NoError(t, BindFlags(fs))
	require.NoError(t, fs.Parse([]string{
		"--volume-name=vol0",
		"--volume-secret=shh",
		"--ms-url=http://ms.example.com",
		"--strict-block-index=true",
		"--log-severity=DEBUG",
		"--log-format=json",
	}))

	var c Config
	require.NoError(t, viper.Unmarshal(&c, viper.DecodeHook(DecodeHook())))

	assert.Equal(t, "vol0", c.Volume.Name)
	assert.Equal(t, "shh", c.Volume.Secret)
	assert.Equal(t, "http://ms.example.com", c.MS.URL)
	assert.True(t, c.Gateway.StrictBlockIndex)
	assert.Equal(t, DebugLogSeverity, c.Logging.Severity)
	assert.Equal(t, "json", c.Logging.Format)
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		return &Config{
			Volume:  VolumeConfig{Name: "vol0"},
			MapFile: "/etc/ag/map.conf",
			MS:      MSConfig{URL: "http://ms.example.com"},
			Gateway: GatewayConfig{ContentURL: "http://gw.example.com"},
			Logging: GetDefaultLoggingConfig(),
		}
	}

	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, ValidateConfig(base()))
	})

	t.Run("missing volume name", func(t *testing.T) {
		c := base()
		c.Volume.Name = ""
		assert.Error(t, ValidateConfig(c))
	})

	t.Run("missing map file", func(t *testing.T) {
		c := base()
		c.MapFile = ""
		assert.Error(t, ValidateConfig(c))
	})

	t.Run("invalid log rotate config", func(t *testing.T) {
		c := base()
		c.Logging.LogRotate.MaxFileSizeMb = 0
		assert.Error(t, ValidateConfig(c))
	})

	t.Run("invalid ms url", func(t *testing.T) {
		c := base()
		c.MS.URL = "://bad-url"
		assert.Error(t, ValidateConfig(c))
	})
}
