// Copyright (C) 2025 AvisosHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates configuration for the application.
// Each field is owned by its respective subsystem.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Rebuild RebuildConfig `mapstructure:"rebuild"`
	Query   QueryConfig   `mapstructure:"query"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

type RebuildConfig struct {
	// Concurrency bounds how many segments rebuild in parallel during a
	// rebuild-all sweep.
	Concurrency int `mapstructure:"concurrency"`

	// PeriodicEnabled turns on the background rebuild-all loop in serve.
	PeriodicEnabled  bool          `mapstructure:"periodic_enabled"`
	PeriodicInterval time.Duration `mapstructure:"periodic_interval"`
}

type QueryConfig struct {
	// FilterCacheTTL bounds how long resolved city/neighborhood name
	// lookups are cached on the read path.
	FilterCacheTTL time.Duration `mapstructure:"filter_cache_ttl"`
}

func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Addr: ":8080",
		},
		Rebuild: RebuildConfig{
			Concurrency:      4,
			PeriodicEnabled:  false,
			PeriodicInterval: 6 * time.Hour,
		},
		Query: QueryConfig{
			FilterCacheTTL: 5 * time.Minute,
		},
	}
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "PUBCACHE" and the dot character
// in keys is replaced by an underscore. For example, "rebuild.concurrency"
// becomes "PUBCACHE_REBUILD_CONCURRENCY".
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("PUBCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
