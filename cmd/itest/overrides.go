package main

import (
	"fmt"

	"github.com/jupyter/itest/internal/model"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "ITEST"

// keys which can be overridden by flags of run command or by ITEST_*
// environment variables
var overrideKeys = []string{"browsers", "debug"}

func newOverrides() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	for _, key := range overrideKeys {
		// BindEnv only fails without a key
		_ = v.BindEnv(key)
	}
	return v
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for _, key := range overrideKeys {
		if err := v.BindPFlag(key, flags.Lookup(key)); err != nil {
			return fmt.Errorf("binding flag %s: %w", key, err)
		}
	}
	return nil
}

// applyOverrides returns cfg with values set by a flag or the environment.
// A flag set on the command line wins over the environment, the environment
// wins over the config file.
func applyOverrides(v *viper.Viper, cfg model.Config) model.Config {
	v.SetDefault("browsers", cfg.Browsers)
	v.SetDefault("debug", cfg.Debug)
	cfg.Browsers = v.GetString("browsers")
	cfg.Debug = v.GetBool("debug")
	return cfg
}
