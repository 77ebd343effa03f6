package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jupyter/itest/internal/model"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestApplyOverrides(t *testing.T) {
	type given struct {
		file  model.Config
		env   map[string]string
		flags []string
	}
	type then struct {
		browsers string
		debug    bool
	}
	var testCases = []struct {
		scenario string
		given    given
		then     then
	}{
		{
			scenario: "config file only",
			given:    given{file: model.Config{Browsers: "Chrome", Debug: true}},
			then:     then{"Chrome", true},
		},
		{
			scenario: "env wins over config file",
			given: given{
				file: model.Config{Browsers: "Chrome"},
				env:  map[string]string{"ITEST_BROWSERS": "Safari", "ITEST_DEBUG": "true"},
			},
			then: then{"Safari", true},
		},
		{
			scenario: "flag wins over env",
			given: given{
				file:  model.Config{Browsers: "Chrome"},
				env:   map[string]string{"ITEST_BROWSERS": "Safari"},
				flags: []string{"-b", "Firefox,Chrome", "--debug"},
			},
			then: then{"Firefox,Chrome", true},
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			for k, v := range tt.given.env {
				t.Setenv(k, v)
			}
			flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
			flags.StringP("browsers", "b", "Firefox", "")
			flags.BoolP("debug", "d", false, "")
			require.NoError(t, flags.Parse(tt.given.flags))

			v := newOverrides()
			require.NoError(t, bindFlags(v, flags))
			got := applyOverrides(v, tt.given.file)
			require.Equal(t, tt.then.browsers, got.Browsers)
			require.Equal(t, tt.then.debug, got.Debug)
		})
	}
}

func TestLookupConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 0\n"), 0o644))

	t.Run("flag", func(t *testing.T) {
		require.Equal(t, path, lookupConfig(path))
	})

	t.Run("env wins", func(t *testing.T) {
		t.Setenv("ITESTCONFIG", "/from/env.yaml")
		require.Equal(t, "/from/env.yaml", lookupConfig(path))
	})

	t.Run("load", func(t *testing.T) {
		cfg, err := loadConfig(path)
		require.NoError(t, err)
		require.Equal(t, model.DefaultConfig(t.Context()), cfg)
	})

	t.Run("invalid", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("version: 1\n"), 0o644))
		_, err := loadConfig(bad)
		require.Error(t, err)
		require.NotEmpty(t, model.CueErrDetails(err))
	})
}
