/*
 *     Copyright 2024 The smpd Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/smpkit/smpd/daemon"
	"github.com/smpkit/smpd/daemon/config"
	"github.com/smpkit/smpd/daemon/transport"
	"github.com/smpkit/smpd/internal/smplog"
)

var cfgFile string

var cfg = config.New()

// smpdDescription is used to describe smpd command in details.
var smpdDescription = `smpd is an embedded map daemon. It serves MapLibre style
documents, tiles, glyphs and sprites out of styled-map packages, and
transfers packages between devices on the local network over an
authenticated peer transport.`

var rootCmd = &cobra.Command{
	Use:               "smpd",
	Short:             "offline map package server and LAN share daemon",
	Long:              smpdDescription,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return err
			}
			if err := viper.Unmarshal(cfg); err != nil {
				return err
			}
		}

		if err := smplog.Init(cfg.Console, cfg.LogDir); err != nil {
			return err
		}

		if err := ensureKeyPair(cfg); err != nil {
			return err
		}

		return runDaemon()
	},
}

// Execute will process smpd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		smplog.Errorf("execute error: %s", err)
		os.Exit(1)
	}
}

func init() {
	flagSet := rootCmd.Flags()
	flagSet.StringVarP(&cfgFile, "config", "f", "", "the path of the configuration file")
	flagSet.StringVar(&cfg.CustomMapPath, "custom-map", cfg.CustomMapPath, "path of the mutable custom map package")
	flagSet.StringVar(&cfg.FallbackMapPath, "fallback-map", cfg.FallbackMapPath, "path of the bundled fallback map package")
	flagSet.StringVar(&cfg.DefaultOnlineStyleURL, "online-style", cfg.DefaultOnlineStyleURL, "online style URL tried by the default style chain")
	flagSet.IntVar(&cfg.LocalPort, "local-port", cfg.LocalPort, "loopback listener port, 0 picks one")
	flagSet.IntVar(&cfg.RemotePort, "remote-port", cfg.RemotePort, "peer listener port, 0 picks one")
	flagSet.BoolVar(&cfg.Console, "console", cfg.Console, "log to stderr instead of the rotated log file")
	flagSet.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "directory of rotated log files")
}

// ensureKeyPair loads the device identity from the config, generating and
// persisting one next to the custom map on first start.
func ensureKeyPair(cfg *config.Config) error {
	if len(cfg.KeyPair.PublicKey) == config.KeySize || cfg.KeyPair.PublicKeyHex != "" {
		return nil
	}

	keyPath := filepath.Join(filepath.Dir(cfg.CustomMapPath), "device-key.yaml")
	if raw, err := os.ReadFile(keyPath); err == nil {
		return yaml.Unmarshal(raw, &cfg.KeyPair)
	}

	keyPair, err := transport.GenerateKeyPair()
	if err != nil {
		return err
	}
	cfg.KeyPair.PublicKeyHex = hex.EncodeToString(keyPair.PublicKey)
	cfg.KeyPair.SecretKeyHex = hex.EncodeToString(keyPair.SecretKey)

	raw, err := yaml.Marshal(cfg.KeyPair)
	if err != nil {
		return err
	}
	if err := os.WriteFile(keyPath, raw, 0600); err != nil {
		return err
	}
	smplog.Infof("generated device key, public key %s", cfg.KeyPair.PublicKeyHex)
	return nil
}

func runDaemon() error {
	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}

	ports, err := d.Listen(cfg.LocalPort, cfg.RemotePort)
	if err != nil {
		return err
	}
	fmt.Printf("smpd listening: local=%d remote=%d\n", ports.LocalPort, ports.RemotePort)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	smplog.Infof("received signal %s, shutting down", sig)

	return d.Close()
}
