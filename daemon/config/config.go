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

package config

import (
	"encoding/hex"
	"net/url"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// KeySize is the byte length of device public and secret keys.
const KeySize = 32

// KeyPair is the device's long-term transport identity.
type KeyPair struct {
	PublicKey []byte `yaml:"-" mapstructure:"-"`
	SecretKey []byte `yaml:"-" mapstructure:"-"`

	// Hex forms used by file configuration.
	PublicKeyHex string `yaml:"publicKey" mapstructure:"publicKey"`
	SecretKeyHex string `yaml:"secretKey" mapstructure:"secretKey"`
}

// Config holds the recognized daemon options.
type Config struct {
	// DefaultOnlineStyleURL is the online fallback style candidate for
	// GET /maps/default/style.json. Optional.
	DefaultOnlineStyleURL string `yaml:"defaultOnlineStyleUrl" mapstructure:"defaultOnlineStyleUrl"`

	// CustomMapPath is the mutable package slot path. Need not exist.
	CustomMapPath string `yaml:"customMapPath" mapstructure:"customMapPath" validate:"required"`

	// FallbackMapPath is the bundled read-only package slot path.
	FallbackMapPath string `yaml:"fallbackMapPath" mapstructure:"fallbackMapPath" validate:"required"`

	// KeyPair is the device transport identity.
	KeyPair KeyPair `yaml:"keyPair" mapstructure:"keyPair"`

	// LocalPort is the loopback listener port. Zero picks one.
	LocalPort int `yaml:"localPort" mapstructure:"localPort" validate:"gte=0,lte=65535"`

	// RemotePort is the peer listener port. Zero picks one.
	RemotePort int `yaml:"remotePort" mapstructure:"remotePort" validate:"gte=0,lte=65535"`

	// Console logs to stderr instead of the rotated log file.
	Console bool `yaml:"console" mapstructure:"console"`

	// LogDir is where rotated logs land when Console is false.
	LogDir string `yaml:"logDir" mapstructure:"logDir"`
}

// New returns the default configuration.
func New() *Config {
	return &Config{
		LogDir: "logs",
	}
}

// Validate checks option shapes and resolves hex key material.
func (cfg *Config) Validate() error {
	if err := validator.New().Struct(cfg); err != nil {
		return errors.Wrap(err, "validate config")
	}

	if cfg.DefaultOnlineStyleURL != "" {
		u, err := url.Parse(cfg.DefaultOnlineStyleURL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return errors.Errorf("defaultOnlineStyleUrl is not an absolute URL: %q", cfg.DefaultOnlineStyleURL)
		}
	}

	if cfg.KeyPair.PublicKey == nil && cfg.KeyPair.PublicKeyHex != "" {
		publicKey, err := hex.DecodeString(cfg.KeyPair.PublicKeyHex)
		if err != nil {
			return errors.Wrap(err, "decode keyPair.publicKey")
		}
		cfg.KeyPair.PublicKey = publicKey
	}
	if cfg.KeyPair.SecretKey == nil && cfg.KeyPair.SecretKeyHex != "" {
		secretKey, err := hex.DecodeString(cfg.KeyPair.SecretKeyHex)
		if err != nil {
			return errors.Wrap(err, "decode keyPair.secretKey")
		}
		cfg.KeyPair.SecretKey = secretKey
	}
	if len(cfg.KeyPair.PublicKey) != KeySize {
		return errors.Errorf("keyPair.publicKey must be %d bytes, got %d", KeySize, len(cfg.KeyPair.PublicKey))
	}
	if len(cfg.KeyPair.SecretKey) != KeySize {
		return errors.Errorf("keyPair.secretKey must be %d bytes, got %d", KeySize, len(cfg.KeyPair.SecretKey))
	}

	if _, err := os.Stat(cfg.FallbackMapPath); err != nil {
		return errors.Wrapf(err, "fallbackMapPath %s", cfg.FallbackMapPath)
	}

	return nil
}
