// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loopholelabs/workerbridge/internal/loglevel"
)

// Settings is the file form of a worker configuration.
type Settings struct {
	BaseName        string        `yaml:"base_name"`
	LogLevel        string        `yaml:"log_level"`
	ApplicationPath []string      `yaml:"application_path"`
	SharedPackages  []string      `yaml:"shared_packages"`
	Executable      string        `yaml:"executable"`
	Args            []string      `yaml:"args"`
	Env             []string      `yaml:"env"`
	StartTimeout    time.Duration `yaml:"start_timeout"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
}

// LoadSettings decodes a YAML settings document. Unknown keys are rejected
// and an empty document yields empty Settings.
func LoadSettings(r io.Reader) (*Settings, error) {
	settings := new(Settings)
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(settings); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Join(SettingsErr, err)
	}
	if settings.LogLevel != "" {
		if _, err := loglevel.Parse(settings.LogLevel); err != nil {
			return nil, errors.Join(SettingsErr, err)
		}
	}
	if settings.StartTimeout < 0 || settings.StopTimeout < 0 {
		return nil, errors.Join(SettingsErr, errors.New("negative timeout"))
	}
	return settings, nil
}

// Apply copies the values set in settings into b.
func (b *Builder) Apply(settings *Settings) *Builder {
	if settings == nil {
		return b
	}
	if settings.BaseName != "" {
		b.SetBaseName(settings.BaseName)
	}
	if settings.LogLevel != "" {
		level, err := loglevel.Parse(settings.LogLevel)
		if err != nil {
			b.err = errors.Join(b.err, err)
		} else {
			b.SetLogLevel(level)
		}
	}
	b.ApplicationPath(settings.ApplicationPath...)
	b.SharedPackages(settings.SharedPackages...)
	if settings.Executable != "" {
		b.SetExecutable(settings.Executable)
	}
	if len(settings.Args) > 0 {
		b.SetArgs(settings.Args...)
	}
	if len(settings.Env) > 0 {
		b.SetEnv(settings.Env...)
	}
	if settings.StartTimeout > 0 {
		b.SetStartTimeout(settings.StartTimeout)
	}
	if settings.StopTimeout > 0 {
		b.SetStopTimeout(settings.StopTimeout)
	}
	return b
}
