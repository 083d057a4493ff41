package app

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/zachfi/zkit/pkg/tracing"

	"github.com/zachfi/icylister/modules/lister"
)

type Config struct {
	Target  string         `yaml:"target"`
	Tracing tracing.Config `yaml:"tracing,omitempty"`
	Server  server.Config  `yaml:"server,omitempty"`
	Lister  lister.Config  `yaml:"lister,omitempty"`
}

// LoadConfig reads a YAML configuration on top of the flag defaults.
func LoadConfig(file string) (Config, error) {
	config := Config{}
	config.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("defaults", flag.ContinueOnError))

	err := config.LoadFile(file)
	return config, err
}

// LoadFile overlays a YAML file onto c. Keys the file omits keep their
// current values; unknown keys are an error.
func (c *Config) LoadFile(file string) error {
	filename, _ := filepath.Abs(file)

	buff, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", file)
	}

	if err := yaml.UnmarshalStrict(buff, c); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", file)
	}

	return nil
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	flagext.DefaultValues(&c.Server)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 3031, "HTTP server listen port.")
	f.IntVar(&c.Server.GRPCListenPort, "server.grpc-listen-port", 9091, "gRPC server listen port.")
	f.StringVar(&c.Target, "target", All, "Module to run.")

	c.Tracing.RegisterFlagsAndApplyDefaults("tracing", f)
	c.Lister.RegisterFlagsAndApplyDefaults("lister", f)
}
