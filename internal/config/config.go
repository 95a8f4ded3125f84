package config

import (
	"github.com/mcuadros/go-defaults"
)

type Config struct {
	Upstream              string   `yaml:"upstream" default:"http://localhost:8888"`
	ListenAddress         string   `yaml:"listen" default:":8080"`
	InflightEndpoint      string   `yaml:"inflight" default:"inflight"`
	InflightListenAddress string   `yaml:"inflight-address"`
	Username              string   `yaml:"username"`
	Password              string   `yaml:"password"`
	PasswordFile          string   `yaml:"passwordFile"`
	RetryAfter            int      `yaml:"retry-after" default:"1"`
	MaxConnections        int      `yaml:"max-connections" default:"512"`
	CoalesceMethods       []string `yaml:"coalesce-method"`
}

func (s *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	defaults.SetDefaults(s)

	type cfg Config

	if err := unmarshal((*cfg)(s)); err != nil {
		return err
	}

	return nil
}

func Default() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	c.CoalesceMethods = []string{"GET", "HEAD"}

	return c
}
