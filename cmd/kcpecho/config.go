package main

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// configRepr mirrors the on-disk TOML config, following the same
// decode-into-a-plain-struct approach as the engine's ambient tooling.
type configRepr struct {
	Mode    string `toml:"mode"` // "listen" or "dial"
	Listen  string `toml:"listen"`
	Dial    string `toml:"dial"`
	Metrics string `toml:"metrics_listen"`

	Tuning struct {
		Mtu      int `toml:"mtu"`
		SndWnd   int `toml:"snd_wnd"`
		RcvWnd   int `toml:"rcv_wnd"`
		NoDelay  int `toml:"nodelay"`
		Interval int `toml:"interval"`
		Resend   int `toml:"resend"`
		NoCwnd   int `toml:"no_cwnd"` // negative leaves congestion window control unchanged, see Engine.NoDelay
		DSCP     int `toml:"dscp"`
	} `toml:"tuning"`
}

func newConfigRepr(fpath string) (*configRepr, error) {
	var conf configRepr
	if _, err := toml.DecodeFile(fpath, &conf); err != nil {
		return nil, errors.WithStack(err)
	}
	if conf.Mode != "listen" && conf.Mode != "dial" {
		return nil, errors.Errorf("config.toml: mode must be \"listen\" or \"dial\", got %q", conf.Mode)
	}
	return &conf, nil
}
