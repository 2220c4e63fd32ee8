// Package config loads the server's ambient configuration knobs from
// file, environment, and defaults via viper, independent of any CLI
// surface (no CLI ships with this module).
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/meshmqtt/broker/packets"
	"github.com/meshmqtt/broker/server"
)

// Loader wraps a viper instance pre-seeded with the documented defaults.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a Loader that reads MQTTD_* environment variables and,
// if present, a config file named name (without extension) from the given
// search paths.
func NewLoader(name string, paths ...string) *Loader {
	v := viper.New()
	v.SetConfigName(name)
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("MQTTD")
	v.AutomaticEnv()

	def := server.DefaultConfig()
	v.SetDefault("max_size", def.MaxSize)
	v.SetDefault("max_qos", uint8(def.MaxQoS))
	v.SetDefault("connect_timeout", def.ConnectTimeout)
	v.SetDefault("frame_read_rate.min_rate", def.FrameReadRate.MinRate)
	v.SetDefault("frame_read_rate.max_stall", def.FrameReadRate.MaxStall)
	v.SetDefault("frame_read_rate.min_chunk", def.FrameReadRate.MinChunk)
	v.SetDefault("disconnect_drain_grace", def.DisconnectDrainGrace)
	v.SetDefault("handle_qos_after_disconnect_enabled", false)
	v.SetDefault("handle_qos_after_disconnect", uint8(packets.AtMostOnce))

	return &Loader{v: v}
}

// Load reads the config file if one is found (a missing file is not an
// error; an unreadable or malformed one is) and returns the assembled
// server.Config.
func (l *Loader) Load() (server.Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return server.Config{}, fmt.Errorf("config: %w", err)
		}
	}

	qos := packets.QoS(l.v.GetUint32("max_qos"))
	if !qos.Valid() {
		return server.Config{}, fmt.Errorf("config: max_qos %d is not a valid QoS level", qos)
	}

	cfg := server.Config{
		MaxSize:        l.v.GetUint32("max_size"),
		MaxQoS:         qos,
		ConnectTimeout: l.v.GetDuration("connect_timeout"),
		FrameReadRate: server.FrameReadRate{
			MinRate:  l.v.GetDuration("frame_read_rate.min_rate"),
			MaxStall: l.v.GetDuration("frame_read_rate.max_stall"),
			MinChunk: uint16(l.v.GetUint32("frame_read_rate.min_chunk")),
		},
		DisconnectDrainGrace: l.v.GetDuration("disconnect_drain_grace"),
	}

	if l.v.GetBool("handle_qos_after_disconnect_enabled") {
		bound := packets.QoS(l.v.GetUint32("handle_qos_after_disconnect"))
		if !bound.Valid() {
			return server.Config{}, fmt.Errorf("config: handle_qos_after_disconnect %d is not a valid QoS level", bound)
		}
		cfg.HandleQoSAfterDisconnect = &bound
	}

	return cfg, nil
}
