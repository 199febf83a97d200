// Package config loads the daemon's module arguments with viper +
// pflag: defaults registered in code, optionally overridden by a config
// file and bound command-line flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// CombineArgs holds the combine module's arguments.
type CombineArgs struct {
	SinkName       string            `mapstructure:"sink_name"`
	SinkProperties map[string]string `mapstructure:"sink_properties"`
	Slaves         []string          `mapstructure:"slaves"`
	AdjustTime     time.Duration     `mapstructure:"adjust_time"`
	ResampleMethod string            `mapstructure:"resample_method"`
	Format         string            `mapstructure:"format"`
	Rate           int               `mapstructure:"rate"`
	Channels       int               `mapstructure:"channels"`
	ChannelMap     string            `mapstructure:"channel_map"`
}

// MurphyArgs holds the policy core's module arguments.
type MurphyArgs struct {
	ConfigDir        string `mapstructure:"config_dir"`
	ConfigFile       string `mapstructure:"config_file"`
	DBusIfName       string `mapstructure:"dbus_if_name"`
	DBusMurphyPath   string `mapstructure:"dbus_murphy_path"`
	DBusMurphyName   string `mapstructure:"dbus_murphy_name"`
	DBusAudioMgrPath string `mapstructure:"dbus_audiomgr_path"`
	DBusAudioMgrName string `mapstructure:"dbus_audiomgr_name"`
	NullSinkName     string `mapstructure:"null_sink_name"`
}

// Args bundles every module-argument group the daemon needs.
type Args struct {
	Combine CombineArgs
	Murphy  MurphyArgs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("combine.sink_name", "combined")
	v.SetDefault("combine.adjust_time", 10*time.Second)
	v.SetDefault("combine.resample_method", "speex-float-3")
	v.SetDefault("combine.format", "s16le")
	v.SetDefault("combine.rate", 48000)
	v.SetDefault("combine.channels", 2)

	v.SetDefault("murphy.config_dir", "/etc/murphy")
	v.SetDefault("murphy.config_file", "murphy.conf")
	v.SetDefault("murphy.dbus_if_name", "org.genivi.audiomanager")
	v.SetDefault("murphy.dbus_murphy_path", "/org/genivi/pulse")
	v.SetDefault("murphy.dbus_murphy_name", "org.genivi.pulse")
	v.SetDefault("murphy.dbus_audiomgr_path", "/org/genivi/audiomanager/RoutingInterface")
	v.SetDefault("murphy.dbus_audiomgr_name", "org.genivi.audiomanager")
	v.SetDefault("murphy.null_sink_name", "null")
}

// RegisterFlags binds the module arguments onto fs as pflags, using the
// supplied viper instance so Load's defaults and any config file still
// apply as the lowest-priority layer.
func RegisterFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("sink-name", "combined", "combine module: synthetic sink name")
	fs.StringSlice("slaves", nil, "combine module: comma-separated slave sink names")
	fs.Duration("adjust-time", 10*time.Second, "combine module: rate-adjustment interval")
	fs.String("resample-method", "speex-float-3", "combine module: resampler algorithm")
	fs.String("format", "s16le", "combine module: sample format")
	fs.Int("rate", 48000, "combine module: sample rate")
	fs.Int("channels", 2, "combine module: channel count")
	fs.String("channel-map", "", "combine module: channel map")

	fs.String("config-dir", "/etc/murphy", "murphy module: config directory")
	fs.String("config-file", "murphy.conf", "murphy module: config file name")
	fs.String("dbus-audiomgr-name", "org.genivi.audiomanager", "murphy module: Audio Manager bus name")
	fs.String("null-sink-name", "null", "murphy module: null sink name")

	_ = v.BindPFlags(fs)
}

// Load reads configFilePath (if non-empty) into a fresh viper instance
// seeded with the built-in defaults, and unmarshals it into Args. A
// missing config file is not an error; defaults (and any bound flags)
// still apply.
func Load(configFilePath string, fs *pflag.FlagSet) (*Args, error) {
	v := viper.New()
	setDefaults(v)

	if fs != nil {
		RegisterFlags(v, fs)
	}

	if configFilePath != "" {
		v.SetConfigFile(configFilePath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", configFilePath, err)
			}
		}
	}

	var a Args
	if err := v.Unmarshal(&a); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if s := v.GetString("slaves"); s != "" && len(a.Combine.Slaves) == 0 {
		a.Combine.Slaves = strings.Split(s, ",")
	}
	return &a, nil
}
