package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()
	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("GBOX_REC")
	v.AutomaticEnv()
	v.BindEnv("recorder.output_dir", "GBOX_REC_OUTPUT_DIR")
	v.BindEnv("recorder.container", "GBOX_REC_CONTAINER")
	v.BindEnv("recorder.queue_depth", "GBOX_REC_QUEUE_DEPTH")
	v.BindEnv("recorder.pool_size", "GBOX_REC_POOL_SIZE")
	v.BindEnv("recorder.jpeg_quality", "GBOX_REC_JPEG_QUALITY")
	v.BindEnv("recorder.fps", "GBOX_REC_FPS")
	v.BindEnv("gbox.home", "GBOX_HOME")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.gbox",
		"/etc/gbox",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gbox.home", filepath.Join(xdg.Home, ".gbox"))

	videos := xdg.UserDirs.Videos
	if videos == "" {
		videos = filepath.Join(xdg.Home, "Videos")
	}
	v.SetDefault("recorder.output_dir", filepath.Join(videos, "gbox"))
	v.SetDefault("recorder.container", "mkv")
	v.SetDefault("recorder.queue_depth", 8)
	v.SetDefault("recorder.pool_size", 10)
	v.SetDefault("recorder.jpeg_quality", 85)
	v.SetDefault("recorder.fps", 30)
	v.SetDefault("recorder.width", 1280)
	v.SetDefault("recorder.height", 720)
	v.SetDefault("recorder.audio.sample_rate", 48000)
	v.SetDefault("recorder.audio.channels", 2)
}

// Recorder holds the recording settings.
type Recorder struct {
	OutputDir   string
	Container   string
	QueueDepth  int
	PoolSize    int
	JPEGQuality int
	FPS         int
	Width       int
	Height      int
	SampleRate  int
	Channels    int
}

// GetRecorder returns the recording settings from defaults, environment and
// config file.
func GetRecorder() Recorder {
	return recorderFrom(v)
}

func recorderFrom(v *viper.Viper) Recorder {
	return Recorder{
		OutputDir:   v.GetString("recorder.output_dir"),
		Container:   v.GetString("recorder.container"),
		QueueDepth:  v.GetInt("recorder.queue_depth"),
		PoolSize:    v.GetInt("recorder.pool_size"),
		JPEGQuality: v.GetInt("recorder.jpeg_quality"),
		FPS:         v.GetInt("recorder.fps"),
		Width:       v.GetInt("recorder.width"),
		Height:      v.GetInt("recorder.height"),
		SampleRate:  v.GetInt("recorder.audio.sample_rate"),
		Channels:    v.GetInt("recorder.audio.channels"),
	}
}

// GetOutputDir returns the directory new recordings are written to
func GetOutputDir() string {
	return v.GetString("recorder.output_dir")
}

// GetGboxHome returns the gbox home directory
func GetGboxHome() string {
	return v.GetString("gbox.home")
}

// ConfigFileUsed returns the config file that was read, if any.
func ConfigFileUsed() string {
	return v.ConfigFileUsed()
}
