package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const appName = "enochian"

// loadConfig reads the config file named by --config, or the first config.yaml
// found in the working directory, ~/.enochian, the user config dir and /etc/enochian.
// Environment variables are read with the ENOCHIAN_ prefix.
func loadConfig() error {
	viper.SetEnvPrefix(appName)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if path := viper.GetString("config"); path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		for _, dir := range configDirs() {
			viper.AddConfigPath(dir)
		}
	}

	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "could not read config")
	}

	log.Debug().Str("config", viper.ConfigFileUsed()).Msg("Loaded configuration")
	return nil
}

func configDirs() []string {
	dirs := []string{".", "$HOME/." + appName}
	if dir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(dir, appName))
	}
	return append(dirs, "/etc/"+appName)
}
