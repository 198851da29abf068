package config

import (
	"flag"
	"io/ioutil"
	"log"
	"os"
	"path"

	"gopkg.in/yaml.v2"
)

var configPath string

func init() {
	configFolder := getOrCreateConfigFolder()
	defaultConfigPath := path.Join(configFolder, "config.yaml")
	flag.StringVar(&configPath, "config", defaultConfigPath, "specify config file")
}

func getOrCreateConfigFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Println("could not find home folder")
		return ""
	}
	configFolder := path.Join(home, ".gosmu")
	if err := os.MkdirAll(configFolder, 0700); err != nil {
		log.Println("Could not create", configFolder)
		return ""
	}
	return configFolder
}

// Path returns the active config file location.
func Path() string {
	return configPath
}

func LoadConfig() (*Config, error) {
	c := &Config{}
	var data []byte
	var err error
	log.Println("Loading config", configPath)
	if data, err = ioutil.ReadFile(configPath); err != nil {
		if os.IsNotExist(err) {
			return c.WithDefaults(), nil
		}
		return nil, err
	}
	if err = yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c.WithDefaults(), nil
}
