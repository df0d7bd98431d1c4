package feed

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/issuelab/issuestream/internal/model"
)

// RunConfig bounds one ingestion pass.
type RunConfig struct {
	Count   int // max items taken per feed; 0 means all
	Workers int // parallel feed fetches
}

// fileConfig mirrors the YAML layout:
//
//	run:
//	  count: 3
//	  workers: 8
//	rss:
//	  <reference>:
//	    <category>: <url>
type fileConfig struct {
	Run struct {
		Count   int `mapstructure:"count"`
		Workers int `mapstructure:"workers"`
	} `mapstructure:"run"`
	RSS map[string]map[string]string `mapstructure:"rss"`
}

// LoadSources reads the feed source list and run limits from a YAML file.
func LoadSources(path string) ([]model.Source, RunConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, RunConfig{}, fmt.Errorf("feed: read config %s: %w", path, err)
	}

	var cfg fileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, RunConfig{}, fmt.Errorf("feed: parse config %s: %w", path, err)
	}
	if len(cfg.RSS) == 0 {
		return nil, RunConfig{}, fmt.Errorf("feed: config %s has no rss sources", path)
	}

	run := RunConfig{Count: cfg.Run.Count, Workers: cfg.Run.Workers}
	if run.Count < 0 {
		run.Count = 0
	}
	if run.Workers <= 0 {
		run.Workers = 8
	}

	var sources []model.Source
	for reference, categories := range cfg.RSS {
		for category, url := range categories {
			if url == "" {
				return nil, RunConfig{}, fmt.Errorf("feed: empty url for rss.%s.%s", reference, category)
			}
			sources = append(sources, model.Source{
				URL:       url,
				Reference: reference,
				Category:  category,
			})
		}
	}
	return sources, run, nil
}
