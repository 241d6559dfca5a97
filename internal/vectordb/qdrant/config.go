package qdrant

import (
	"fmt"
	"time"
)

// Distance is the similarity metric used by a collection.
type Distance string

const (
	DistanceCosine    Distance = "Cosine"
	DistanceEuclidean Distance = "Euclid"
	DistanceDot       Distance = "Dot"
)

// Config holds connection settings for a Qdrant instance.
type Config struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	APIKey  string        `yaml:"api_key"`
	UseTLS  bool          `yaml:"use_tls"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns settings for a local Qdrant instance.
func DefaultConfig() *Config {
	return &Config{
		Host:    "localhost",
		Port:    6333,
		Timeout: 30 * time.Second,
	}
}

// Validate checks the config for usable values.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return nil
}

// GetHTTPURL returns the base URL for the REST API.
func (c *Config) GetHTTPURL() string {
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// CollectionConfig describes a collection to create.
type CollectionConfig struct {
	Name              string
	VectorSize        int
	Distance          Distance
	OnDiskPayload     bool
	IndexingThreshold int
}

// Validate checks the collection config for usable values.
func (c *CollectionConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("collection name is required")
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("vector size must be positive")
	}
	if c.Distance == "" {
		c.Distance = DistanceCosine
	}
	return nil
}

// SearchOptions controls a similarity search.
type SearchOptions struct {
	Limit          int
	Offset         int
	ScoreThreshold float32
	WithPayload    bool
	WithVectors    bool
	Filter         map[string]interface{}
}

// DefaultSearchOptions returns options for a payload-bearing top-10 search.
func DefaultSearchOptions() *SearchOptions {
	return &SearchOptions{
		Limit:       10,
		WithPayload: true,
	}
}
