package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mcplens/mcplens/internal/config"
)

// configHeader tops the generated starter file.
const configHeader = `# mcplens gateway configuration.
# Environment variables override these values with the MCPLENS_ prefix,
# e.g. MCPLENS_SERVER_HTTP_ADDR=:9090

`

// starterConfig mirrors config.Config with durations as strings so the
// generated file reads "30s" instead of nanosecond counts.
type starterConfig struct {
	Server struct {
		HTTPAddr string `yaml:"http_addr"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
	Storage struct {
		Dir string `yaml:"dir"`
	} `yaml:"storage"`
	Registry struct {
		Path string `yaml:"path"`
	} `yaml:"registry"`
	Proxy struct {
		UpstreamTimeout string `yaml:"upstream_timeout"`
		MaxBodyBytes    int64  `yaml:"max_body_bytes"`
	} `yaml:"proxy"`
	Health struct {
		Enabled  bool   `yaml:"enabled"`
		Interval string `yaml:"interval"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"health"`
}

func renderStarterConfig() ([]byte, error) {
	def := config.Default()
	var sc starterConfig
	sc.Server.HTTPAddr = def.Server.HTTPAddr
	sc.Server.LogLevel = def.Server.LogLevel
	sc.Storage.Dir = def.Storage.Dir
	sc.Registry.Path = def.Registry.Path
	sc.Proxy.UpstreamTimeout = def.Proxy.UpstreamTimeout.String()
	sc.Proxy.MaxBodyBytes = def.Proxy.MaxBodyBytes
	sc.Health.Enabled = def.Health.Enabled
	sc.Health.Interval = def.Health.Interval.String()
	sc.Health.Timeout = def.Health.Timeout.String()

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(sc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long:  `Write a starter mcplens.yaml to the current directory. Refuses to overwrite an existing file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "mcplens.yaml"
		if cfgFile != "" {
			path = cfgFile
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, refusing to overwrite", path)
		}

		data, err := renderStarterConfig()
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
