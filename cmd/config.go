// File: cmd/config.go
package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long: `Prints the configuration after defaults, config file, ACCTQUEUE_* environment
variables and flags have been merged. The output is a valid config.yaml, except that a
password in store.url is masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			shown := *a.cfg
			shown.StoreConfig.URL = redactURL(shown.StoreConfig.URL)

			out, err := yaml.Marshal(&shown)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// redactURL masks the password of a URL-style connection string. Key/value
// DSNs and strings that do not parse are hidden entirely.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "xxxxx"
	}
	return u.Redacted()
}
