package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/radionet-labs/radionet/pkg/radio"
)

func newModelsCmd() *cobra.Command {
	var showConfig bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "list registered radio models",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := radio.DefaultRegistry()
			for _, name := range registry.Names() {
				fmt.Println(name)
				if !showConfig {
					continue
				}
				model, err := registry.Get(name)
				if err != nil {
					return err
				}
				defaults := model.DefaultValues()
				keys := make([]string, 0, len(defaults))
				for k := range defaults {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Printf("  %s = %s\n", k, defaults[k])
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showConfig, "config", "c", false, "show default configuration values")
	return cmd
}
