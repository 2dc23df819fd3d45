package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vango-dev/serversignal/internal/config"
	"github.com/vango-dev/serversignal/internal/errors"
)

func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a default " + config.ConfigFileName,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			path, err := runInit(dir, force)
			if err != nil {
				return err
			}
			success("Wrote %s", path)
			info("Start the server with: serversignal serve --config %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}

func runInit(dir string, force bool) (string, error) {
	path := filepath.Join(dir, config.ConfigFileName)
	if config.Exists(dir) && !force {
		return "", errors.New("E005").
			WithDetail(path + " already exists.").
			WithSuggestion("Pass --force to overwrite it.")
	}

	cfg := config.New()
	cfg.Signal.LoopPath = "/ws/loop"
	if err := cfg.SaveTo(path); err != nil {
		return "", err
	}
	return path, nil
}
