package main

import (
	"embed"
	"fmt"
	"os"

	"github.com/go-go-golems/enochian/cmd/enochian/cmds"
	"github.com/go-go-golems/glazed/pkg/help"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//go:embed doc/*
var docFS embed.FS

func newRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:          "enochian",
		Short:        "enochian runs structured programs against local and hosted language models",
		SilenceUsage: true,
	}

	helpSystem := help.NewHelpSystem()
	if err := helpSystem.LoadSectionsFromFS(docFS, "."); err != nil {
		return nil, err
	}
	helpFunc, usageFunc := help.GetCobraHelpUsageFuncs(helpSystem)
	helpTemplate, usageTemplate := help.GetCobraHelpUsageTemplates(helpSystem)
	rootCmd.SetHelpFunc(helpFunc)
	rootCmd.SetUsageFunc(usageFunc)
	rootCmd.SetHelpTemplate(helpTemplate)
	rootCmd.SetUsageTemplate(usageTemplate)
	rootCmd.SetHelpCommand(help.NewCobraHelpCommand(helpSystem))

	addLoggingFlags(rootCmd)
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ~/.enochian/config.yaml)")
	cmds.AddBackendFlags(rootCmd)
	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return nil, err
	}

	// flags are parsed by the time initializers run
	cobra.OnInitialize(func() {
		cobra.CheckErr(loadConfig())
		cobra.CheckErr(setupLogging(loggingSettingsFromViper()))
	})

	promptCmds, err := cmds.NewPromptCommands()
	if err != nil {
		return nil, err
	}
	tokensCmd, err := cmds.NewTokensCommand()
	if err != nil {
		return nil, err
	}

	rootCmd.AddCommand(promptCmds...)
	rootCmd.AddCommand(
		tokensCmd,
		cmds.NewGenCommand(),
		cmds.NewChooseCommand(),
		cmds.NewTelemetryCommand(),
	)
	return rootCmd, nil
}

func main() {
	rootCmd, err := newRootCommand()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error initializing commands: %s\n", err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
