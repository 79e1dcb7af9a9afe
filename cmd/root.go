////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package cmd initializes the CLI and config parsers as well as the logger.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

// Running CPU profile, stopped after the command
var cpuProfile interface{ Stop() }

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once
// to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "whitenoise",
	Short: "Runs a whitenoise client for MLS group messaging over Nostr relays",
	Args:  cobra.NoArgs,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLog(viper.GetUint(logLevelFlag), viper.GetString(logFlag))
		if dir := viper.GetString(profileCpuFlag); dir != "" {
			cpuProfile = profile.Start(profile.CPUProfile,
				profile.ProfilePath(dir), profile.NoShutdownHook)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if cpuProfile != nil {
			cpuProfile.Stop()
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// init is the initialization function for Cobra which defines commands
// and flags.
func init() {
	// NOTE: The point of init() is to be declarative.
	// There is one init in each sub command. Do not put variable declarations
	// here, and ensure all the Flags are of the *P variety, unless there's a
	// very good reason not to have them as local params to sub command.
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().UintP(logLevelFlag, "v", 0,
		"Verbose mode for debugging")
	bindPersistentFlagHelper(logLevelFlag, rootCmd)

	rootCmd.PersistentFlags().StringP(logFlag, "l", "-",
		"Path to the log output path (- is stdout)")
	bindPersistentFlagHelper(logFlag, rootCmd)

	rootCmd.PersistentFlags().StringP(sessionFlag, "s", "whitenoise-session",
		"Sets the storage directory for session data")
	bindPersistentFlagHelper(sessionFlag, rootCmd)

	rootCmd.PersistentFlags().StringP(passwordFlag, "p", "",
		"Password to the session storage (\"0x\" for hex, \"b64:\" for base64)")
	bindPersistentFlagHelper(passwordFlag, rootCmd)

	rootCmd.PersistentFlags().StringP(configFlag, "c", "",
		"Config file holding any of the flags")
	bindPersistentFlagHelper(configFlag, rootCmd)

	rootCmd.PersistentFlags().String(paramsFlag, "",
		"JSON file overriding the default session parameters")
	bindPersistentFlagHelper(paramsFlag, rootCmd)

	rootCmd.PersistentFlags().Bool(offlineFlag, false,
		"Use an in-memory relay network instead of real relays")
	bindPersistentFlagHelper(offlineFlag, rootCmd)

	rootCmd.PersistentFlags().StringP(accountFlag, "a", "",
		"Account to act as (npub or hex); defaults to the only account")
	bindPersistentFlagHelper(accountFlag, rootCmd)

	rootCmd.PersistentFlags().StringP(groupIDFlag, "g", "",
		"MLS group id (hex) for group and message commands")
	bindPersistentFlagHelper(groupIDFlag, rootCmd)

	rootCmd.PersistentFlags().Duration(connectTimeoutFlag, defaultConnectTimeout,
		"Time allowed to connect to one relay")
	bindPersistentFlagHelper(connectTimeoutFlag, rootCmd)

	rootCmd.PersistentFlags().Duration(waitTimeoutFlag, defaultWaitTimeout,
		"Time allowed for a command to finish its network work")
	bindPersistentFlagHelper(waitTimeoutFlag, rootCmd)

	rootCmd.PersistentFlags().String(profileCpuFlag, "",
		"Enable cpu profiling into this directory")
	bindPersistentFlagHelper(profileCpuFlag, rootCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	viper.SetEnvPrefix("WN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configFile := viper.GetString(configFlag)
	if configFile == "" {
		return
	}
	viper.SetConfigFile(configFile)
	if err := viper.ReadInConfig(); err != nil {
		jww.FATAL.Panicf("Failed to read config file %s: %+v", configFile, err)
	}
}
