////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package cmd

import (
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

// This is a comprehensive list of CLI flag name constants. Organized by
// subcommand, with root level CLI flags at the top of the list. Pulling flags
// using Viper should use the constants defined here.
const (
	//////////////// Root flags ///////////////////////////////////////////////

	// Log flags
	logLevelFlag = "logLevel"
	logFlag      = "log"

	// Loading the session
	sessionFlag  = "session"
	passwordFlag = "password"
	configFlag   = "config"
	paramsFlag   = "params"
	offlineFlag  = "offline"
	accountFlag  = "account"

	// Network
	connectTimeoutFlag = "connectTimeout"
	waitTimeoutFlag    = "waitTimeout"

	// Misc
	profileCpuFlag = "profile-cpu"

	///////////////// Account subcommand flags ////////////////////////////////
	nsecFlag        = "nsec"
	displayNameFlag = "displayName"
	aboutFlag       = "about"

	///////////////// Relay subcommand flags //////////////////////////////////
	relayTypeFlag = "type"

	///////////////// Key package subcommand flags ////////////////////////////
	keyPackageIDFlag = "id"
	allFlag          = "all"

	///////////////// Group subcommand flags //////////////////////////////////
	groupNameFlag        = "name"
	groupDescriptionFlag = "description"
	groupMembersFlag     = "members"
	groupAdminsFlag      = "admins"
	groupDirectFlag      = "direct"
	groupIDFlag          = "group"
	groupActiveFlag      = "active"

	///////////////// Welcome subcommand flags ////////////////////////////////
	welcomeIDFlag = "welcome"

	///////////////// Message subcommand flags ////////////////////////////////
	messageFlag   = "message"
	reactFlag     = "react"
	replyToFlag   = "replyTo"
	deleteFlag    = "delete"
	mediaPathFlag = "file"
)

// bindFlagHelper binds the key to a pflag.Flag used by Cobra and prints an
// error if one occurs.
func bindFlagHelper(key string, command *cobra.Command) {
	err := viper.BindPFlag(key, command.Flags().Lookup(key))
	if err != nil {
		jww.ERROR.Printf("viper.BindPFlag failed for %q: %+v", key, err)
	}
}

// bindPersistentFlagHelper binds the key to a persistent pflag.Flag used by
// Cobra and prints an error if one occurs.
func bindPersistentFlagHelper(key string, command *cobra.Command) {
	err := viper.BindPFlag(key, command.PersistentFlags().Lookup(key))
	if err != nil {
		jww.ERROR.Printf("viper.BindPFlag failed for %q: %+v", key, err)
	}
}
