////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// The welcome subcommand resolves group invitations

package cmd

import (
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

// welcomeCmd groups the welcome commands
var welcomeCmd = &cobra.Command{
	Use:   "welcome",
	Short: "List and resolve group invitations",
	Args:  cobra.NoArgs,
}

var welcomeListCmd = &cobra.Command{
	Use:   "list",
	Short: "Fetch new invitations and list the pending ones",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		pk := activeAccount(s)
		if err := s.Sync(ctx, pk); err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		var list interface{}
		var err error
		if viper.GetBool(allFlag) {
			list, err = s.Welcomes().List(pk)
		} else {
			list, err = s.Welcomes().ListPending(pk)
		}
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		printJSON(list)
	},
}

var welcomeAcceptCmd = &cobra.Command{
	Use:   "accept <welcome id>",
	Short: "Join the group of a pending invitation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		_, g, err := s.AcceptWelcome(ctx, activeAccount(s), args[0])
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		printJSON(g)
	},
}

var welcomeDeclineCmd = &cobra.Command{
	Use:   "decline <welcome id>",
	Short: "Decline a pending invitation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()

		w, err := s.DeclineWelcome(activeAccount(s), args[0])
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		jww.INFO.Printf("Welcome %s is %s", w.ID, w.State)
	},
}

var welcomeIgnoreCmd = &cobra.Command{
	Use:   "ignore <welcome id>",
	Short: "Hide a pending invitation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()

		w, err := s.IgnoreWelcome(activeAccount(s), args[0])
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		jww.INFO.Printf("Welcome %s is %s", w.ID, w.State)
	},
}

func init() {
	welcomeListCmd.Flags().Bool(allFlag, false,
		"Include resolved invitations")
	welcomeListCmd.PreRun = func(cmd *cobra.Command, _ []string) {
		bindFlagHelper(allFlag, cmd)
	}

	welcomeCmd.AddCommand(welcomeListCmd, welcomeAcceptCmd, welcomeDeclineCmd,
		welcomeIgnoreCmd)
	rootCmd.AddCommand(welcomeCmd)
}
