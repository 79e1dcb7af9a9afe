////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// The keypackage subcommand publishes and retires key packages

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"gitlab.com/elixxir/whitenoise/users"
)

// keyPackageCmd groups the key package commands
var keyPackageCmd = &cobra.Command{
	Use:   "keypackage",
	Short: "Manage the key packages of an account",
	Args:  cobra.NoArgs,
}

var keyPackagePublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a fresh key package",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		keys, err := s.Accounts().Keys(activeAccount(s))
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		p, err := s.KeyPackages().Publish(ctx, keys)
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		printJSON(p)
	},
}

var keyPackageDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Retire one or all published key packages",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		keys, err := s.Accounts().Keys(activeAccount(s))
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		var n int
		if viper.GetBool(allFlag) {
			n, err = s.KeyPackages().DeleteAll(ctx, keys)
		} else {
			id := viper.GetString(keyPackageIDFlag)
			if id == "" {
				jww.FATAL.Panicf("--%s or --%s is required", keyPackageIDFlag, allFlag)
			}
			n, err = s.KeyPackages().Delete(ctx, keys, id)
		}
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		fmt.Printf("Deleted %d key packages\n", n)
	},
}

var keyPackageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the key packages this device published",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()

		list, err := s.KeyPackages().List(activeAccount(s))
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		printJSON(list)
	},
}

var keyPackageCheckCmd = &cobra.Command{
	Use:   "check <npub|hex>",
	Short: "Report whether a user has a usable key package",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		pk := parsePublicKeys(args)[0]
		found, err := s.KeyPackages().UserHasKeyPackage(ctx, pk, users.Blocking, nil)
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		fmt.Println(found)
	},
}

func init() {
	keyPackageDeleteCmd.Flags().String(keyPackageIDFlag, "",
		"Event id of the key package to retire")
	bindFlagHelper(keyPackageIDFlag, keyPackageDeleteCmd)
	keyPackageDeleteCmd.Flags().Bool(allFlag, false,
		"Retire every key package of the account")
	keyPackageDeleteCmd.PreRun = func(cmd *cobra.Command, _ []string) {
		bindFlagHelper(allFlag, cmd)
	}

	keyPackageCmd.AddCommand(keyPackagePublishCmd, keyPackageDeleteCmd,
		keyPackageListCmd, keyPackageCheckCmd)
	rootCmd.AddCommand(keyPackageCmd)
}
