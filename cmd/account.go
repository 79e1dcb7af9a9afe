////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// The account subcommand manages the local identities

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"gitlab.com/elixxir/whitenoise/users"
)

// accountCmd groups the account commands
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage local accounts",
	Args:  cobra.NoArgs,
}

var accountCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate a new identity and announce it on the default relays",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		a, err := s.CreateIdentity(ctx)
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		jww.INFO.Printf("Created account %s", a.PubKey)
		fmt.Println(a.PubKey.Npub())
	},
}

var accountLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Add an existing identity from its secret key",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		secret := viper.GetString(nsecFlag)
		if secret == "" {
			jww.FATAL.Panicf("--%s is required", nsecFlag)
		}
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		a, err := s.Login(ctx, secret)
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		fmt.Println(a.PubKey.Npub())
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the local accounts",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		printJSON(s.GetAccounts())
	},
}

var accountLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove an account and everything stored for it",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		pk := activeAccount(s)
		if err := s.Logout(ctx, pk); err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		jww.INFO.Printf("Logged out %s", pk)
	},
}

var accountExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the nsec of an account",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()

		nsec, err := s.ExportNsec(activeAccount(s))
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		fmt.Println(nsec)
	},
}

var accountMetadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Publish the profile metadata of an account",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		pk := activeAccount(s)
		u, err := s.Users().Get(pk)
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		md := u.Metadata
		if viper.IsSet(displayNameFlag) {
			md.DisplayName = viper.GetString(displayNameFlag)
		}
		if viper.IsSet(aboutFlag) {
			md.About = viper.GetString(aboutFlag)
		}
		if u, err = s.UpdateMetadata(ctx, pk, md); err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		printJSON(u)
	},
}

var accountPictureCmd = &cobra.Command{
	Use:   "picture <path>",
	Short: "Upload a profile picture and publish it in the account metadata",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		u, err := s.UploadProfilePicture(ctx, activeAccount(s), args[0])
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		printJSON(u)
	},
}

var accountResolveCmd = &cobra.Command{
	Use:   "resolve <npub|hex>",
	Short: "Look up the profile and relays of any user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		pk := parsePublicKeys(args)[0]
		u, err := s.Users().ResolveUser(ctx, pk, users.Blocking)
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		printJSON(u)
	},
}

func init() {
	accountLoginCmd.Flags().String(nsecFlag, "",
		"Secret key of the account, nsec or hex")
	bindFlagHelper(nsecFlag, accountLoginCmd)

	accountMetadataCmd.Flags().String(displayNameFlag, "", "Display name")
	bindFlagHelper(displayNameFlag, accountMetadataCmd)
	accountMetadataCmd.Flags().String(aboutFlag, "", "About text")
	bindFlagHelper(aboutFlag, accountMetadataCmd)

	accountCmd.AddCommand(accountCreateCmd, accountLoginCmd, accountListCmd,
		accountLogoutCmd, accountExportCmd, accountMetadataCmd, accountPictureCmd,
		accountResolveCmd)
	rootCmd.AddCommand(accountCmd)
}
