////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// The group subcommand allows creation and management of groups

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"gitlab.com/elixxir/whitenoise/groups"
	"gitlab.com/elixxir/whitenoise/identity"
)

// groupCmd groups the group commands
var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Group commands for the whitenoise client",
	Args:  cobra.NoArgs,
}

var groupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a group and invite its members",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		kind := groups.KindGroup
		if viper.GetBool(groupDirectFlag) {
			kind = groups.KindDirectMessage
		}
		g, err := s.CreateGroup(ctx, activeAccount(s),
			parsePublicKeys(viper.GetStringSlice(groupMembersFlag)),
			parsePublicKeys(viper.GetStringSlice(groupAdminsFlag)),
			viper.GetString(groupNameFlag), viper.GetString(groupDescriptionFlag),
			kind)
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		jww.INFO.Printf("Created group %s", g.MlsGroupID)

		// NOTE: DO NOT REMOVE THIS LINE. SCRIPTS READ THE GROUP ID FROM IT
		fmt.Println(g.MlsGroupID.Hex())
	},
}

var groupAddCmd = &cobra.Command{
	Use:   "add <npub|hex>...",
	Short: "Add members to a group",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		changeMembers(args, true)
	},
}

var groupRemoveCmd = &cobra.Command{
	Use:   "remove <npub|hex>...",
	Short: "Remove members from a group",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		changeMembers(args, false)
	},
}

var groupMembersCmd = &cobra.Command{
	Use:   "members",
	Short: "List the members and admins of a group",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()

		pk, id := activeAccount(s), groupIDFlagValue()
		members, err := s.Groups().FetchMembers(pk, id)
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		admins, err := s.Groups().FetchAdmins(pk, id)
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		printJSON(struct {
			Members []string `json:"members"`
			Admins  []string `json:"admins"`
		}{identity.HexList(members), identity.HexList(admins)})
	},
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the groups of an account",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()

		list, err := s.Groups().FetchGroups(activeAccount(s),
			viper.GetBool(groupActiveFlag))
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		printJSON(list)
	},
}

var groupUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Change the name or description of a group",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		var update groups.GroupDataUpdate
		if viper.IsSet(groupNameFlag) {
			update.Name = groups.SetTo(viper.GetString(groupNameFlag))
		}
		if viper.IsSet(groupDescriptionFlag) {
			update.Description = groups.SetTo(viper.GetString(groupDescriptionFlag))
		}
		if update.IsEmpty() {
			jww.FATAL.Panicf("Nothing to update, set --%s or --%s",
				groupNameFlag, groupDescriptionFlag)
		}
		g, err := s.UpdateGroupData(ctx, activeAccount(s), groupIDFlagValue(), update)
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		printJSON(g)
	},
}

var groupLeaveCmd = &cobra.Command{
	Use:   "leave",
	Short: "Leave a group",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		s, closeSession := initSession()
		defer closeSession()
		ctx, cancel := commandContext()
		defer cancel()

		g, err := s.LeaveGroup(ctx, activeAccount(s), groupIDFlagValue())
		if err != nil {
			jww.FATAL.Panicf("%+v", err)
		}
		jww.INFO.Printf("Left group %s, now %s", g.MlsGroupID, g.State)
	},
}

func changeMembers(args []string, add bool) {
	s, closeSession := initSession()
	defer closeSession()
	ctx, cancel := commandContext()
	defer cancel()

	pk, id, members := activeAccount(s), groupIDFlagValue(), parsePublicKeys(args)
	var g groups.Group
	var err error
	if add {
		g, err = s.AddMembers(ctx, pk, id, members)
	} else {
		g, err = s.RemoveMembers(ctx, pk, id, members)
	}
	if err != nil {
		jww.FATAL.Panicf("%+v", err)
	}
	jww.INFO.Printf("Group %s is now at epoch %d", g.MlsGroupID, g.Epoch)
}

func bindGroupData(cmd *cobra.Command, _ []string) {
	bindFlagHelper(groupNameFlag, cmd)
	bindFlagHelper(groupDescriptionFlag, cmd)
}

func init() {
	// Name and description are shared with update, so they are bound when
	// the command runs
	groupCreateCmd.Flags().String(groupNameFlag, "", "Name of the group")
	groupCreateCmd.Flags().String(groupDescriptionFlag, "", "Description of the group")
	groupCreateCmd.PreRun = bindGroupData
	groupCreateCmd.Flags().StringSlice(groupMembersFlag, nil,
		"Members to invite (npub or hex, comma separated)")
	bindFlagHelper(groupMembersFlag, groupCreateCmd)
	groupCreateCmd.Flags().StringSlice(groupAdminsFlag, nil,
		"Admins besides the creator (npub or hex, comma separated)")
	bindFlagHelper(groupAdminsFlag, groupCreateCmd)
	groupCreateCmd.Flags().Bool(groupDirectFlag, false,
		"Create a direct message with exactly one member")
	bindFlagHelper(groupDirectFlag, groupCreateCmd)

	groupUpdateCmd.Flags().String(groupNameFlag, "", "New name of the group")
	groupUpdateCmd.Flags().String(groupDescriptionFlag, "", "New description")
	groupUpdateCmd.PreRun = bindGroupData

	groupListCmd.Flags().Bool(groupActiveFlag, false, "Only list active groups")
	bindFlagHelper(groupActiveFlag, groupListCmd)

	groupCmd.AddCommand(groupCreateCmd, groupAddCmd, groupRemoveCmd,
		groupMembersCmd, groupListCmd, groupUpdateCmd, groupLeaveCmd)
	rootCmd.AddCommand(groupCmd)
}
