package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/x5iu/ariarpc"
)

var (
	addDir      string
	addPosition int
	statusAll   bool
	listEvents  bool
)

var callCmd = &cobra.Command{
	Use:   "call <method> [param...]",
	Short: "Invoke any RPC method",
	Long: "Invoke any RPC method. Each param is parsed as JSON when it can be, " +
		"otherwise it is sent as a string. The secret token is added for you.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inv, release, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer release()
		params := make([]any, 0, len(args)-1)
		for _, a := range args[1:] {
			params = append(params, parseParam(a))
		}
		raw, err := inv.Invoke(cmd.Context(), args[0], params)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), raw)
	},
}

func parseParam(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

var addCmd = &cobra.Command{
	Use:   "add <uri...>",
	Short: "Add a download from one or more mirrors of the same resource",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inv, release, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer release()
		opts := ariarpc.Options{}
		if addDir != "" {
			opts["dir"] = addDir
		}
		gid, err := ariarpc.NewClient(inv).AddURI(cmd.Context(), args, opts, addPosition)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), gid)
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [gid...]",
	Short: "Print the status of downloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		inv, release, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer release()
		client := ariarpc.NewClient(inv)
		if statusAll || len(args) == 0 {
			active, err := client.TellActive(cmd.Context(), "gid", "status", "totalLength", "completedLength", "downloadSpeed")
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), active)
		}
		statuses, err := client.Statuses(cmd.Context(), args)
		if err != nil {
			return err
		}
		for i, gid := range args {
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", gid, statuses[i]); err != nil {
				return err
			}
		}
		return nil
	},
}

var methodsCmd = &cobra.Command{
	Use:   "methods",
	Short: "List the methods, or notifications, the daemon supports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inv, release, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer release()
		client := ariarpc.NewClient(inv)
		var names []string
		if listEvents {
			names, err = client.ListNotifications(cmd.Context())
		} else {
			names, err = client.ListMethods(cmd.Context())
		}
		if err != nil {
			return err
		}
		for _, n := range names {
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), n); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addDir, "dir", "", "directory to store the download in")
	addCmd.Flags().IntVar(&addPosition, "position", ariarpc.AppendPosition, "position in the waiting queue, negative appends")
	statusCmd.Flags().BoolVar(&statusAll, "active", false, "list every active download")
	methodsCmd.Flags().BoolVar(&listEvents, "notifications", false, "list notifications instead of methods")
}
