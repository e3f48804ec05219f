// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-timelimit/syncclient"
	"github.com/mobiletoly/go-timelimit/syncserver"
)

func newTokenCommand() *cobra.Command {
	var (
		serverURL   string
		familyToken string
		req         syncserver.RegisterRequest
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Enroll a device and print its token",
		Long: `token registers a device with the sync server. Without --family-token a new
family is created. The printed token is passed to the agent with --token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := syncclient.Register(cmd.Context(), nil, serverURL, familyToken, &req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&serverURL, "server", "http://localhost:8080", "sync server base URL")
	flags.StringVar(&familyToken, "family-token", "", "token of a device of the family to join")
	flags.StringVar(&req.DeviceID, "device-id", "", "id of the new device, generated if empty")
	flags.StringVar(&req.DeviceName, "device-name", "", "name of the new device")
	flags.StringVar(&req.Model, "model", "", "device model")
	_ = cmd.MarkFlagRequired("device-name")
	return cmd
}
