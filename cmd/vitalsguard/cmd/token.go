package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/oarkflow/vitalsguard"
)

var (
	flagDeviceSecret string
	flagAt           string

	flagHMACSecret string
	flagFile       string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the device token for the current (or given) minute",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagDeviceSecret == "" {
			return errors.New("--secret is required")
		}
		at := time.Now()
		if flagAt != "" {
			t, err := vitalsguard.ParseTimestamp(flagAt)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			at = t
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", vitalsguard.MinuteKey(at), vitalsguard.DeviceToken([]byte(flagDeviceSecret), at))
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Print the X-Signature value for a message body",
	Long:  "Reads the body from --file or stdin and prints hex HMAC-SHA256 over the exact bytes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagHMACSecret == "" {
			return errors.New("--secret is required")
		}
		var (
			body []byte
			err  error
		)
		if flagFile != "" {
			body, err = os.ReadFile(flagFile)
		} else {
			body, err = io.ReadAll(cmd.InOrStdin())
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), vitalsguard.Sign(body, []byte(flagHMACSecret)))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagDeviceSecret, "secret", "", "Device secret")
	tokenCmd.Flags().StringVar(&flagAt, "at", "", "RFC 3339 instant to compute the token for")

	signCmd.Flags().StringVar(&flagHMACSecret, "secret", "", "Tenant HMAC secret")
	signCmd.Flags().StringVarP(&flagFile, "file", "f", "", "Body file (default stdin)")
}
