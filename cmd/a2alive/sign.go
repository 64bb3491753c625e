package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/a2alive/internal/protocol"
)

func signCmd() *cobra.Command {
	var secretFlag string
	var verifyFlag bool

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign (or verify) a frame read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secretFlag == "" {
				secretFlag = os.Getenv("A2A_SHARED_SECRET")
			}
			if secretFlag == "" {
				return fmt.Errorf("--secret or A2A_SHARED_SECRET is required")
			}
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			f, err := protocol.Decode(data)
			if err != nil {
				return fmt.Errorf("decode frame: %w", err)
			}

			secret := []byte(secretFlag)
			if verifyFlag {
				if !protocol.Verify(f.Envelope, f.Signature, secret) {
					return fmt.Errorf("signature does not verify")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "ok")
				return nil
			}

			f.Signature = protocol.Sign(f.Envelope, secret)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetEscapeHTML(false)
			enc.SetIndent("", "  ")
			return enc.Encode(f)
		},
	}

	cmd.Flags().StringVar(&secretFlag, "secret", "", "HMAC shared secret (default $A2A_SHARED_SECRET)")
	cmd.Flags().BoolVar(&verifyFlag, "verify", false, "check the existing signature instead of signing")
	return cmd
}
