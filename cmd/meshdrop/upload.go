package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/meshdrop/meshdrop/internal/replication"
	"github.com/meshdrop/meshdrop/internal/transport"
	"github.com/meshdrop/meshdrop/pkg/proto"
	"github.com/spf13/cobra"
)

func newUploadCmd() *cobra.Command {
	var (
		nodeURL string
		secret  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file to a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging("")
			if nodeURL == "" {
				return fmt.Errorf("--node is required")
			}
			if secret == "" {
				secret = os.Getenv("MESHDROP_SECRET")
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			client := transport.NewClient(transport.ClientConfig{Secret: secret, Timeout: timeout})
			var res replication.UploadResult
			err = client.PostMultipart(cmd.Context(), transport.Endpoint(nodeURL, "api/upload", nil), nil,
				transport.FilePart{Field: proto.FieldUpload, FileName: filepath.Base(args[0]), Body: f}, &res)
			if err != nil {
				return fmt.Errorf("upload: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVar(&nodeURL, "node", "", "node base URL")
	cmd.Flags().StringVar(&secret, "secret", "", "network secret (default: $MESHDROP_SECRET)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "request timeout")
	return cmd
}
