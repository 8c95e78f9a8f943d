package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shineum/threadmail/internal/messageid"
)

// decodedOutput is the YAML form of a decoded Message-ID.
type decodedOutput struct {
	Version           string `yaml:"version,omitempty"`
	messageid.Decoded `yaml:",inline"`
	UserClass         string `yaml:"user_class,omitempty"`
}

func newDecodeCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "decode <message-id>",
		Short: "Decode the correlation token of a Message-ID",
		Long: `Decode a Message-ID, In-Reply-To or References token issued by this
installation and print what it carries as YAML.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec := messageid.New(root.cfg.SecretSalt)
			decoded, err := codec.Decode(args[0])
			if errors.Is(err, messageid.ErrUnknownVersion) {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err != nil {
				return err
			}

			out := decodedOutput{Decoded: *decoded}
			if decoded.Version != 0 {
				out.Version = string(rune(decoded.Version))
			}
			if decoded.UserClass != 0 {
				out.UserClass = string(rune(decoded.UserClass))
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}
			return enc.Close()
		},
	}
}
