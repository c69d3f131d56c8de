package keys

import (
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
)

func newSignCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "sign <message|->",
		Short: "Sign a login challenge message",
		Long: `Sign a message with the personal-message scheme the challenge login
verifies. Use - to read the message from stdin; a single trailing newline
is dropped.

Example:
  curl -s -X POST localhost:8080/auth/nonce -d '{"address":"0x..."}' \
    | jq -r .message | arc-sign keys sign -`,
		Args: cobra.ExactArgs(1),
	}
	k := newKeysCmd(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		msg := args[0]
		if msg == "-" {
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read message: %w", err)
			}
			msg = strings.TrimSuffix(string(b), "\n")
		}

		kr, err := k.keyring(cmd)
		if err != nil {
			return err
		}
		signer, err := loadKey(cmd.Context(), kr, key)
		if err != nil {
			return err
		}
		sig, err := signer.Keypair.SignText([]byte(msg))
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}

		return k.output(cmd).KV("signature").
			Set("Address", signer.Address.Hex()).
			Set("Signature", hexutil.Encode(sig)).
			Render()
	}
	cmd.Flags().StringVarP(&key, "key", "k", "", "key alias or address (default key if empty)")
	return cmd
}
