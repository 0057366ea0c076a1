package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/toole-brendan/handreceipt-custody/internal/merkle"
	scanpkg "github.com/toole-brendan/handreceipt-custody/internal/scan"
)

// ScanCmd returns the scan command: verify and commit one QR payload.
func ScanCmd() *cobra.Command {
	var (
		holder    string
		proofFile string
	)

	cmd := &cobra.Command{
		Use:     "scan <payload-file>",
		Aliases: []string{"verify"},
		Short:   "Verify a scanned QR payload and commit the transfer",
		Long:    `Scan reads a QR payload (JSON) from the given file, or from stdin
when the file is "-", runs it through signature and Merkle verification,
and commits the resulting custody transfer locally. Without --proof the
scan commits provisionally and is re-verified on the next sync.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			raw, err := readInput(args[0])
			if err != nil {
				return err
			}

			var proof []merkle.ProofStep
			if proofFile != "" {
				data, err := os.ReadFile(proofFile)
				if err != nil {
					return fmt.Errorf("read proof: %w", err)
				}
				if err := json.Unmarshal(data, &proof); err != nil {
					return fmt.Errorf("parse proof: %w", err)
				}
			}

			dec, err := app.Pipeline.Process(cmd.Context(), scanpkg.Input{
				Raw:       raw,
				Proof:     proof,
				NewHolder: holder,
			})
			if err != nil {
				if dec != nil && dec.State == scanpkg.StateRejected {
					return fmt.Errorf("scan rejected: %s", dec.Reason)
				}
				return err
			}

			fmt.Printf("Committed transfer %s for asset %s\n",
				dec.Result.ID, dec.Result.PropertyID)
			if dec.Unverified {
				fmt.Println("No proof available: commit is provisional pending re-verification.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&holder, "holder", "", "new holder recorded on the transfer")
	cmd.Flags().StringVar(&proofFile, "proof", "", "JSON file with the Merkle inclusion proof")
	return cmd
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
