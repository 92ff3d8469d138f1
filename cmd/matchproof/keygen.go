package main

import (
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/provenplay/matchproof/pkg/crypto"
)

// runKeygenCmd generates a master seed for a node keyring. The hex seed
// goes into MASTER_SEED; per-match session keys derive from it, so it is
// the only secret a node operator has to keep.
//
// Exit codes:
//
//	0 = key generated
//	2 = runtime error
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	seed := make([]byte, 32)
	if _, err := crand.Read(seed); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: generate seed: %v\n", err)
		return 2
	}

	keyring, err := crypto.NewKeyringFromSeed(seed)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: build keyring: %v\n", err)
		return 2
	}

	seedHex := hex.EncodeToString(seed)
	pubHex := keyring.MasterPublicKeyHex()

	if jsonOutput {
		result := map[string]any{
			"master_seed":       seedHex,
			"master_public_key": pubHex,
			"scheme":            crypto.SigTypeEd25519,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "Master seed:       %s\n", seedHex)
	_, _ = fmt.Fprintf(stdout, "Master public key: %s\n", pubHex)
	_, _ = fmt.Fprintln(stdout, "\nExport MASTER_SEED with the seed value. Keep it secret:")
	_, _ = fmt.Fprintln(stdout, "anyone holding it can re-derive every session key.")
	return 0
}
