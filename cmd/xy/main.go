package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pruvlabs/xychain/internal/redact"
	"github.com/pruvlabs/xychain/internal/storage"
	"github.com/pruvlabs/xychain/pkg/xychain"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile  string
	chainDir string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "xy",
	Short: "Tamper-evident state transition chains",
	Long: `xy records state transitions in tamper-evident chains.

Each entry captures an action, the state before it (X), the state after
it (Y), and a proof hash linking it to the previous entry. Anyone
holding the chain can re-verify the whole sequence with no shared
secret and pinpoint exactly where tampering occurred.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".xychain"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if chainDir == "" {
			chainDir = viper.GetString("chain_dir")
		}
		if chainDir == "" {
			chainDir = ".xychain"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.xychain/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&chainDir, "dir", "", "chain storage directory (default .xychain)")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(versionCmd)
}

func openStore() (*storage.LocalStore, error) {
	return storage.NewLocalStore(chainDir)
}

// ── create ───────────────────────────────────────────────────────────────────

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new empty chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		chain := xychain.New(args[0])
		if err := store.Save(context.Background(), chain); err != nil {
			return err
		}
		fmt.Printf("created chain %s (%s)\n", chain.ID(), chain.Name())
		return nil
	},
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendXState  string
	appendYState  string
	appendKeyFile string
	appendKeyID   string
	appendNoScrub bool
)

var appendCmd = &cobra.Command{
	Use:   "append <chain-id> <action>",
	Short: "Append a state transition to a chain",
	Long: `Append records one transition. States are JSON objects, given
inline or from a file with @path:

  xy append 3f2a9c1d8e4b deploy --x '{"version":"1.0"}' --y '{"version":"1.1"}'
  xy append 3f2a9c1d8e4b configure --x @before.json --y @after.json

With --key, the entry proof is signed with the Ed25519 seed in the
given file (see xy keygen).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		chain, err := store.Load(context.Background(), args[0])
		if err != nil {
			return err
		}

		xState, err := parseState(appendXState)
		if err != nil {
			return fmt.Errorf("--x: %w", err)
		}
		yState, err := parseState(appendYState)
		if err != nil {
			return fmt.Errorf("--y: %w", err)
		}

		opts := []xychain.Option{}
		if !appendNoScrub {
			opts = append(opts, xychain.WithRedactor(redact.State))
		}
		if appendKeyFile != "" {
			priv, err := readKeyFile(appendKeyFile)
			if err != nil {
				return err
			}
			keyID := appendKeyID
			if keyID == "" {
				keyID = strings.TrimSuffix(filepath.Base(appendKeyFile), ".key")
			}
			signer, err := xychain.NewEd25519Signer(priv, keyID)
			if err != nil {
				return err
			}
			opts = append(opts, xychain.WithSigner(signer))
		}

		chain = xychain.FromEntries(chain.ID(), chain.Name(), chain.Entries(), opts...)
		entry, err := chain.Append(args[1], xState, yState)
		if err != nil {
			return err
		}
		if err := store.Save(context.Background(), chain); err != nil {
			return err
		}

		fmt.Printf("appended entry %d  proof %s\n", entry.Index, entry.Proof)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendXState, "x", "{}", "X state: JSON object or @file")
	appendCmd.Flags().StringVar(&appendYState, "y", "{}", "Y state: JSON object or @file")
	appendCmd.Flags().StringVar(&appendKeyFile, "key", "", "Ed25519 seed file to sign the entry with")
	appendCmd.Flags().StringVar(&appendKeyID, "key-id", "", "key identifier recorded on the entry (default: key file name)")
	appendCmd.Flags().BoolVar(&appendNoScrub, "no-redact", false, "disable secret redaction of states")
}

func parseState(arg string) (map[string]any, error) {
	raw := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		raw, err = os.ReadFile(arg[1:])
		if err != nil {
			return nil, err
		}
	}
	var state map[string]any
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("state must be a JSON object: %w", err)
	}
	return state, nil
}

func readKeyFile(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key file must hold a %d-byte hex seed, got %d bytes", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyAll     bool
	verifyKeyFile string
	verifyKeyID   string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <chain-id>",
	Short: "Verify a chain's integrity",
	Long: `Verify walks the chain and recomputes every link and proof.
A valid chain prints ok; a broken one prints the first break index.
With --all, every breaking entry is reported instead of just the first.
With --pub, entry signatures are checked against the given public key.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		chain, err := store.Load(context.Background(), args[0])
		if err != nil {
			return err
		}

		opts := []xychain.Option{}
		if verifyKeyFile != "" {
			raw, err := os.ReadFile(verifyKeyFile)
			if err != nil {
				return fmt.Errorf("read public key: %w", err)
			}
			pub, err := hex.DecodeString(strings.TrimSpace(string(raw)))
			if err != nil || len(pub) != ed25519.PublicKeySize {
				return fmt.Errorf("--pub must hold a %d-byte hex public key", ed25519.PublicKeySize)
			}
			keyID := verifyKeyID
			if keyID == "" {
				keyID = strings.TrimSuffix(filepath.Base(verifyKeyFile), ".pub")
			}
			resolver := xychain.NewStaticResolver()
			resolver.Add(keyID, pub)
			opts = append(opts, xychain.WithVerifier(resolver))
		}
		chain = xychain.FromEntries(chain.ID(), chain.Name(), chain.Entries(), opts...)

		if verifyAll {
			if breaks := chain.VerifyAll(); len(breaks) > 0 {
				fmt.Printf("chain %s: BROKEN at entries %v\n", chain.ID(), breaks)
				os.Exit(1)
			}
		} else if valid, breakIdx := chain.Verify(); !valid {
			fmt.Printf("chain %s: BROKEN at entry %d\n", chain.ID(), breakIdx)
			os.Exit(1)
		}

		fmt.Printf("chain %s: ok (%d entries)\n", chain.ID(), chain.Len())
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyAll, "all", false, "report every breaking entry, not just the first")
	verifyCmd.Flags().StringVar(&verifyKeyFile, "pub", "", "hex Ed25519 public key file for signature checks")
	verifyCmd.Flags().StringVar(&verifyKeyID, "key-id", "", "key identifier the public key resolves (default: file name)")
}

// ── show / list / export / delete ────────────────────────────────────────────

var showCmd = &cobra.Command{
	Use:   "show <chain-id>",
	Short: "Show a chain's entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		chain, err := store.Load(context.Background(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("chain %s (%s): %d entries, head %s\n\n", chain.ID(), chain.Name(), chain.Len(), chain.Head())
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tACTION\tTIMESTAMP\tPROOF\tSIGNED")
		for _, e := range chain.Entries() {
			signed := "-"
			if len(e.Signature) > 0 {
				signed = e.KeyID
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				e.Index, e.Action, e.Timestamp.Format("2006-01-02 15:04:05"), shortProof(e.Proof), signed)
		}
		return w.Flush()
	},
}

// shortProof truncates a proof for tabular display. Stored files are
// untrusted input, so a proof shorter than the display width passes
// through unchanged.
func shortProof(proof string) string {
	if len(proof) <= 16 {
		return proof
	}
	return proof[:16] + "…"
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored chains",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		infos, err := store.List(context.Background())
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("no chains")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tENTRIES")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%d\n", info.ID, info.Name, info.Length)
		}
		return w.Flush()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <chain-id>",
	Short: "Print a chain's interchange document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		chain, err := store.Load(context.Background(), args[0])
		if err != nil {
			return err
		}
		data, err := chain.Export()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <chain-id>",
	Short: "Delete a stored chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Delete(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted chain %s\n", args[0])
		return nil
	},
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen <name>",
	Short: "Generate an Ed25519 signing keypair",
	Long: `Keygen writes <name>.key (hex private seed, mode 0600) and
<name>.pub (hex public key) into the output directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := xychain.GenerateKeypair()
		if err != nil {
			return err
		}

		keyPath := filepath.Join(keygenOut, args[0]+".key")
		pubPath := filepath.Join(keygenOut, args[0]+".pub")
		if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv.Seed())+"\n"), 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
		if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(pub)+"\n"), 0o644); err != nil {
			return fmt.Errorf("write public key: %w", err)
		}

		fmt.Printf("wrote %s and %s\n", keyPath, pubPath)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", ".", "output directory for key files")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the xy version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("xy", version)
	},
}
