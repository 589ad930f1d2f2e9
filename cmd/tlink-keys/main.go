// Command tlink-keys manages the keys of tlink peers.
//
// Keys live in a YAML key ring (default ~/.tlink/keys.yaml) and are printed
// as unpadded base64url.
//
// Usage:
//
//	tlink-keys <command> [flags]
//
// Commands:
//
//	gen          Generate a key pair and store it in the ring
//	list         List the keys of the ring
//	pub          Print the public key of a ring entry
//	import       Store a public key (a peer's) in the ring
//	sign         Sign stdin with a ring key
//	verify       Verify a signature over stdin
//	auth         Create a mutual authentication signature
//	verify-auth  Verify a peer's mutual authentication signature
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tlink-protocol/tlink-go/pkg/config"
	"github.com/tlink-protocol/tlink-go/pkg/cryptokey"
)

const usage = `tlink-keys - tlink key management

Usage:
  tlink-keys <command> [flags]

Commands:
  gen          Generate a key pair and store it in the ring
  list         List the keys of the ring
  pub          Print the public key of a ring entry
  import       Store a public key (a peer's) in the ring
  sign         Sign stdin with a ring key
  verify       Verify a signature over stdin
  auth         Create a mutual authentication signature
  verify-auth  Verify a peer's mutual authentication signature

Use "tlink-keys <command> -help" for more information about a command.
`

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func defaultRing() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "keys.yaml"
	}
	return filepath.Join(home, ".tlink", "keys.yaml")
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		return errUsage
	}

	cmd, args := args[0], args[1:]
	switch cmd {
	case "gen":
		return runGen(args, stdout)
	case "list":
		return runList(args, stdout)
	case "pub":
		return runPub(args, stdout)
	case "import":
		return runImport(args, stdout)
	case "sign":
		return runSign(args, stdin, stdout)
	case "verify":
		return runVerify(args, stdin, stdout)
	case "auth":
		return runAuth(args, stdout)
	case "verify-auth":
		return runVerifyAuth(args, stdout)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		return errUsage
	}
}

// ringFlags are shared by every command.
type ringFlags struct {
	ring string
	name string
}

func newFlagSet(name string, rf *ringFlags) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&rf.ring, "ring", defaultRing(), "Key ring file")
	fs.StringVar(&rf.name, "name", "default", "Key name")
	return fs
}

func (rf *ringFlags) load() (*config.KeyRing, error) {
	return config.LoadKeyRing(rf.ring)
}

func (rf *ringFlags) key() (*cryptokey.Key, error) {
	ring, err := rf.load()
	if err != nil {
		return nil, err
	}
	return ring.Get(rf.name)
}

func runGen(args []string, stdout io.Writer) error {
	var rf ringFlags
	fs := newFlagSet("gen", &rf)
	kindName := fs.String("kind", "ed25519", "Key kind (ecdsa, ed25519, x25519)")
	force := fs.Bool("force", false, "Replace an existing key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	kind, err := cryptokey.ParseKind(*kindName)
	if err != nil {
		return err
	}
	ring, err := rf.load()
	if err != nil {
		return err
	}
	key, err := cryptokey.GenerateKeyPair(kind)
	if err != nil {
		return err
	}
	if err := ring.Put(rf.name, key, *force); err != nil {
		return err
	}
	if err := ring.Save(rf.ring); err != nil {
		return err
	}
	return printPublic(stdout, key)
}

func runList(args []string, stdout io.Writer) error {
	var rf ringFlags
	fs := newFlagSet("list", &rf)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ring, err := rf.load()
	if err != nil {
		return err
	}
	for _, name := range ring.Names() {
		entry := ring.Keys[name]
		scope := "public"
		if entry.Private != "" {
			scope = "private"
		}
		fmt.Fprintf(stdout, "%-16s %-8s %-7s %s\n", name, entry.Kind, scope, entry.Public)
	}
	return nil
}

func runPub(args []string, stdout io.Writer) error {
	var rf ringFlags
	fs := newFlagSet("pub", &rf)
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := rf.key()
	if err != nil {
		return err
	}
	return printPublic(stdout, key)
}

func runImport(args []string, stdout io.Writer) error {
	var rf ringFlags
	fs := newFlagSet("import", &rf)
	kindName := fs.String("kind", "ed25519", "Key kind")
	pub := fs.String("pub", "", "Public key (base64url)")
	force := fs.Bool("force", false, "Replace an existing key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := importPublic(*kindName, *pub)
	if err != nil {
		return err
	}
	ring, err := rf.load()
	if err != nil {
		return err
	}
	if err := ring.Put(rf.name, key, *force); err != nil {
		return err
	}
	if err := ring.Save(rf.ring); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "imported %s\n", rf.name)
	return nil
}

func runSign(args []string, stdin io.Reader, stdout io.Writer) error {
	var rf ringFlags
	fs := newFlagSet("sign", &rf)
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := rf.key()
	if err != nil {
		return err
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return err
	}
	sig, err := key.Sign(data, cryptokey.EncodingBase64URL)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(sig))
	return nil
}

func runVerify(args []string, stdin io.Reader, stdout io.Writer) error {
	var rf ringFlags
	fs := newFlagSet("verify", &rf)
	kindName := fs.String("kind", "", "Key kind when -pub is given")
	pub := fs.String("pub", "", "Public key (base64url); default is the ring key")
	sig := fs.String("sig", "", "Signature (base64url)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, err := selectKey(&rf, *kindName, *pub)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return err
	}
	if err := key.Verify(data, []byte(strings.TrimSpace(*sig)), cryptokey.EncodingBase64URL); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "OK")
	return nil
}

func runAuth(args []string, stdout io.Writer) error {
	var rf ringFlags
	fs := newFlagSet("auth", &rf)
	peer := fs.String("peer", "", "Peer key name in the ring")
	item := fs.String("item", "", "Own item")
	peerItem := fs.String("peer-item", "", "Peer item")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ring, err := rf.load()
	if err != nil {
		return err
	}
	key, err := ring.Get(rf.name)
	if err != nil {
		return err
	}
	peerKey, err := ring.Get(*peer)
	if err != nil {
		return err
	}
	auth, err := key.SignAuth(peerKey, *item, *peerItem)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, auth)
	return nil
}

func runVerifyAuth(args []string, stdout io.Writer) error {
	var rf ringFlags
	fs := newFlagSet("verify-auth", &rf)
	peer := fs.String("peer", "", "Expected signer key name in the ring; empty accepts any signer")
	item := fs.String("item", "", "Peer's item as the signer saw it")
	peerItem := fs.String("peer-item", "", "Own item as the signer saw it")
	signature := fs.String("sig", "", "Auth signature")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ring, err := rf.load()
	if err != nil {
		return err
	}
	key, err := ring.Get(rf.name)
	if err != nil {
		return err
	}
	var peerKey *cryptokey.Key
	if *peer != "" {
		if peerKey, err = ring.Get(*peer); err != nil {
			return err
		}
	}

	sig := strings.TrimSpace(*signature)
	if err := key.VerifyAuth(peerKey, *item, *peerItem, sig); err != nil {
		return err
	}
	signer, err := cryptokey.ExtractAuthPublicKey(key.Kind(), sig)
	if err != nil {
		return err
	}
	pub, _ := signer.ExportPublic(cryptokey.EncodingBase64URL)
	fmt.Fprintf(stdout, "OK signer %s\n", pub)
	return nil
}

func selectKey(rf *ringFlags, kindName, pub string) (*cryptokey.Key, error) {
	if pub == "" {
		return rf.key()
	}
	return importPublic(kindName, pub)
}

func importPublic(kindName, pub string) (*cryptokey.Key, error) {
	if pub == "" {
		return nil, fmt.Errorf("-pub is required")
	}
	kind, err := cryptokey.ParseKind(kindName)
	if err != nil {
		return nil, err
	}
	return cryptokey.ImportPublicKey(kind, []byte(strings.TrimSpace(pub)), cryptokey.EncodingBase64URL)
}

func printPublic(w io.Writer, key *cryptokey.Key) error {
	pub, err := key.ExportPublic(cryptokey.EncodingBase64URL)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s\n", key.Kind(), pub)
	return nil
}
