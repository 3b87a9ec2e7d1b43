package main

import (
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/term"

	"github.com/quillchat/e2ee/olm"
)

const accountFile = "account.key"

var (
	// Global flags
	outputDir    string
	noPassphrase bool
	force        bool
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "generate":
		generateCmd(args)
	case "show":
		showCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("devicekeys - QuillChat Device Key Management Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  devicekeys generate [flags]  - Generate a new device account")
	fmt.Println("  devicekeys show [flags]      - Display device public keys")
	fmt.Println()
	fmt.Println("Run 'devicekeys <command> -h' for command-specific help")
}

func defaultKeystoreDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "quillchat", "keys")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "quillchat", "keys")
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	fs.StringVar(&outputDir, "output-dir", defaultKeystoreDir(), "Key storage directory")
	fs.BoolVar(&noPassphrase, "no-passphrase", false, "Generate without passphrase protection")
	fs.BoolVar(&force, "force", false, "Overwrite an existing account")
	fs.Parse(args)

	if err := os.MkdirAll(outputDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		os.Exit(1)
	}

	accountPath := filepath.Join(outputDir, accountFile)

	if !force {
		if _, err := os.Stat(accountPath); !os.IsNotExist(err) {
			fmt.Println("A device account already exists.")
			fmt.Print("Overwrite existing account? [y/N]: ")
			var response string
			fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				fmt.Println("Aborted.")
				return
			}
		}
	}

	fmt.Println("Generating new device account...")
	fmt.Println()

	device, err := olm.NewDevice()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate device account: %v\n", err)
		os.Exit(1)
	}

	var passphrase string
	if !noPassphrase {
		passphrase = readPassphrase(true)
	}

	if err := device.SaveAccount(accountPath, passphrase); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save account: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Device account generated successfully!")
	fmt.Println()
	printDeviceKeys(device)
	fmt.Println()
	fmt.Println("Account stored in:")
	fmt.Printf("  %s\n", outputDir)

	if passphrase == "" {
		fmt.Println()
		fmt.Println("WARNING: Account stored WITHOUT encryption (insecure)")
	}
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	fs.StringVar(&outputDir, "keys-dir", defaultKeystoreDir(), "Key storage directory")
	fs.Parse(args)

	accountPath := filepath.Join(outputDir, accountFile)
	if _, err := os.Stat(accountPath); os.IsNotExist(err) {
		accountPath += ".insecure"
	}

	var passphrase string
	if filepath.Ext(accountPath) != ".insecure" {
		fmt.Print("Enter passphrase: ")
		passphraseBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
			os.Exit(1)
		}
		passphrase = string(passphraseBytes)
	}

	device, err := olm.LoadAccount(accountPath, passphrase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load account: %v\n", err)
		fmt.Fprintln(os.Stderr, "Run 'devicekeys generate' first to create an account")
		os.Exit(1)
	}

	printDeviceKeys(device)
}

func readPassphrase(confirm bool) string {
	fmt.Print("Enter passphrase (leave empty for no encryption): ")
	passphraseBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
		os.Exit(1)
	}
	passphrase := string(passphraseBytes)

	if confirm && passphrase != "" {
		fmt.Print("Confirm passphrase: ")
		confirmBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
			os.Exit(1)
		}
		if passphrase != string(confirmBytes) {
			fmt.Fprintln(os.Stderr, "Passphrases do not match.")
			os.Exit(1)
		}
	}
	return passphrase
}

func printDeviceKeys(device *olm.Device) {
	signingKey := device.SigningKey()
	hash := sha256.Sum256([]byte(signingKey))

	fmt.Println("Signing Key (Ed25519):")
	fmt.Printf("  %s\n", signingKey)
	fmt.Println()
	fmt.Println("Identity Key (Curve25519):")
	fmt.Printf("  %s\n", device.IdentityKey())
	fmt.Println()
	fmt.Println("Fingerprint:")
	fmt.Printf("  SHA256:%x\n", hash[:8])
}
