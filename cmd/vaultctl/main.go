// Command vaultctl is the operator CLI for the broker's credential vault:
// a one-shot tool for storing, listing, inspecting, rotating, and deleting
// entries without standing up the broker's RPC server.
//
// Grounded on cmd/bootstrap/main.go's style: plain os.Args subcommand
// dispatch, log.Fatal on operator error, no CLI framework.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/agentsec/broker/pkg/vault"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	vaultPath := os.Getenv("VAULT_PATH")
	if vaultPath == "" {
		vaultPath = "data/vault.json"
	}
	passphrase := os.Getenv("VAULT_PASSPHRASE")
	if passphrase == "" {
		log.Fatal("VAULT_PASSPHRASE must be set")
	}

	store, err := vault.Open(vaultPath, passphrase)
	if err != nil {
		log.Fatalf("vaultctl: open %s: %v", vaultPath, err)
	}

	switch os.Args[1] {
	case "store":
		cmdStore(store, os.Args[2:])
	case "get":
		cmdGet(store, os.Args[2:])
	case "list":
		cmdList(store, os.Args[2:])
	case "delete":
		cmdDelete(store, os.Args[2:])
	case "rotate":
		cmdRotate(store, os.Args[2:])
	case "revoke":
		cmdRevoke(store, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: vaultctl <command> [args]

Commands:
  store   -protocol P -target T -kind KIND [-token T] [-label L] [-rate N]
  get     -protocol P -target T
  list    [-protocol P]
  delete  -protocol P -target T
  rotate  -protocol P -target T
  revoke  -protocol P -target T

VAULT_PATH and VAULT_PASSPHRASE control which vault file is opened.`)
}

func cmdStore(store *vault.Store, args []string) {
	fs := flag.NewFlagSet("store", flag.ExitOnError)
	protocol := fs.String("protocol", "", "credential protocol, e.g. http or llm")
	target := fs.String("target", "", "credential target, e.g. a hostname")
	kind := fs.String("kind", "", "bearer|api-key|basic|query|oauth2|opaque")
	token := fs.String("token", "", "bearer token / api key value / opaque value")
	header := fs.String("header", "", "header name for api-key credentials")
	label := fs.String("label", "", "human-readable label")
	rate := fs.Int("rate", 0, "per-minute rate limit override (0 = use default)")
	_ = fs.Parse(args)

	if *protocol == "" || *target == "" || *kind == "" {
		log.Fatal("vaultctl store: -protocol, -target, and -kind are required")
	}

	cred := vault.Credential{Kind: vault.CredentialKind(*kind)}
	switch cred.Kind {
	case vault.KindBearer:
		cred.Token = *token
	case vault.KindAPIKey:
		cred.Header = *token
		cred.HeaderName = *header
	case vault.KindOpaque:
		cred.Value = *token
	default:
		log.Fatalf("vaultctl store: kind %q must be set up interactively via oauth2/basic flows, not this CLI", *kind)
	}

	opts := []vault.EntryOption{}
	if *label != "" {
		opts = append(opts, vault.WithLabel(*label))
	}
	if *rate > 0 {
		opts = append(opts, vault.WithRateLimit(*rate))
	}

	if err := store.Store(*protocol, *target, cred, opts...); err != nil {
		log.Fatalf("vaultctl store: %v", err)
	}
	log.Printf("vaultctl: stored %s/%s", *protocol, *target)
}

func cmdGet(store *vault.Store, args []string) {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	protocol := fs.String("protocol", "", "credential protocol")
	target := fs.String("target", "", "credential target")
	_ = fs.Parse(args)

	entry, err := store.Get(*protocol, *target)
	if err != nil {
		log.Fatalf("vaultctl get: %v", err)
	}
	printJSON(vault.ListEntry{
		Protocol:   *protocol,
		Target:     *target,
		Label:      entry.Label,
		CreatedAt:  entry.CreatedAt,
		ExpiresAt:  entry.ExpiresAt,
		HasRefresh: entry.Credential.RefreshToken != "",
		State:      entry.State,
	})
}

func cmdList(store *vault.Store, args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	protocol := fs.String("protocol", "", "restrict to a single protocol (empty = all)")
	_ = fs.Parse(args)

	entries, err := store.List(*protocol)
	if err != nil {
		log.Fatalf("vaultctl list: %v", err)
	}
	printJSON(entries)
}

func cmdDelete(store *vault.Store, args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	protocol := fs.String("protocol", "", "credential protocol")
	target := fs.String("target", "", "credential target")
	_ = fs.Parse(args)

	if err := store.Delete(*protocol, *target); err != nil {
		log.Fatalf("vaultctl delete: %v", err)
	}
	log.Printf("vaultctl: deleted %s/%s", *protocol, *target)
}

func cmdRotate(store *vault.Store, args []string) {
	fs := flag.NewFlagSet("rotate", flag.ExitOnError)
	protocol := fs.String("protocol", "", "credential protocol")
	target := fs.String("target", "", "credential target")
	_ = fs.Parse(args)

	if err := store.MarkRotated(*protocol, *target); err != nil {
		log.Fatalf("vaultctl rotate: %v", err)
	}
	log.Printf("vaultctl: marked %s/%s rotated", *protocol, *target)
}

func cmdRevoke(store *vault.Store, args []string) {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	protocol := fs.String("protocol", "", "credential protocol")
	target := fs.String("target", "", "credential target")
	_ = fs.Parse(args)

	if err := store.Revoke(*protocol, *target); err != nil {
		log.Fatalf("vaultctl revoke: %v", err)
	}
	log.Printf("vaultctl: revoked %s/%s", *protocol, *target)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("vaultctl: encode output: %v", err)
	}
}
