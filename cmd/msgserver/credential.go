package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/emx-mail/msgserver/pkgs/config"
)

var credentialProtocols = map[string]bool{"imap": true, "pop3": true, "smtp": true, "gateway": true}

// handleCredential manages account passwords in the system keyring.
func (a *app) handleCredential(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: msgserver credential set|delete <account> <protocol> [password]")
	}
	op, account, proto := args[0], args[1], args[2]
	if !credentialProtocols[proto] {
		return fmt.Errorf("unknown protocol %q", proto)
	}
	secrets, err := config.OpenKeyring(filepath.Dir(config.ResolvePath(a.configPath)))
	if err != nil {
		return err
	}
	key := config.CredentialKey(account, proto)

	switch op {
	case "set":
		password := ""
		if len(args) > 3 {
			password = args[3]
		} else {
			fmt.Fprintf(os.Stderr, "Password for %s: ", key)
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}
		if password == "" {
			return fmt.Errorf("empty password")
		}
		if err := secrets.Set(key, password); err != nil {
			return err
		}
		fmt.Printf("Stored credential %s\n", key)
	case "delete":
		if err := secrets.Delete(key); err != nil {
			return err
		}
		fmt.Printf("Deleted credential %s\n", key)
	default:
		return fmt.Errorf("unknown credential command %q", op)
	}
	return nil
}
