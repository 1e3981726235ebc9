package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/emx-mail/msgserver/pkgs/config"
)

func (a *app) handleInit() error {
	root := config.ExampleRootConfig()

	if a.configPath == "" && config.HasEmxConfig() {
		data, err := json.MarshalIndent(root, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format example config: %w", err)
		}
		fmt.Println("emx-config detected. Configure msgserver using emx-config.")
		fmt.Println("Example JSON (keys under 'mail'):")
		fmt.Println(string(data))
		fmt.Println("Then verify with: emx-config list --json")
		return nil
	}

	path := config.ResolvePath(a.configPath)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := config.SaveConfig(path, root); err != nil {
		return err
	}
	fmt.Printf("Created config file at: %s\n", path)
	fmt.Println("Edit the file to describe your accounts, then store passwords with:")
	fmt.Println("  msgserver credential set <account> <imap|pop3|smtp|gateway>")
	return nil
}
