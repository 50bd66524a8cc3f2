package main

import (
	_ "embed"
	"fmt"
	"os"
)

//go:embed .env.example
var envExampleContent string

// runInit generates .env.example in the current directory.
func runInit() error {
	const filename = ".env.example"

	// Always overwrite .env.example (it's a template, safe to update)
	if err := os.WriteFile(filename, []byte(envExampleContent), 0644); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}

	fmt.Printf("Generated %s\n", filename)
	fmt.Println("Next steps:")
	fmt.Println("  1. Copy the template: cp .env.example .env")
	fmt.Println("  2. Edit .env and set LLM_GATEWAY_SECRET_KEY (and LLM_GATEWAY_ADMIN_TOKEN for the admin API)")
	fmt.Println("  3. Start the server: ./llm-gateway")

	return nil
}
