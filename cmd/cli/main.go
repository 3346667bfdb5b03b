package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/zapdos-labs/mnemora/internal/config"
	"github.com/zapdos-labs/mnemora/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ~/.mnemora/config.json)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: cli [flags] [command]")
		fmt.Println("Flags:")
		fmt.Println("  -config string")
		fmt.Println("        Path to config file (default: ~/.mnemora/config.json)")
		fmt.Println("Commands:")
		fmt.Println("  -delete-app-dir  Delete the application directory")
		fmt.Println("  -drop            Drop the database schema")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	command := flag.Arg(0)

	// -delete-app-dir never touches the database, so handle it before
	// connecting.
	if command == "-delete-app-dir" {
		handleDeleteAppDir(cfg)
		return
	}

	st, err := store.NewClient(store.Config{DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	switch command {
	case "-drop":
		handleDropSchema(st)
	default:
		log.Fatalf("Unknown command: %s", command)
	}
}

// confirm prompts the user for y/n confirmation.
func confirm() bool {
	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

// handleDeleteAppDir deletes the application directory after confirmation.
func handleDeleteAppDir(cfg *config.Config) {
	if cfg.AppDir == "" {
		log.Fatalf("AppDir is not configured")
	}

	fmt.Printf("WARNING: This will delete the app directory: %s\n", cfg.AppDir)
	fmt.Print("Are you sure you want to continue? (y/n): ")

	if !confirm() {
		log.Println("Operation cancelled")
		os.Exit(0)
	}

	log.Printf("Deleting app directory: %s", cfg.AppDir)
	if err := os.RemoveAll(cfg.AppDir); err != nil {
		log.Fatalf("Failed to delete app directory: %v", err)
	}
	log.Println("App directory deleted successfully")
}

// handleDropSchema drops the database schema after confirmation.
func handleDropSchema(st *store.Client) {
	fmt.Println("WARNING: This will drop the database schema and delete all data")
	fmt.Print("Are you sure you want to continue? (y/n): ")

	if !confirm() {
		log.Println("Operation cancelled")
		os.Exit(0)
	}

	log.Println("Dropping schema...")
	if err := st.DropSchema(); err != nil {
		log.Fatalf("Failed to drop schema: %v", err)
	}
	log.Println("Schema dropped successfully")
}
