// Command import_books seeds the catalog from a JSON file of book records,
// e.g. [{"title":"Dune","author":"Frank Herbert","category":"Fiction"}].
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"library-circulation/config"
	"library-circulation/library"
	"library-circulation/logger"
)

type seedBook struct {
	Title    string `json:"title"`
	Author   string `json:"author"`
	Category string `json:"category"`
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <seed-file.json>\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, os.Stderr)

	var store library.Store
	switch cfg.Backend {
	case config.BackendSQLite:
		store, err = library.NewSQLiteStore(cfg.SQLitePath, log)
	default:
		var fs *library.FileStore
		fs, err = library.NewFileStore(cfg.DataDir, log)
		if err == nil {
			fs.SetBackups(cfg.BackupsEnabled, cfg.BackupKeep)
			store = fs
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}

	lib := library.NewLibrary(store, log)
	if err := lib.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading library data: %v\n", err)
		os.Exit(1)
	}
	defer lib.Close()

	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading seed file: %v\n", err)
		os.Exit(1)
	}

	var seeds []seedBook
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &seeds); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing seed file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Importing %d books...\n", len(seeds))

	successCount := 0
	skipCount := 0
	errorCount := 0

	for _, s := range seeds {
		fmt.Printf("Importing: %s by %s... ", s.Title, s.Author)

		if _, err := lib.AddBook(s.Title, s.Author, s.Category); err != nil {
			if errors.Is(err, library.ErrDuplicate) {
				fmt.Println("SKIPPED (already in catalog)")
				skipCount++
			} else {
				fmt.Printf("ERROR - %v\n", err)
				errorCount++
			}
			continue
		}

		fmt.Println("SUCCESS")
		successCount++
	}

	fmt.Printf("\nImport complete!\n")
	fmt.Printf("Imported: %d books\n", successCount)
	fmt.Printf("Skipped:  %d duplicates\n", skipCount)
	fmt.Printf("Errors:   %d\n", errorCount)

	if successCount > 0 {
		fmt.Println("\nCatalog now contains:")
		fmt.Printf("%-40s %-30s %s\n", "Title", "Author", "Category")
		fmt.Println(strings.Repeat("-", 85))
		for _, b := range lib.Books() {
			fmt.Printf("%-40s %-30s %s\n", truncateString(b.Title, 40), truncateString(b.Author, 30), b.Category)
		}
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
