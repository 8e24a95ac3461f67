package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"library-circulation/api"
	"library-circulation/config"
	"library-circulation/library"
	"library-circulation/logger"
)

const version = "1.0.0"

func main() {
	root := &cobra.Command{
		Use:     "library-circulation",
		Short:   "Track a catalog of books, a member roster, and circulation events",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive()
		},
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API over the circulation engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	restore := &cobra.Command{
		Use:   "restore",
		Short: "Restore catalog and roster from their most recent backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore()
		},
	}

	root.AddCommand(serve, restore)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup builds the store and engine from configuration and loads state. On a
// corrupt data file the caller receives the typed error and decides between
// backup restore and starting empty; setup never silently drops data.
func setup(log zerolog.Logger) (*library.Library, library.Store, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := openStore(cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}

	lib := library.NewLibrary(store, log)
	lib.SetLoanPeriod(cfg.LoanPeriod)
	if err := lib.Load(); err != nil {
		return lib, store, cfg, err
	}
	return lib, store, cfg, nil
}

func openStore(cfg *config.Config, log zerolog.Logger) (library.Store, error) {
	if cfg.Backend == config.BackendSQLite {
		return library.NewSQLiteStore(cfg.SQLitePath, log)
	}
	fs, err := library.NewFileStore(cfg.DataDir, log)
	if err != nil {
		return nil, err
	}
	fs.SetBackups(cfg.BackupsEnabled, cfg.BackupKeep)
	return fs, nil
}

func runServe() error {
	log := logger.New(os.Getenv("LIBRARY_LOG_LEVEL"), os.Stderr)

	lib, _, cfg, err := setup(log)
	if err != nil {
		if library.IsCorruption(err) {
			return fmt.Errorf("%w\nrun 'library-circulation restore' to recover from backup", err)
		}
		return err
	}
	defer lib.Close()

	log.Info().Str("addr", cfg.ListenAddr).Str("backend", cfg.Backend).Msg("serving circulation API")
	return api.NewRouter(lib, log).Run(cfg.ListenAddr)
}

func runRestore() error {
	log := logger.New(os.Getenv("LIBRARY_LOG_LEVEL"), os.Stderr)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Backend != config.BackendJSON {
		return fmt.Errorf("restore is only available for the json backend")
	}

	fs, err := library.NewFileStore(cfg.DataDir, log)
	if err != nil {
		return err
	}
	if err := fs.RestoreBooksBackup(); err != nil {
		fmt.Printf("Catalog: %v\n", err)
	} else {
		fmt.Println("Catalog restored from most recent backup.")
	}
	if err := fs.RestoreMembersBackup(); err != nil {
		fmt.Printf("Roster: %v\n", err)
	} else {
		fmt.Println("Roster restored from most recent backup.")
	}
	return nil
}

func runInteractive() error {
	log := logger.New(os.Getenv("LIBRARY_LOG_LEVEL"), os.Stderr)
	scanner := bufio.NewScanner(os.Stdin)

	lib, store, _, err := setup(log)
	if err != nil {
		if !library.IsCorruption(err) {
			return err
		}
		fmt.Printf("Data file problem: %v\n", err)
		if !recoverInteractive(scanner, lib, store) {
			return err
		}
	}
	defer lib.Close()

	fmt.Println("Library Circulation System")
	fmt.Println("Available commands:")
	fmt.Println("  Catalog: add book, remove book, list books, search, categories, category")
	fmt.Println("  Members: add member, list members, member books")
	fmt.Println("  Circulation: issue, return, overdue, history")
	fmt.Println("  System: stats, exit")

	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		cmd := strings.TrimSpace(scanner.Text())

		switch cmd {
		case "add book":
			handleAddBook(scanner, lib)
		case "remove book":
			handleRemoveBook(scanner, lib)
		case "list books":
			handleListBooks(lib)
		case "search":
			handleSearch(scanner, lib)
		case "categories":
			handleCategories(lib)
		case "category":
			handleCategory(scanner, lib)
		case "add member":
			handleAddMember(scanner, lib)
		case "list members":
			handleListMembers(lib)
		case "member books":
			handleMemberBooks(scanner, lib)
		case "issue":
			handleIssue(scanner, lib)
		case "return":
			handleReturn(scanner, lib)
		case "overdue":
			handleOverdue(lib)
		case "history":
			handleHistory(scanner, lib)
		case "stats":
			handleStats(lib)
		case "exit":
			if err := lib.Save(); err != nil {
				fmt.Printf("Warning: final save failed: %v\n", err)
			}
			fmt.Println("Goodbye!")
			return nil
		case "":
		default:
			fmt.Println("Unknown command. Type one of the available commands listed above.")
		}
	}
	return nil
}

// recoverInteractive offers the operator a backup restore after a corrupt
// load. Declining keeps the corrupt files untouched and starts with empty
// collections; the next save will overwrite them.
func recoverInteractive(sc *bufio.Scanner, lib *library.Library, store library.Store) bool {
	fs, ok := store.(*library.FileStore)
	if !ok {
		fmt.Println("No backups available for this backend; starting with empty collections.")
		return true
	}

	fmt.Print("Restore from the most recent backup? [y/N]: ")
	if !sc.Scan() {
		return false
	}
	if strings.ToLower(strings.TrimSpace(sc.Text())) == "y" {
		if err := fs.RestoreBooksBackup(); err != nil {
			fmt.Printf("Catalog restore: %v\n", err)
		}
		if err := fs.RestoreMembersBackup(); err != nil {
			fmt.Printf("Roster restore: %v\n", err)
		}
		if err := lib.Load(); err != nil {
			fmt.Printf("Reload after restore failed: %v\n", err)
			return false
		}
		fmt.Println("Restored from backup.")
		return true
	}

	fmt.Println("Starting with empty collections; existing files will be overwritten on the next change.")
	return true
}

func prompt(sc *bufio.Scanner, label string) (string, bool) {
	fmt.Print(label)
	if !sc.Scan() {
		return "", false
	}
	return strings.TrimSpace(sc.Text()), true
}

func handleAddBook(sc *bufio.Scanner, lib *library.Library) {
	title, ok := prompt(sc, "Title: ")
	if !ok {
		return
	}
	author, ok := prompt(sc, "Author: ")
	if !ok {
		return
	}
	category, ok := prompt(sc, "Category (or press Enter for 'General'): ")
	if !ok {
		return
	}

	book, err := lib.AddBook(title, author, category)
	if err != nil {
		fmt.Printf("Error adding book: %v\n", err)
		return
	}
	fmt.Printf("Added '%s' by %s (Category: %s)\n", book.Title, book.Author, book.Category)
}

func handleRemoveBook(sc *bufio.Scanner, lib *library.Library) {
	title, ok := prompt(sc, "Title: ")
	if !ok {
		return
	}
	author, ok := prompt(sc, "Author: ")
	if !ok {
		return
	}
	if err := lib.RemoveBook(title, author); err != nil {
		fmt.Printf("Error removing book: %v\n", err)
		return
	}
	fmt.Printf("Removed '%s' by %s\n", title, author)
}

func handleListBooks(lib *library.Library) {
	books := lib.Books()
	if len(books) == 0 {
		fmt.Println("No books in library.")
		return
	}
	printBookTable(books)
}

func printBookTable(books []library.Book) {
	fmt.Printf("%-30s %-25s %-15s %-10s %-10s %s\n", "Title", "Author", "Category", "Available", "Borrower", "Due")
	fmt.Println(strings.Repeat("-", 105))
	for _, b := range books {
		availStr := "Yes"
		borrower := ""
		due := ""
		if !b.Available {
			availStr = "No"
			borrower = b.BorrowedBy
			if b.DueDate != nil {
				due = b.DueDate.Format("2006-01-02")
			}
		}
		fmt.Printf("%-30s %-25s %-15s %-10s %-10s %s\n",
			truncateString(b.Title, 30),
			truncateString(b.Author, 25),
			truncateString(b.Category, 15),
			availStr, borrower, due)
	}
}

func handleSearch(sc *bufio.Scanner, lib *library.Library) {
	query, ok := prompt(sc, "Query: ")
	if !ok {
		return
	}
	modeStr, ok := prompt(sc, "Search by [title/author/both] (default both): ")
	if !ok {
		return
	}
	mode := library.SearchBoth
	switch modeStr {
	case "title":
		mode = library.SearchTitle
	case "author":
		mode = library.SearchAuthor
	}

	books := lib.SearchBooks(query, mode)
	if len(books) == 0 {
		fmt.Printf("No books found matching '%s'.\n", query)
		return
	}
	fmt.Printf("Found %d book(s) matching '%s':\n", len(books), query)
	printBookTable(books)
}

func handleCategories(lib *library.Library) {
	cats := lib.Categories()
	if len(cats) == 0 {
		fmt.Println("No categories yet.")
		return
	}
	for _, c := range cats {
		fmt.Printf("  %s (%d)\n", c, len(lib.BooksByCategory(c)))
	}
}

func handleCategory(sc *bufio.Scanner, lib *library.Library) {
	category, ok := prompt(sc, "Category: ")
	if !ok {
		return
	}
	books := lib.BooksByCategory(category)
	if len(books) == 0 {
		fmt.Printf("No books in category '%s'.\n", category)
		return
	}
	printBookTable(books)
}

func handleAddMember(sc *bufio.Scanner, lib *library.Library) {
	name, ok := prompt(sc, "Name: ")
	if !ok {
		return
	}
	member, err := lib.AddMember(name)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Added member '%s' with ID %s\n", member.Name, member.ID)
}

func handleListMembers(lib *library.Library) {
	members := lib.Members()
	if len(members) == 0 {
		fmt.Println("No members registered.")
		return
	}
	fmt.Printf("%-8s %-30s %s\n", "ID", "Name", "Books Out")
	fmt.Println(strings.Repeat("-", 50))
	for _, m := range members {
		fmt.Printf("%-8s %-30s %d\n", m.ID, truncateString(m.Name, 30), len(m.Loans))
	}
}

func handleMemberBooks(sc *bufio.Scanner, lib *library.Library) {
	ref, ok := prompt(sc, "Member ID or name: ")
	if !ok {
		return
	}
	loans, err := lib.MemberBooks(ref)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(loans) == 0 {
		fmt.Println("No books checked out.")
		return
	}
	for i, ln := range loans {
		fmt.Printf("%d. '%s' by %s, due %s\n", i+1, ln.Title, ln.Author, ln.DueDate.Format("2006-01-02"))
	}
}

func handleIssue(sc *bufio.Scanner, lib *library.Library) {
	title, ok := prompt(sc, "Title: ")
	if !ok {
		return
	}
	author, ok := prompt(sc, "Author: ")
	if !ok {
		return
	}
	member, ok := prompt(sc, "Member ID or name: ")
	if !ok {
		return
	}

	due, err := lib.IssueBook(title, author, member)
	if err != nil {
		fmt.Printf("Error issuing book: %v\n", err)
		return
	}
	fmt.Printf("Issued '%s', due %s\n", title, due.Format("2006-01-02"))
}

func handleReturn(sc *bufio.Scanner, lib *library.Library) {
	title, ok := prompt(sc, "Title: ")
	if !ok {
		return
	}
	author, ok := prompt(sc, "Author: ")
	if !ok {
		return
	}
	member, ok := prompt(sc, "Member ID or name: ")
	if !ok {
		return
	}

	if err := lib.ReturnBook(title, author, member); err != nil {
		fmt.Printf("Error returning book: %v\n", err)
		return
	}
	fmt.Printf("Returned '%s'. The book is available again.\n", title)
}

func handleOverdue(lib *library.Library) {
	overdue := lib.OverdueBooks(time.Now())
	if len(overdue) == 0 {
		fmt.Println("No overdue books.")
		return
	}
	fmt.Printf("%-30s %-25s %-10s %s\n", "Title", "Author", "Member", "Days Overdue")
	fmt.Println(strings.Repeat("-", 80))
	for _, o := range overdue {
		fmt.Printf("%-30s %-25s %-10s %d\n",
			truncateString(o.Book.Title, 30),
			truncateString(o.Book.Author, 25),
			o.MemberID, o.DaysOverdue)
	}
}

func handleHistory(sc *bufio.Scanner, lib *library.Library) {
	raw, ok := prompt(sc, "How many entries (or press Enter for all): ")
	if !ok {
		return
	}
	limit := 0
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fmt.Printf("Invalid count: %s\n", raw)
			return
		}
		limit = n
	}

	entries, err := lib.History(limit)
	if err != nil {
		fmt.Printf("Error reading ledger: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("No transactions recorded.")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-6s '%s' by %s  member=%s",
			e.Time.Format(time.RFC3339), e.Event, e.Title, e.Author, e.MemberID)
		if e.DueDate != nil {
			line += "  due=" + e.DueDate.Format("2006-01-02")
		}
		fmt.Println(line)
	}
}

func handleStats(lib *library.Library) {
	stats := lib.Statistics()
	fmt.Printf("Total books:    %d\n", stats.TotalBooks)
	fmt.Printf("Available:      %d\n", stats.Available)
	fmt.Printf("Issued:         %d\n", stats.Issued)
	fmt.Printf("Total members:  %d\n", stats.TotalMembers)
	fmt.Printf("Categories:     %d\n", stats.Categories)
}

func truncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	return s[:maxLength-3] + "..."
}
