package library

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// DefaultCategory is assigned to books added without an explicit category.
const DefaultCategory = "General"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// notblank rejects empty and whitespace-only values.
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	return v
}

// Book represents a lendable item in the catalog. A book is either available
// or issued; BorrowedBy and DueDate are set exactly when Available is false.
type Book struct {
	Title      string     `json:"title" validate:"notblank"`
	Author     string     `json:"author" validate:"notblank"`
	Category   string     `json:"category"`
	Available  bool       `json:"available"`
	BorrowedBy string     `json:"borrowed_by,omitempty"`
	DueDate    *time.Time `json:"due_date,omitempty"`
}

// NewBook validates and constructs an available book. Title and author must
// be non-blank; a blank category defaults to DefaultCategory.
func NewBook(title, author, category string) (*Book, error) {
	b := &Book{
		Title:     strings.TrimSpace(title),
		Author:    strings.TrimSpace(author),
		Category:  strings.TrimSpace(category),
		Available: true,
	}
	if b.Category == "" {
		b.Category = DefaultCategory
	}
	if err := validate.Struct(b); err != nil {
		return nil, fmt.Errorf("book title and author must be non-empty: %w", ErrValidation)
	}
	return b, nil
}

// Key returns the book's natural key.
func (b *Book) Key() BookKey { return NewBookKey(b.Title, b.Author) }

// BookKey identifies a book by its case-folded title and author.
type BookKey struct {
	Title  string
	Author string
}

func NewBookKey(title, author string) BookKey {
	return BookKey{
		Title:  strings.ToLower(strings.TrimSpace(title)),
		Author: strings.ToLower(strings.TrimSpace(author)),
	}
}

// Loan records one borrowed book on a member, in borrow order.
type Loan struct {
	Title   string    `json:"title"`
	Author  string    `json:"author"`
	DueDate time.Time `json:"due_date"`
}

// Member represents a registered borrower. ID is assigned by the engine and
// stable for the roster's lifetime.
type Member struct {
	ID    string `json:"member_id"`
	Name  string `json:"name" validate:"notblank"`
	Loans []Loan `json:"borrowed_books"`
}

// NewMember validates and constructs a member without an ID; the engine
// assigns one on registration.
func NewMember(name string) (*Member, error) {
	m := &Member{Name: strings.TrimSpace(name)}
	if err := validate.Struct(m); err != nil {
		return nil, fmt.Errorf("member name must be non-empty: %w", ErrValidation)
	}
	return m, nil
}

// HasLoan reports whether the member currently has the given book.
func (m *Member) HasLoan(key BookKey) bool {
	for _, ln := range m.Loans {
		if NewBookKey(ln.Title, ln.Author) == key {
			return true
		}
	}
	return false
}

func (m *Member) addLoan(b *Book, due time.Time) {
	m.Loans = append(m.Loans, Loan{Title: b.Title, Author: b.Author, DueDate: due})
}

func (m *Member) removeLoan(key BookKey) bool {
	for i, ln := range m.Loans {
		if NewBookKey(ln.Title, ln.Author) == key {
			m.Loans = append(m.Loans[:i], m.Loans[i+1:]...)
			return true
		}
	}
	return false
}

// Event kinds recorded in the transaction ledger.
const (
	EventIssue  = "issue"
	EventReturn = "return"
)

// LedgerEntry is one append-only circulation event. Entries are audit data,
// never replayed to reconstruct state.
type LedgerEntry struct {
	ID       string     `json:"id"`
	Time     time.Time  `json:"timestamp"`
	Event    string     `json:"event"`
	Title    string     `json:"title"`
	Author   string     `json:"author"`
	MemberID string     `json:"member_id"`
	DueDate  *time.Time `json:"due_date,omitempty"`
}

// OverdueBook pairs an issued book with its borrower and how many whole days
// past due it is.
type OverdueBook struct {
	Book        Book   `json:"book"`
	MemberID    string `json:"member_id"`
	DaysOverdue int    `json:"days_overdue"`
}

// Statistics summarizes the current in-memory state.
type Statistics struct {
	TotalBooks   int `json:"total_books"`
	Available    int `json:"available"`
	Issued       int `json:"issued"`
	TotalMembers int `json:"total_members"`
	Categories   int `json:"categories"`
}
