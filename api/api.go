// Package api is a thin HTTP adapter over the circulation engine. It never
// touches the persisted files directly.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"library-circulation/library"
)

type Server struct {
	lib *library.Library
	log zerolog.Logger
}

// NewRouter wires the engine's operations onto a gin router.
func NewRouter(lib *library.Library, log zerolog.Logger) *gin.Engine {
	s := &Server{lib: lib, log: log}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	router.GET("/statistics", s.statistics)
	router.GET("/history", s.history)
	router.GET("/categories", s.categories)

	books := router.Group("/books")
	{
		books.GET("", s.listBooks)
		books.POST("", s.addBook)
		books.DELETE("", s.removeBook)
		books.GET("/search", s.searchBooks)
		books.GET("/overdue", s.overdueBooks)
		books.GET("/category/:category", s.booksByCategory)
		books.POST("/issue", s.issueBook)
		books.POST("/return", s.returnBook)
	}

	members := router.Group("/members")
	{
		members.GET("", s.listMembers)
		members.POST("", s.addMember)
		members.GET("/:id/books", s.memberBooks)
	}

	return router
}

type addBookRequest struct {
	Title    string `json:"title" binding:"required"`
	Author   string `json:"author" binding:"required"`
	Category string `json:"category"`
}

type bookKeyRequest struct {
	Title  string `json:"title" binding:"required"`
	Author string `json:"author" binding:"required"`
}

type circulationRequest struct {
	Title  string `json:"title" binding:"required"`
	Author string `json:"author" binding:"required"`
	Member string `json:"member" binding:"required"`
}

type addMemberRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC()})
}

func (s *Server) statistics(c *gin.Context) {
	c.JSON(http.StatusOK, s.lib.Statistics())
}

func (s *Server) history(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	entries, err := s.lib.History(limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) categories(c *gin.Context) {
	cats := s.lib.Categories()
	c.JSON(http.StatusOK, gin.H{"categories": cats, "count": len(cats)})
}

func (s *Server) listBooks(c *gin.Context) {
	var books []library.Book
	if c.Query("available") == "true" {
		books = s.lib.AvailableBooks()
	} else {
		books = s.lib.Books()
	}
	c.JSON(http.StatusOK, gin.H{"books": books, "count": len(books)})
}

func (s *Server) addBook(c *gin.Context) {
	var req addBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	book, err := s.lib.AddBook(req.Title, req.Author, req.Category)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, book)
}

func (s *Server) removeBook(c *gin.Context) {
	var req bookKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.lib.RemoveBook(req.Title, req.Author); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) searchBooks(c *gin.Context) {
	mode := library.SearchMode(c.DefaultQuery("mode", string(library.SearchBoth)))
	books := s.lib.SearchBooks(c.Query("q"), mode)
	c.JSON(http.StatusOK, gin.H{"books": books, "count": len(books)})
}

func (s *Server) overdueBooks(c *gin.Context) {
	asOf := time.Now()
	if raw := c.Query("as_of"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be RFC3339"})
			return
		}
		asOf = parsed
	}
	overdue := s.lib.OverdueBooks(asOf)
	c.JSON(http.StatusOK, gin.H{"overdue": overdue, "count": len(overdue)})
}

func (s *Server) booksByCategory(c *gin.Context) {
	books := s.lib.BooksByCategory(c.Param("category"))
	c.JSON(http.StatusOK, gin.H{"books": books, "count": len(books)})
}

func (s *Server) issueBook(c *gin.Context) {
	var req circulationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	due, err := s.lib.IssueBook(req.Title, req.Author, req.Member)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"due_date": due})
}

func (s *Server) returnBook(c *gin.Context) {
	var req circulationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.lib.ReturnBook(req.Title, req.Author, req.Member); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"returned": true})
}

func (s *Server) listMembers(c *gin.Context) {
	members := s.lib.Members()
	c.JSON(http.StatusOK, gin.H{"members": members, "count": len(members)})
}

func (s *Server) addMember(c *gin.Context) {
	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	member, err := s.lib.AddMember(req.Name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, member)
}

func (s *Server) memberBooks(c *gin.Context) {
	loans, err := s.lib.MemberBooks(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loans": loans, "count": len(loans)})
}

// fail maps engine errors onto HTTP statuses. Storage and corruption failures
// are logged server-side; business-rule rejections are the caller's problem.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, library.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, library.ErrBookNotFound), errors.Is(err, library.ErrMemberNotFound):
		status = http.StatusNotFound
	case errors.Is(err, library.ErrDuplicate),
		errors.Is(err, library.ErrNotAvailable),
		errors.Is(err, library.ErrNotIssued),
		errors.Is(err, library.ErrBorrowerMismatch):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
