package docstore

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// Commit records one accepted write on the ContentsServer.
type Commit struct {
	Path      string    `json:"path"`
	Version   string    `json:"version"`
	Message   string    `json:"message"`
	Branch    string    `json:"branch"`
	Committed time.Time `json:"committed"`
}

// ContentsServer exposes any BlobStore through the contents API that
// ContentsClient speaks. It backs local development and tests, and keeps a
// log of every accepted write.
type ContentsServer struct {
	Store  BlobStore
	Branch string
	Token  string
	Logger *slog.Logger

	mu      sync.Mutex
	commits []Commit
}

// NewContentsServer serves store on branch. An empty token disables auth.
func NewContentsServer(store BlobStore, branch, token string, logger *slog.Logger) *ContentsServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContentsServer{Store: store, Branch: branch, Token: token, Logger: logger}
}

// Register mounts the contents routes on e.
func (s *ContentsServer) Register(e *echo.Echo) {
	g := e.Group("/contents", s.authMiddleware())
	g.GET("", s.handleGet)
	g.GET("/*", s.handleGet)
	g.PUT("/*", s.handlePut)
}

// Handler returns a standalone echo instance serving only the contents API.
func (s *ContentsServer) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s.Register(e)
	return e
}

// Commits returns the accepted writes in commit order.
func (s *ContentsServer) Commits() []Commit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Commit, len(s.commits))
	copy(out, s.commits)
	return out
}

func (s *ContentsServer) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.Token == "" {
				return next(c)
			}
			if c.Request().Header.Get("Authorization") != "Bearer "+s.Token {
				return c.JSON(http.StatusUnauthorized, map[string]any{"message": "Bad credentials"})
			}
			return next(c)
		}
	}
}

func (s *ContentsServer) branchMatches(ref string) bool {
	return ref == "" || s.Branch == "" || ref == s.Branch
}

func (s *ContentsServer) handleGet(c echo.Context) error {
	ctx := c.Request().Context()
	path, err := contentsPathParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"message": "invalid path"})
	}
	if !s.branchMatches(c.QueryParam("ref")) {
		return c.JSON(http.StatusNotFound, map[string]any{"message": "No commit found for the ref"})
	}

	if path != "" {
		doc, err := s.Store.Get(ctx, path)
		if err == nil {
			return c.JSON(http.StatusOK, contentsFile{
				Type:     "file",
				Path:     doc.Path,
				Encoding: "base64",
				Content:  base64.StdEncoding.EncodeToString(doc.Content),
				Version:  doc.Version,
			})
		}
		if !errors.Is(err, ErrNotFound) {
			s.Logger.ErrorContext(ctx, "contents get failed", "path", path, "error", err)
			return c.JSON(http.StatusInternalServerError, map[string]any{"message": err.Error()})
		}
	}

	entries, err := s.Store.List(ctx, path)
	if err != nil {
		s.Logger.ErrorContext(ctx, "contents list failed", "path", path, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]any{"message": err.Error()})
	}
	if len(entries) == 0 {
		return c.JSON(http.StatusNotFound, map[string]any{"message": "Not Found"})
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *ContentsServer) handlePut(c echo.Context) error {
	ctx := c.Request().Context()
	path, err := contentsPathParam(c)
	if err != nil || path == "" {
		return c.JSON(http.StatusBadRequest, map[string]any{"message": "invalid path"})
	}

	var req contentsPutRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"message": "invalid request body"})
	}
	if !s.branchMatches(req.Branch) {
		return c.JSON(http.StatusNotFound, map[string]any{"message": "Branch not found"})
	}
	content, err := decodeContent(req.Content)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"message": "content is not valid base64"})
	}

	version, err := s.Store.Put(ctx, path, content, req.Version)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return c.JSON(http.StatusConflict, map[string]any{"message": path + " does not match " + req.Version})
		}
		s.Logger.ErrorContext(ctx, "contents put failed", "path", path, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]any{"message": err.Error()})
	}

	commit := Commit{
		Path:      path,
		Version:   version,
		Message:   req.Message,
		Branch:    s.Branch,
		Committed: time.Now().UTC(),
	}
	s.mu.Lock()
	s.commits = append(s.commits, commit)
	s.mu.Unlock()
	s.Logger.InfoContext(ctx, "contents commit", "path", path, "version", version, "message", req.Message)

	return c.JSON(http.StatusOK, map[string]any{"version": version})
}

func contentsPathParam(c echo.Context) (string, error) {
	raw := c.Param("*")
	path, err := url.PathUnescape(raw)
	if err != nil {
		return "", err
	}
	path = normalizeKey(path)
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." || seg == "." {
			return "", errors.New("relative segment in path")
		}
	}
	return path, nil
}
