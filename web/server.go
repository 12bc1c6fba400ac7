// Package web is the HTTP surface over the content, graph, feed, action and
// search services. It is thin glue: parse, call, render JSON. Identity
// arrives as an id parameter; sessions and auth live in front of this
// service.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"

	"github.com/chenweiqiao/toutiao/actions"
	"github.com/chenweiqiao/toutiao/content"
	"github.com/chenweiqiao/toutiao/feed"
	"github.com/chenweiqiao/toutiao/graph"
	"github.com/chenweiqiao/toutiao/models"
	"github.com/chenweiqiao/toutiao/search"
)

type Server struct {
	echo    *echo.Echo
	content *content.Service
	graph   *graph.Graph
	feed    *feed.Fanout
	actions *actions.Set
	index   search.Index
	log     *slog.Logger
}

type Config struct {
	Content *content.Service
	Graph   *graph.Graph
	Feed    *feed.Fanout
	Actions *actions.Set
	Index   search.Index
}

func NewServer(cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(slog.Default()))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	s := &Server{
		echo:    e,
		content: cfg.Content,
		graph:   cfg.Graph,
		feed:    cfg.Feed,
		actions: cfg.Actions,
		index:   cfg.Index,
		log:     slog.With("source", "web"),
	}
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/_health", s.handleHealthCheck)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/feed/:uid", s.handleFeed)

	e.GET("/posts", s.handleRecentPosts)
	e.POST("/posts", s.handleCreatePost)
	e.GET("/posts/:ident", s.handleGetPost)
	e.PUT("/posts/:id", s.handleUpdatePost)
	e.DELETE("/posts/:id", s.handleDeletePost)
	e.PUT("/posts/:id/tags", s.handleSetTags)
	e.GET("/tags/:name/posts", s.handlePostsByTag)

	e.POST("/users/:from/following/:to", s.handleFollow)
	e.DELETE("/users/:from/following/:to", s.handleUnfollow)
	e.GET("/users/:uid/followers", s.handleFollowers)
	e.GET("/users/:uid/following", s.handleFollowing)
	e.GET("/users/:uid/stats", s.handleStats)

	e.POST("/actions/:name", s.handleCreateAction)
	e.DELETE("/actions/:name", s.handleDeleteAction)
	e.GET("/actions/:name/count", s.handleCountActions)
	e.GET("/actions/:name", s.handleListActions)

	e.GET("/search", s.handleSearch)

	return s
}

func (s *Server) Run(listen string) error {
	s.log.Info("starting http server", "bind", listen)
	srv := &http.Server{
		Handler:        s.echo,
		Addr:           listen,
		ReadTimeout:    time.Minute,
		WriteTimeout:   time.Minute,
		MaxHeaderBytes: 1 << 20,
	}
	return s.echo.StartServer(srv)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	case errors.Is(err, models.ErrNotFound):
		code = http.StatusNotFound
		msg = "not found"
	case errors.Is(err, models.ErrNotAllowed):
		code = http.StatusForbidden
		msg = "not allowed"
	}
	if code == http.StatusInternalServerError {
		s.log.Warn("request failed", "path", c.Path(), "err", err)
	}
	if jerr := c.JSON(code, map[string]string{"error": msg}); jerr != nil {
		s.log.Warn("writing error response", "err", jerr)
	}
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
